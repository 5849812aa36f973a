package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/daemon"
	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/orchestrator"
	"github.com/worklens/worklens/internal/providers"
	"github.com/worklens/worklens/internal/store"
)

func main() {
	var (
		configPath    = flag.String("config", "", "YAML config path")
		socketPath    = flag.String("socket", "", "UDS path for worklensd")
		dbPath        = flag.String("db", "", "SQLite path")
		workItemsPath = flag.String("work-items", "", "YAML file served as the work item source")
		verbose       = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer st.Close() //nolint:errcheck

	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		fatal(err)
	}

	app := orchestrator.New(cfg, bus.New(cfg.BusHistoryLimit), st, orchestrator.Deps{
		Credentials: providers.DefaultRegistry(),
		Data:        providers.FileWorkItems{Path: *workItemsPath},
		Clients:     providers.NoopClients{},
	})
	stopTrail := persistSnapshotTrail(ctx, app, st, cfg)
	defer stopTrail()

	if !app.Activate(ctx) {
		fatal(errors.New("activation rejected"))
	}
	if app.State() == orchestrator.StateErrorRecovery {
		slog.Error("activation failed, recover via restart or retry intent",
			"error", app.Snapshot().Context.LastError)
	}

	srv := daemon.NewServer(cfg, app)
	slog.Info("worklensd listening", "socket", cfg.SocketPath, "db", cfg.DBPath)
	err = srv.Start(ctx)
	app.Deactivate(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// persistSnapshotTrail keeps a bounded per-engine history of app snapshots
// in the store, a debugging trail for state transitions that already
// happened.
func persistSnapshotTrail(ctx context.Context, app *orchestrator.App, st *store.Store, cfg config.Config) func() {
	var last string
	return app.OnChange(func(snap engine.Snapshot[orchestrator.AppContext]) {
		body, err := json.Marshal(snap.Context)
		if err != nil {
			return
		}
		if string(body) == last {
			return
		}
		last = string(body)
		err = st.SaveEngineSnapshot(ctx, store.EngineSnapshot{
			EngineID: orchestrator.EngineApp,
			State:    string(snap.State),
			Context:  string(body),
		}, cfg.SnapshotHistoryLimit)
		if err != nil {
			slog.Warn("persisting snapshot trail failed", "error", err)
		}
	})
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "worklensd: %v\n", err)
	os.Exit(1)
}
