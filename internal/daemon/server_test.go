package daemon_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/appclient"
	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/daemon"
	"github.com/worklens/worklens/internal/orchestrator"
)

func startDaemon(t *testing.T) (config.Config, *orchestrator.App, <-chan error, context.CancelFunc) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "worklensd.sock")

	app := orchestrator.New(cfg, bus.New(cfg.BusHistoryLimit), nil, orchestrator.Deps{})
	require.True(t, app.Activate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	srv := daemon.NewServer(cfg, app)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.NoError(t, appclient.WaitHealthy(ctx, cfg.SocketPath, 5*time.Second))
	return cfg, app, errCh, cancel
}

func TestTimerRoundTripOverSocket(t *testing.T) {
	cfg, _, errCh, cancel := startDaemon(t)
	defer cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	client, err := appclient.Dial(ctx, cfg.SocketPath)
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	appSnap, err := client.FetchApp(ctx)
	require.NoError(t, err)
	require.Equal(t, "active", appSnap.State)

	require.NoError(t, client.StartTimer(42, "wire up end to end"))
	timerSnap, err := client.FetchTimer(ctx)
	require.NoError(t, err)
	require.Equal(t, "running", timerSnap.State)
	require.Equal(t, 42, timerSnap.Context.WorkItemID)
	require.False(t, timerSnap.Matches[orchestrator.IntentTimerStart])

	require.NoError(t, client.StopTimer())
	timerSnap, err = client.FetchTimer(ctx)
	require.NoError(t, err)
	require.Equal(t, "idle", timerSnap.State)
	require.NotNil(t, timerSnap.Context.LastStop)
	require.Equal(t, 42, timerSnap.Context.LastStop.WorkItemID)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The socket is cleaned up on shutdown.
	_, statErr := os.Lstat(cfg.SocketPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestSecondDaemonRefusesSocket(t *testing.T) {
	cfg, app, errCh, cancel := startDaemon(t)
	defer cancel()

	second := daemon.NewServer(cfg, app)
	err := second.Start(context.Background())
	require.ErrorContains(t, err, "already running")

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
}
