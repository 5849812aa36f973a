package cli_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/appclient"
	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/cli"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/daemon"
	"github.com/worklens/worklens/internal/orchestrator"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "worklensd.sock")

	app := orchestrator.New(cfg, bus.New(cfg.BusHistoryLimit), nil, orchestrator.Deps{})
	require.True(t, app.Activate(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	srv := daemon.NewServer(cfg, app)
	done := make(chan struct{})
	go func() {
		_ = srv.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, appclient.WaitHealthy(ctx, cfg.SocketPath, 5*time.Second))
	return cfg.SocketPath
}

func run(t *testing.T, socketPath string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	r := cli.NewRunner(socketPath, &out, &errOut)
	code := r.Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestStatusAndConnectionLifecycle(t *testing.T) {
	socketPath := startDaemon(t)

	code, out, _ := run(t, socketPath, "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "state: active")
	require.Contains(t, out, "connections: 0")

	code, _, _ = run(t, socketPath,
		"connections", "add", "-org", "contoso", "-project", "platform", "-label", "Platform")
	require.Equal(t, 0, code)

	code, out, _ = run(t, socketPath, "connections", "list")
	require.Equal(t, 0, code)
	require.Contains(t, out, "contoso/platform")
	require.Contains(t, out, "Platform")

	id := strings.Fields(out)[0]
	code, _, _ = run(t, socketPath, "connections", "remove", "-id", id)
	require.Equal(t, 0, code)

	code, out, _ = run(t, socketPath, "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "connections: 0")
}

func TestTimerCommands(t *testing.T) {
	socketPath := startDaemon(t)

	code, out, _ := run(t, socketPath, "timer", "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "timer: idle")

	code, _, _ = run(t, socketPath, "timer", "start", "-id", "42", "-title", "triage crash reports")
	require.Equal(t, 0, code)

	code, out, _ = run(t, socketPath, "timer", "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "timer: running")
	require.Contains(t, out, "#42 triage crash reports")

	code, _, _ = run(t, socketPath, "timer", "stop")
	require.Equal(t, 0, code)

	code, out, _ = run(t, socketPath, "timer", "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "timer: idle")
	require.Contains(t, out, "last: #42")
}

func TestUsageAndBadCommands(t *testing.T) {
	socketPath := startDaemon(t)

	code, _, errOut := run(t, socketPath)
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "usage: worklens")

	code, _, errOut = run(t, socketPath, "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown command")

	code, _, errOut = run(t, socketPath, "view", "sideways")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "unknown view mode")

	code, _, _ = run(t, socketPath, "view", "connections")
	require.Equal(t, 0, code)
	code, out, _ := run(t, socketPath, "status")
	require.Equal(t, 0, code)
	require.Contains(t, out, "view: connections")
}
