package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/orchestrator"
	"github.com/worklens/worklens/internal/remotesync"
)

func attachClient(t *testing.T, h *harness) *remotesync.Client {
	t.Helper()
	host := remotesync.NewHost(h.app.SnapshotSource, h.app.HandleIntent)
	t.Cleanup(h.app.BindHost(host))
	hostEnd, clientEnd := remotesync.Pipe()
	host.Attach(hostEnd)
	return remotesync.NewClient(clientEnd)
}

func TestRemoteIntentDrivesTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.True(t, h.app.Activate(ctx))
	client := attachClient(t, h)

	var snaps []remotesync.SnapshotPayload
	require.NoError(t, client.Subscribe(orchestrator.EngineTimer, func(snap remotesync.SnapshotPayload, _ uint64) {
		snaps = append(snaps, snap)
	}, nil))

	// Nothing published yet; an explicit resync pulls current truth.
	require.NoError(t, client.RequestSnapshot(orchestrator.EngineTimer))
	require.Len(t, snaps, 1)
	requireState(t, snaps[0], "idle")
	require.True(t, snaps[0].Matches[orchestrator.IntentTimerStart])

	require.NoError(t, client.SendIntent(orchestrator.EngineTimer, remotesync.Intent{
		Kind: orchestrator.IntentTimerStart,
		Args: json.RawMessage(`{"work_item_id":7,"title":"spike auth flow"}`),
	}))

	last := snaps[len(snaps)-1]
	requireState(t, last, "running")
	require.False(t, last.Matches[orchestrator.IntentTimerStart])
	require.True(t, last.Matches[orchestrator.IntentTimerPause])

	var timerCtx struct {
		WorkItemID int    `json:"work_item_id"`
		Title      string `json:"title"`
	}
	require.NoError(t, json.Unmarshal(last.Context, &timerCtx))
	require.Equal(t, 7, timerCtx.WorkItemID)
	require.Equal(t, "spike auth flow", timerCtx.Title)
}

func TestRemoteViewModeIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.True(t, h.app.Activate(ctx))
	client := attachClient(t, h)

	var last remotesync.SnapshotPayload
	require.NoError(t, client.Subscribe(orchestrator.EngineApp, func(snap remotesync.SnapshotPayload, _ uint64) {
		last = snap
	}, nil))

	require.NoError(t, client.SendIntent(orchestrator.EngineApp, remotesync.Intent{
		Kind: orchestrator.IntentSetViewMode,
		Args: json.RawMessage(`{"mode":"connections"}`),
	}))

	requireState(t, last, "active")
	var appCtx struct {
		ViewMode model.ViewMode `json:"view_mode"`
	}
	require.NoError(t, json.Unmarshal(last.Context, &appCtx))
	require.Equal(t, model.ViewModeConnections, appCtx.ViewMode)

	// A bogus intent kind is dropped without disturbing state.
	require.NoError(t, client.SendIntent(orchestrator.EngineApp, remotesync.Intent{Kind: "app:reboot"}))
	require.Equal(t, orchestrator.StateActive, h.app.State())
}

func requireState(t *testing.T, snap remotesync.SnapshotPayload, want string) {
	t.Helper()
	var state string
	require.NoError(t, json.Unmarshal(snap.State, &state))
	require.Equal(t, want, state)
}
