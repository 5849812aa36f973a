package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/remotesync"
	"github.com/worklens/worklens/internal/timer"
)

// Engine ids published over the sync protocol.
const (
	EngineApp   = "app"
	EngineTimer = "timer"
)

// Intent kinds a remote UI may send. Unknown kinds are logged and dropped;
// a stale or misbehaving client must never corrupt host state.
const (
	IntentAddConnection    = "app:add-connection"
	IntentRemoveConnection = "app:remove-connection"
	IntentSelectConnection = "app:select-connection"
	IntentSetViewMode      = "app:set-view-mode"
	IntentDismissReminder  = "app:dismiss-reminder"
	IntentRefreshWorkItems = "app:refresh-work-items"
	IntentTimerStart       = "timer:start"
	IntentTimerPause       = "timer:pause"
	IntentTimerResume      = "timer:resume"
	IntentTimerStop        = "timer:stop"
	IntentActivityPing     = "timer:activity-ping"
	IntentSignIn           = "auth:sign-in"
	IntentSignOut          = "auth:sign-out"
	IntentConnect          = "connection:connect"
	IntentRetry            = "connection:retry"
	IntentDisconnect       = "connection:disconnect"
)

type connectionArgs struct {
	ConnectionID string `json:"connection_id"`
}

type viewModeArgs struct {
	Mode string `json:"mode"`
}

type dismissArgs struct {
	ConnectionID string `json:"connection_id"`
	Kind         string `json:"kind"`
}

type timerStartArgs struct {
	WorkItemID int    `json:"work_item_id"`
	Title      string `json:"title"`
}

type signInArgs struct {
	ConnectionID     string `json:"connection_id"`
	ForceInteractive bool   `json:"force_interactive"`
}

// SnapshotSource serves the current truth for a published engine. Matches
// reports which intents the engine would accept right now, so a UI can
// grey out commands without guessing.
func (a *App) SnapshotSource(engineID string) (remotesync.SnapshotPayload, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch engineID {
	case EngineApp:
		return marshalSnapshot(a.eng.Snapshot(), a.appMatchesLocked())
	case EngineTimer:
		return marshalSnapshot(a.timer.Snapshot(), a.timerMatchesLocked())
	}
	return remotesync.SnapshotPayload{}, false
}

func marshalSnapshot[C any](snap engine.Snapshot[C], matches map[string]bool) (remotesync.SnapshotPayload, bool) {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return remotesync.SnapshotPayload{}, false
	}
	body, err := json.Marshal(snap.Context)
	if err != nil {
		return remotesync.SnapshotPayload{}, false
	}
	return remotesync.SnapshotPayload{State: state, Context: body, Matches: matches}, true
}

// BindHost publishes both engines to the host after every applied
// mutation; unchanged snapshots are suppressed host-side. The returned
// func unbinds.
func (a *App) BindHost(h *remotesync.Host) func() {
	return a.OnChange(func(engine.Snapshot[AppContext]) {
		a.publishSnapshotsLocked(h)
	})
}

func (a *App) publishSnapshotsLocked(h *remotesync.Host) {
	if snap, ok := marshalSnapshot(a.eng.Snapshot(), a.appMatchesLocked()); ok {
		if err := h.PublishSnapshot(EngineApp, snap); err != nil {
			a.log.Warn("publishing app snapshot failed", "error", err)
		}
	}
	if snap, ok := marshalSnapshot(a.timer.Snapshot(), a.timerMatchesLocked()); ok {
		if err := h.PublishSnapshot(EngineTimer, snap); err != nil {
			a.log.Warn("publishing timer snapshot failed", "error", err)
		}
	}
}

func (a *App) appMatchesLocked() map[string]bool {
	active := a.eng.State() == StateActive
	return map[string]bool{
		IntentAddConnection:    active,
		IntentRemoveConnection: active,
		IntentSelectConnection: active,
		IntentSetViewMode:      true,
		IntentDismissReminder:  active,
		IntentRefreshWorkItems: active,
		IntentSignIn:           active,
		IntentSignOut:          active,
		IntentConnect:          active,
		IntentRetry:            active,
		IntentDisconnect:       active,
	}
}

func (a *App) timerMatchesLocked() map[string]bool {
	st := a.timer.State()
	return map[string]bool{
		IntentTimerStart:   st == timer.StateIdle,
		IntentTimerPause:   st == timer.StateRunning,
		IntentTimerResume:  st == timer.StatePaused,
		IntentTimerStop:    st != timer.StateIdle,
		IntentActivityPing: st == timer.StateRunning,
	}
}

// HandleIntent decodes and applies a remote command. The result flows back
// to clients through the next snapshot broadcast, never as a reply.
func (a *App) HandleIntent(engineID string, intent remotesync.Intent, subseq uint64) {
	ctx := context.Background()
	logDrop := func(reason string) {
		a.log.Debug("dropping intent", "engine_id", engineID, "kind", intent.Kind, "subseq", subseq, "reason", reason)
	}
	switch intent.Kind {
	case IntentAddConnection:
		var raw map[string]any
		if json.Unmarshal(intent.Args, &raw) != nil {
			logDrop("bad args")
			return
		}
		if _, err := a.AddConnection(ctx, raw); err != nil {
			a.log.Warn("add connection intent rejected", "error", err, "subseq", subseq)
		}
	case IntentRemoveConnection:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.RemoveConnection(ctx, args.ConnectionID) {
			logDrop("invalid connection")
		}
	case IntentSelectConnection:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.SelectConnection(ctx, args.ConnectionID) {
			logDrop("invalid connection")
		}
	case IntentSetViewMode:
		var args viewModeArgs
		if json.Unmarshal(intent.Args, &args) != nil {
			logDrop("bad args")
			return
		}
		a.SetViewMode(ctx, model.ViewMode(args.Mode))
	case IntentDismissReminder:
		var args dismissArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.DismissReminder(ctx, args.ConnectionID, model.ReminderKind(args.Kind)) {
			logDrop("no such reminder")
		}
	case IntentRefreshWorkItems:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.RefreshWorkItems(ctx, args.ConnectionID) {
			logDrop("invalid connection")
		}
	case IntentTimerStart:
		var args timerStartArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.StartTimer(ctx, args.WorkItemID, args.Title) {
			logDrop("timer not idle")
		}
	case IntentTimerPause:
		if !a.PauseTimer(ctx) {
			logDrop("timer not running")
		}
	case IntentTimerResume:
		if !a.ResumeTimer(ctx) {
			logDrop("timer not paused")
		}
	case IntentTimerStop:
		if _, ok := a.StopTimer(ctx); !ok {
			logDrop("timer idle")
		}
	case IntentActivityPing:
		a.PingActivity(ctx)
	case IntentSignIn:
		var args signInArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.SignIn(ctx, args.ConnectionID, args.ForceInteractive) {
			logDrop("invalid connection")
		}
	case IntentSignOut:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.SignOut(ctx, args.ConnectionID) {
			logDrop("invalid connection")
		}
	case IntentConnect:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.Connect(ctx, args.ConnectionID) {
			logDrop("connect rejected")
		}
	case IntentRetry:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.RetryConnection(ctx, args.ConnectionID) {
			logDrop("retry rejected")
		}
	case IntentDisconnect:
		var args connectionArgs
		if json.Unmarshal(intent.Args, &args) != nil || !a.DisconnectConnection(ctx, args.ConnectionID) {
			logDrop("invalid connection")
		}
	default:
		logDrop("unknown kind")
	}
}
