package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worklens/worklens/internal/authflow"
	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/connection"
	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/security"
	"github.com/worklens/worklens/internal/store"
	"github.com/worklens/worklens/internal/timer"
)

// AddConnection coerces a possibly loosely-shaped record, persists it, and
// builds its engine pair. Duplicate ids are rejected.
func (a *App) AddConnection(ctx context.Context, raw map[string]any) (model.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateActive {
		return model.Connection{}, errors.New("not active")
	}
	conn, err := model.NormalizeConnection(raw)
	if err != nil {
		return model.Connection{}, err
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = a.now()
	}
	current := a.eng.Context().Connections
	for _, existing := range current {
		if existing.ID == conn.ID {
			return model.Connection{}, fmt.Errorf("connection %s already exists", conn.ID)
		}
	}
	if a.st != nil {
		if err := a.st.UpsertConnection(ctx, conn); err != nil {
			return model.Connection{}, err
		}
	}
	list := append(append([]model.Connection(nil), current...), conn)
	a.applyLocked(ctx, engine.NewEvent(evConnectionsLoaded, list))
	a.notifyLocked()
	return conn, nil
}

// RemoveConnection retires the connection and its engine pair; everything
// keyed by the id (work items, reminders, summaries) is dropped with it.
func (a *App) RemoveConnection(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateActive {
		return false
	}
	current := a.eng.Context().Connections
	list := make([]model.Connection, 0, len(current))
	found := false
	for _, existing := range current {
		if existing.ID == connectionID {
			found = true
			continue
		}
		list = append(list, existing)
	}
	if !found {
		return false
	}
	if a.st != nil {
		if err := a.st.DeleteConnection(ctx, connectionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			a.log.Warn("deleting connection failed", "connection_id", connectionID, "error", err)
		}
	}
	a.applyLocked(ctx, engine.NewEvent(evConnectionsLoaded, list))
	a.notifyLocked()
	return true
}

// SelectConnection rejects ids not present in the connections list; a bad
// UI command must not crash or corrupt the host.
func (a *App) SelectConnection(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateActive {
		return false
	}
	if !a.hasConnectionLocked(connectionID) {
		return false
	}
	a.applyLocked(ctx, engine.NewEvent(evSelectConnection, connectionID))
	a.notifyLocked()
	return true
}

func (a *App) RefreshWorkItems(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateActive || !a.hasConnectionLocked(connectionID) {
		return false
	}
	a.launchWorkItemsLocked(ctx, connectionID)
	return true
}

func (a *App) SetViewMode(ctx context.Context, mode model.ViewMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyLocked(ctx, engine.NewEvent(evSetViewMode, mode))
	a.notifyLocked()
}

func (a *App) DismissReminder(ctx context.Context, connectionID string, kind model.ReminderKind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	found := false
	for _, r := range a.eng.Context().Reminders {
		if r.ConnectionID == connectionID && r.Kind == kind {
			found = true
		}
	}
	if !found {
		return false
	}
	a.applyLocked(ctx, engine.NewEvent(evDismissReminder, reminderKey{ConnectionID: connectionID, Kind: kind}))
	a.notifyLocked()
	return true
}

// Connect starts the staged connect pipeline for one connection.
func (a *App) Connect(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return false
	}
	fx, ok := c.Connect(a.now())
	if !ok {
		return false
	}
	a.execConnEffectsLocked(ctx, connectionID, fx)
	a.notifyLocked()
	return true
}

func (a *App) RetryConnection(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return false
	}
	fx, ok := c.Retry(a.now())
	if !ok {
		return false
	}
	a.execConnEffectsLocked(ctx, connectionID, fx)
	a.notifyLocked()
	return true
}

func (a *App) DisconnectConnection(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return false
	}
	a.execConnEffectsLocked(ctx, connectionID, c.Disconnect(a.now()))
	a.notifyLocked()
	return true
}

// SignIn drives the auth engine directly, outside the connect pipeline
// (re-authentication after expiry, or forcing an interactive flow).
func (a *App) SignIn(ctx context.Context, connectionID string, forceInteractive bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	auth, ok := a.auths[connectionID]
	if !ok {
		return false
	}
	fx, ok := auth.Authenticate(forceInteractive, a.now())
	if !ok {
		return false
	}
	generation := 0
	if c, ok := a.conns[connectionID]; ok {
		generation = c.Generation()
	}
	a.execAuthEffectsLocked(ctx, connectionID, generation, fx)
	a.notifyLocked()
	return true
}

func (a *App) SignOut(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	auth, ok := a.auths[connectionID]
	if !ok {
		return false
	}
	fx := auth.SignOut(a.now())
	generation := 0
	if c, ok := a.conns[connectionID]; ok {
		generation = c.Generation()
		a.execConnEffectsLocked(ctx, connectionID, c.Disconnect(a.now()))
	}
	a.execAuthEffectsLocked(ctx, connectionID, generation, fx)
	a.notifyLocked()
	return true
}

// TokenExpired is fed by whatever observes credential lifetimes (a token
// watcher, a 401 from the data provider).
func (a *App) TokenExpired(ctx context.Context, connectionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return false
	}
	if auth, ok := a.auths[connectionID]; ok {
		a.execAuthEffectsLocked(ctx, connectionID, c.Generation(), auth.Expired(a.now()))
	}
	a.execConnEffectsLocked(ctx, connectionID, c.TokenExpired(a.now()))
	a.notifyLocked()
	return true
}

func (a *App) StartTimer(ctx context.Context, workItemID int, title string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	fx, ok := a.timer.Start(workItemID, title, a.now())
	if !ok {
		return false
	}
	a.execTimerEffectsLocked(ctx, fx)
	a.notifyLocked()
	return true
}

func (a *App) PauseTimer(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	fx, ok := a.timer.Pause(a.now())
	if !ok {
		return false
	}
	a.execTimerEffectsLocked(ctx, fx)
	a.notifyLocked()
	return true
}

func (a *App) ResumeTimer(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	fx, ok := a.timer.Resume(a.now())
	if !ok {
		return false
	}
	a.execTimerEffectsLocked(ctx, fx)
	a.notifyLocked()
	return true
}

func (a *App) StopTimer(ctx context.Context) (timer.StopResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	startedAt := a.timer.Snapshot().Context.StartedAt
	res, fx, ok := a.timer.Stop(a.now())
	if !ok {
		return timer.StopResult{}, false
	}
	if a.st != nil {
		entry := model.TimerHistoryEntry{
			WorkItemID: res.WorkItemID,
			Title:      res.Title,
			StartedAt:  startedAt,
			StoppedAt:  a.now(),
			Duration:   res.Duration,
			CapApplied: res.CapApplied,
		}
		if err := a.st.AppendTimerHistory(ctx, entry, a.cfg.TimerHistoryLimit); err != nil {
			a.log.Warn("appending timer history failed", "error", err)
		}
	}
	a.execTimerEffectsLocked(ctx, fx)
	a.notifyLocked()
	return res, true
}

func (a *App) PingActivity(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.execTimerEffectsLocked(ctx, a.timer.ActivityPing(a.now()))
	a.notifyLocked()
}

// DeviceCodeIssued surfaces an interactive sign-in prompt mid-flight.
func (a *App) DeviceCodeIssued(ctx context.Context, connectionID string, session model.DeviceCodeSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auth, ok := a.auths[connectionID]
	if !ok {
		return
	}
	auth.DeviceCodeIssued(session, a.now())
	a.mergeConnectionLocked(ctx, connectionID)
	a.notifyLocked()
}

// ResolveAuth feeds a credential acquisition result back in. A result from
// a superseded connect attempt is discarded by the generation check.
func (a *App) ResolveAuth(ctx context.Context, connectionID string, generation int, res AuthResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	auth, ok := a.auths[connectionID]
	if !ok {
		return
	}
	c := a.conns[connectionID]
	if err != nil {
		message := security.RedactError(err)
		a.execAuthEffectsLocked(ctx, connectionID, generation, auth.Failed(message, a.now()))
		if c != nil {
			a.execConnEffectsLocked(ctx, connectionID, c.AuthFailed(generation, message, a.now()))
		}
	} else {
		a.execAuthEffectsLocked(ctx, connectionID, generation, auth.Succeeded(res.ExpiresAt, a.now()))
		if c != nil {
			a.execConnEffectsLocked(ctx, connectionID, c.AuthSucceeded(generation, a.now()))
		}
	}
	a.notifyLocked()
}

func (a *App) ResolveClient(ctx context.Context, connectionID string, generation int, err error) {
	a.resolveStage(ctx, connectionID, generation, err,
		(*connection.Conn).ClientCreated, (*connection.Conn).ClientFailed)
}

func (a *App) ResolveProvider(ctx context.Context, connectionID string, generation int, err error) {
	a.resolveStage(ctx, connectionID, generation, err,
		(*connection.Conn).ProviderCreated, (*connection.Conn).ProviderFailed)
}

func (a *App) resolveStage(
	ctx context.Context,
	connectionID string,
	generation int,
	err error,
	onOK func(*connection.Conn, int, time.Time) []engine.Effect,
	onFail func(*connection.Conn, int, string, time.Time) []engine.Effect,
) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return
	}
	var fx []engine.Effect
	if err != nil {
		fx = onFail(c, generation, security.RedactError(err), a.now())
	} else {
		fx = onOK(c, generation, a.now())
	}
	a.execConnEffectsLocked(ctx, connectionID, fx)
	a.notifyLocked()
}

func (a *App) ResolveRefresh(ctx context.Context, connectionID string, generation int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return
	}
	var fx []engine.Effect
	if err != nil {
		fx = c.RefreshFailed(generation, security.RedactError(err), a.now())
	} else {
		fx = c.RefreshSucceeded(generation, a.now())
	}
	a.execConnEffectsLocked(ctx, connectionID, fx)
	a.notifyLocked()
}

func (a *App) ResolveWorkItems(ctx context.Context, connectionID string, generation int, items []model.WorkItem, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok || c.Generation() != generation {
		a.log.Debug("discarding stale work item result", "connection_id", connectionID)
		return
	}
	payload := workItemsPayload{ConnectionID: connectionID, Items: items}
	if err != nil {
		payload.LoadError = security.RedactError(err)
	}
	a.applyLocked(ctx, engine.NewEvent(evWorkItemsLoaded, payload))
	if err == nil {
		a.bus.Emit(bus.TypeWorkItemsLoaded, len(items), bus.WithConnection(connectionID), bus.WithEngine("orchestrator"))
	}
	a.notifyLocked()
}

func (a *App) hasConnectionLocked(connectionID string) bool {
	for _, existing := range a.eng.Context().Connections {
		if existing.ID == connectionID {
			return true
		}
	}
	return false
}

func (a *App) connectionRecordLocked(connectionID string) (model.Connection, bool) {
	for _, existing := range a.eng.Context().Connections {
		if existing.ID == connectionID {
			return existing, true
		}
	}
	return model.Connection{}, false
}

func (a *App) launchWorkItemsLocked(ctx context.Context, connectionID string) {
	if a.deps.Data == nil {
		return
	}
	rec, ok := a.connectionRecordLocked(connectionID)
	if !ok {
		return
	}
	generation := 0
	if c, ok := a.conns[connectionID]; ok {
		generation = c.Generation()
	}
	a.deps.Async(func() {
		items, err := a.deps.Data.WorkItems(ctx, rec)
		a.ResolveWorkItems(ctx, connectionID, generation, items, err)
	})
}

func (a *App) execConnEffectsLocked(ctx context.Context, connectionID string, fx []engine.Effect) {
	for _, f := range fx {
		switch f.Kind {
		case connection.EffectAuthenticate:
			p, _ := f.Payload.(connection.StagePayload)
			a.beginAuthStageLocked(ctx, connectionID, p.Generation)
		case connection.EffectCreateClient:
			p, _ := f.Payload.(connection.StagePayload)
			a.launchStageLocked(ctx, connectionID, p.Generation, a.clientStage, a.ResolveClient)
		case connection.EffectCreateProvider:
			p, _ := f.Payload.(connection.StagePayload)
			a.launchStageLocked(ctx, connectionID, p.Generation, a.providerStage, a.ResolveProvider)
		case connection.EffectRefreshToken:
			p, _ := f.Payload.(connection.StagePayload)
			a.launchRefreshLocked(ctx, connectionID, p.Generation)
		case connection.EffectScheduleRefresh:
			until, _ := f.Payload.(time.Time)
			a.scheduleRefreshLocked(ctx, connectionID, until)
		case connection.EffectTeardown:
			a.cancelDeferredForLocked(connectionID)
		case connection.EffectPublishState:
			if c, ok := a.conns[connectionID]; ok {
				a.bus.Emit(bus.TypeConnectionState, c.Snapshot().Context,
					bus.WithConnection(connectionID), bus.WithEngine("connection"))
			}
		default:
			a.log.Warn("unhandled connection effect", "kind", f.Kind, "connection_id", connectionID)
		}
	}
}

// beginAuthStageLocked enters the auth stage of the connect pipeline. If
// the auth engine already holds a valid credential the stage resolves
// immediately; otherwise a fresh acquisition starts.
func (a *App) beginAuthStageLocked(ctx context.Context, connectionID string, generation int) {
	auth, ok := a.auths[connectionID]
	if !ok {
		return
	}
	if auth.State() == authflow.StateAuthenticated {
		if c, ok := a.conns[connectionID]; ok {
			a.execConnEffectsLocked(ctx, connectionID, c.AuthSucceeded(generation, a.now()))
		}
		return
	}
	fx, ok := auth.Authenticate(false, a.now())
	if !ok {
		a.log.Debug("authentication already in flight", "connection_id", connectionID)
		return
	}
	a.execAuthEffectsLocked(ctx, connectionID, generation, fx)
}

func (a *App) execAuthEffectsLocked(ctx context.Context, connectionID string, generation int, fx []engine.Effect) {
	for _, f := range fx {
		switch f.Kind {
		case authflow.EffectAcquire:
			p, _ := f.Payload.(authflow.AcquirePayload)
			a.launchAcquireLocked(ctx, connectionID, generation, p.ForceInteractive)
		case authflow.EffectRevoke:
			if a.deps.Credentials != nil {
				a.deps.Async(func() {
					if err := a.deps.Credentials.SignOut(ctx, connectionID); err != nil {
						a.log.Warn("sign out failed", "connection_id", connectionID, "error", err)
					}
				})
			}
		case authflow.EffectPublishSuccess:
			a.bus.Emit(bus.TypeAuthSuccess, nil, bus.WithConnection(connectionID), bus.WithEngine("auth"))
		case authflow.EffectPublishFailure:
			a.bus.Emit(bus.TypeAuthFailed, f.Payload, bus.WithConnection(connectionID), bus.WithEngine("auth"))
		case authflow.EffectPublishExpired:
			a.bus.Emit(bus.TypeAuthExpired, nil, bus.WithConnection(connectionID), bus.WithEngine("auth"))
		default:
			a.log.Warn("unhandled auth effect", "kind", f.Kind, "connection_id", connectionID)
		}
	}
}

func (a *App) launchAcquireLocked(ctx context.Context, connectionID string, generation int, forceInteractive bool) {
	if a.deps.Credentials == nil {
		return
	}
	rec, ok := a.connectionRecordLocked(connectionID)
	if !ok {
		return
	}
	a.deps.Async(func() {
		res, err := a.deps.Credentials.Authenticate(ctx, rec, forceInteractive, func(session model.DeviceCodeSession) {
			a.DeviceCodeIssued(ctx, connectionID, session)
		})
		a.ResolveAuth(ctx, connectionID, generation, res, err)
	})
}

func (a *App) clientStage(ctx context.Context, rec model.Connection) error {
	if a.deps.Clients == nil {
		return nil
	}
	return a.deps.Clients.CreateClient(ctx, rec)
}

func (a *App) providerStage(ctx context.Context, rec model.Connection) error {
	if a.deps.Clients == nil {
		return nil
	}
	return a.deps.Clients.CreateProvider(ctx, rec)
}

func (a *App) launchStageLocked(
	ctx context.Context,
	connectionID string,
	generation int,
	stage func(context.Context, model.Connection) error,
	resolve func(context.Context, string, int, error),
) {
	rec, ok := a.connectionRecordLocked(connectionID)
	if !ok {
		rec = model.Connection{ID: connectionID}
	}
	a.deps.Async(func() {
		resolve(ctx, connectionID, generation, stage(ctx, rec))
	})
}

func (a *App) launchRefreshLocked(ctx context.Context, connectionID string, generation int) {
	if a.deps.Credentials == nil {
		return
	}
	rec, ok := a.connectionRecordLocked(connectionID)
	if !ok {
		return
	}
	a.deps.Async(func() {
		_, err := a.deps.Credentials.Refresh(ctx, rec)
		a.ResolveRefresh(ctx, connectionID, generation, err)
	})
}

// scheduleRefreshLocked arms the backoff window; when it fires, a refresh
// is retried only if the connection is still waiting and allowed to.
func (a *App) scheduleRefreshLocked(ctx context.Context, connectionID string, until time.Time) {
	wait := until.Sub(a.now())
	if wait < 0 {
		wait = 0
	}
	a.scheduleDeferredLocked(connectionID+"/refresh", wait, func() {
		c, ok := a.conns[connectionID]
		if !ok || c.State() != connection.StateTokenRefresh || !c.CanRefresh(a.now()) {
			return
		}
		a.launchRefreshLocked(ctx, connectionID, c.Generation())
	})
}

func (a *App) execTimerEffectsLocked(ctx context.Context, fx []engine.Effect) {
	for _, f := range fx {
		switch f.Kind {
		case timer.EffectScheduleInactivity:
			a.scheduleInactivityLocked(ctx)
		case timer.EffectCancelInactivity:
			a.cancelDeferredLocked("timer/inactivity")
		case timer.EffectPersist:
			if a.st != nil {
				ps, _ := f.Payload.(timer.PersistedState)
				if err := a.st.SaveTimerState(ctx, ps, a.now()); err != nil {
					a.log.Warn("persisting timer failed", "error", err)
				}
			}
		case timer.EffectClearPersisted:
			if a.st != nil {
				if err := a.st.ClearTimerState(ctx); err != nil {
					a.log.Warn("clearing persisted timer failed", "error", err)
				}
			}
		case timer.EffectAnnounce:
			a.bus.Emit(bus.TypeTimerState, a.timer.Snapshot().Context, bus.WithEngine("timer"))
		default:
			a.log.Warn("unhandled timer effect", "kind", f.Kind)
		}
	}
}

// scheduleInactivityLocked arms the auto-pause window. When it fires, the
// timer is paused only if no activity arrived in the meantime; otherwise
// the window re-arms for the remainder.
func (a *App) scheduleInactivityLocked(ctx context.Context) {
	if a.cfg.InactivityTimeout <= 0 {
		return
	}
	a.scheduleDeferredLocked("timer/inactivity", a.cfg.InactivityTimeout, func() {
		if a.timer.State() != timer.StateRunning {
			return
		}
		idle := a.now().Sub(a.timer.Snapshot().Context.LastActivityAt)
		if idle < a.cfg.InactivityTimeout {
			a.scheduleInactivityLocked(ctx)
			return
		}
		a.execTimerEffectsLocked(ctx, a.timer.InactivityTimeout(a.now()))
	})
}
