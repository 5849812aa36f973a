// Package orchestrator owns the top-level application engine and the child
// engines it coordinates: one connection engine and one auth engine per
// remote connection, plus a single timer engine. All mutation flows through
// engine transitions; the orchestrator executes the side effects those
// transitions describe (bus emits, store writes, deferred timers, provider
// calls) and merges child snapshots back into its own context.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/worklens/worklens/internal/authflow"
	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/connection"
	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/store"
	"github.com/worklens/worklens/internal/timer"
)

const (
	StateInactive      engine.State = "inactive"
	StateActivating    engine.State = "activating"
	StateActive        engine.State = "active"
	StateErrorRecovery engine.State = "error_recovery"
	StateDeactivating  engine.State = "deactivating"
)

const (
	evActivate          = "app:activate"
	evConnectionsLoaded = "app:connections-loaded"
	evActivationFailed  = "app:activation-failed"
	evRecover           = "app:recover"
	evDeactivate        = "app:deactivate"
	evDeactivated       = "app:deactivated"
	evSelectConnection  = "app:select-connection"
	evWorkItemsLoaded   = "app:work-items-loaded"
	evSetViewMode       = "app:set-view-mode"
	evAddReminder       = "app:add-reminder"
	evDismissReminder   = "app:dismiss-reminder"
	evMergeChild        = "app:merge-child"
	evMergeTimer        = "app:merge-timer"
	evSetDeviceCode     = "app:set-device-code"
)

const (
	effLoadConnections = "app:load-connections"
	effSyncEngines     = "app:sync-engines"
	effRestoreTimer    = "app:restore-timer"
	effLoadWorkItems   = "app:load-work-items"
	effTeardown        = "app:teardown"
)

// ConnectionSummary is the per-connection slice of child-engine state the
// UI renders. It is derived from child snapshots, never a live reference.
type ConnectionSummary struct {
	ConnectionState string    `json:"connection_state"`
	AuthState       string    `json:"auth_state"`
	RetryCount      int       `json:"retry_count,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
}

// TimerSummary mirrors the timer engine's snapshot into the app context.
type TimerSummary struct {
	State      string                    `json:"state"`
	WorkItemID int                       `json:"work_item_id,omitempty"`
	Title      string                    `json:"title,omitempty"`
	StartedAt  time.Time                 `json:"started_at,omitempty"`
	LastStop   *timer.StopResult         `json:"last_stop,omitempty"`
	History    []model.TimerHistoryEntry `json:"history,omitempty"`
}

// AppContext is the authoritative context the UI consumes. Maps and slices
// are copied on write so handed-out snapshots never alias live state.
type AppContext struct {
	Connections        []model.Connection           `json:"connections"`
	ActiveConnectionID string                       `json:"active_connection_id,omitempty"`
	WorkItems          map[string][]model.WorkItem  `json:"work_items,omitempty"`
	Summaries          map[string]ConnectionSummary `json:"summaries,omitempty"`
	Reminders          []model.Reminder             `json:"reminders,omitempty"`
	DeviceCode         *model.DeviceCodeSession     `json:"device_code,omitempty"`
	ViewMode           model.ViewMode               `json:"view_mode"`
	Timer              TimerSummary                 `json:"timer"`
	LastError          string                       `json:"last_error,omitempty"`
}

// AuthResult is what the credential provider reports on success.
type AuthResult struct {
	ExpiresAt time.Time
}

// CredentialProvider acquires and revokes credentials for a connection.
// prompt is invoked if an interactive flow issues a device code.
type CredentialProvider interface {
	Authenticate(ctx context.Context, conn model.Connection, forceInteractive bool, prompt func(model.DeviceCodeSession)) (AuthResult, error)
	Refresh(ctx context.Context, conn model.Connection) (AuthResult, error)
	SignOut(ctx context.Context, connectionID string) error
}

// DataProvider fetches remote work items for a connection.
type DataProvider interface {
	WorkItems(ctx context.Context, conn model.Connection) ([]model.WorkItem, error)
}

// ClientFactory builds the transport client and the data provider session
// for a connection; the engines track only readiness, never the handles.
type ClientFactory interface {
	CreateClient(ctx context.Context, conn model.Connection) error
	CreateProvider(ctx context.Context, conn model.Connection) error
}

// Deps are the external collaborators. Async runs provider calls off the
// orchestrator goroutine; tests replace it with an inline runner.
type Deps struct {
	Credentials CredentialProvider
	Data        DataProvider
	Clients     ClientFactory
	Async       func(func())
}

type App struct {
	mu   sync.Mutex
	cfg  config.Config
	bus  *bus.Bus
	st   *store.Store
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	eng   *engine.Engine[AppContext]
	timer *timer.Timer
	conns map[string]*connection.Conn
	auths map[string]*authflow.Auth

	deferred map[string]*time.Timer
	watchers map[int]func(engine.Snapshot[AppContext])
	nextWID  int
}

// New builds an orchestrator. st may be nil for a memory-only instance.
func New(cfg config.Config, b *bus.Bus, st *store.Store, deps Deps) *App {
	if deps.Async == nil {
		deps.Async = func(fn func()) { go fn() }
	}
	a := &App{
		cfg:      cfg,
		bus:      b,
		st:       st,
		deps:     deps,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		timer:    timer.New(timer.Config{Cap: cfg.TimerCap, HistoryLimit: cfg.TimerHistoryLimit}),
		conns:    make(map[string]*connection.Conn),
		auths:    make(map[string]*authflow.Auth),
		deferred: make(map[string]*time.Timer),
		watchers: make(map[int]func(engine.Snapshot[AppContext])),
	}
	a.eng = engine.New(StateInactive, AppContext{ViewMode: model.ViewModeWorkItems}, appTable())
	b.SubscribeAll(a.onBusMessage)
	return a
}

func (a *App) State() engine.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eng.State()
}

func (a *App) Snapshot() engine.Snapshot[AppContext] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eng.Snapshot()
}

func (a *App) TimerSnapshot() engine.Snapshot[timer.Context] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer.Snapshot()
}

// OnChange registers a subscriber notified with the app snapshot after
// every applied mutation. The returned func unsubscribes.
func (a *App) OnChange(fn func(engine.Snapshot[AppContext])) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextWID
	a.nextWID++
	a.watchers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.watchers, id)
	}
}

// Activate loads persisted connections, builds child engines, and restores
// a persisted timer. A load failure lands in error_recovery, not a crash.
func (a *App) Activate(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateInactive {
		return false
	}
	a.applyLocked(ctx, engine.NewEvent(evActivate, nil))
	a.notifyLocked()
	return true
}

// Recover retries activation after a failed load.
func (a *App) Recover(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eng.State() != StateErrorRecovery {
		return false
	}
	a.applyLocked(ctx, engine.NewEvent(evRecover, nil))
	a.notifyLocked()
	return true
}

// Deactivate persists the running timer, disconnects and retires every
// child engine, and returns to inactive.
func (a *App) Deactivate(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.eng.State() {
	case StateActive, StateErrorRecovery, StateActivating:
	default:
		return false
	}
	a.applyLocked(ctx, engine.NewEvent(evDeactivate, nil))
	a.applyLocked(ctx, engine.NewEvent(evDeactivated, nil))
	a.notifyLocked()
	return true
}

// applyLocked steps the app engine and executes resulting effects.
func (a *App) applyLocked(ctx context.Context, ev engine.Event) {
	fx := a.eng.Step(ev)
	for _, f := range fx {
		a.execAppEffectLocked(ctx, f)
	}
}

func (a *App) execAppEffectLocked(ctx context.Context, f engine.Effect) {
	switch f.Kind {
	case effLoadConnections:
		a.loadConnectionsLocked(ctx)
	case effSyncEngines:
		list, _ := f.Payload.([]model.Connection)
		a.syncEnginesLocked(list)
	case effRestoreTimer:
		a.restoreTimerLocked(ctx)
	case effLoadWorkItems:
		connectionID, _ := f.Payload.(string)
		a.launchWorkItemsLocked(ctx, connectionID)
	case effTeardown:
		a.teardownLocked(ctx)
	default:
		a.log.Warn("unhandled app effect", "kind", f.Kind)
	}
}

func (a *App) loadConnectionsLocked(ctx context.Context) {
	if a.st == nil {
		a.applyLocked(ctx, engine.NewEvent(evConnectionsLoaded, []model.Connection(nil)))
		return
	}
	list, err := a.st.ListConnections(ctx)
	if err != nil {
		a.log.Error("loading connections failed", "error", err)
		a.applyLocked(ctx, engine.NewEvent(evActivationFailed, err.Error()))
		return
	}
	a.applyLocked(ctx, engine.NewEvent(evConnectionsLoaded, list))
}

// syncEnginesLocked diffs the engine pairs against the connection list.
// Existing ids keep their engines; recreating them would drop in-flight
// authentication state.
func (a *App) syncEnginesLocked(list []model.Connection) {
	want := make(map[string]model.Connection, len(list))
	for _, conn := range list {
		want[conn.ID] = conn
	}
	for id, c := range a.conns {
		if _, ok := want[id]; ok {
			continue
		}
		c.Disconnect(a.now())
		a.cancelDeferredForLocked(id)
		delete(a.conns, id)
		delete(a.auths, id)
	}
	for id, conn := range want {
		if _, ok := a.conns[id]; ok {
			continue
		}
		a.conns[id] = connection.New(id, conn.AuthMethod, connection.Config{
			MaxRetries:         a.cfg.MaxConnectRetries,
			RefreshBackoffBase: a.cfg.RefreshBackoffBase,
			RefreshBackoffMax:  a.cfg.RefreshBackoffMax,
		})
		a.auths[id] = authflow.New(id, conn.AuthMethod)
	}
}

func (a *App) restoreTimerLocked(ctx context.Context) {
	if a.st == nil {
		return
	}
	ps, err := a.st.LoadTimerState(ctx)
	if err != nil {
		if err != store.ErrNotFound {
			a.log.Warn("timer restore failed", "error", err)
		}
		return
	}
	if a.timer.Restore(ps, a.now()) {
		if a.timer.State() == timer.StateRunning {
			a.scheduleInactivityLocked(ctx)
		}
		a.mergeTimerLocked(ctx)
	}
}

func (a *App) teardownLocked(ctx context.Context) {
	if a.timer.State() != timer.StateIdle {
		if a.st != nil {
			snap := a.timer.Snapshot()
			ps := timer.PersistedState{
				WorkItemID: snap.Context.WorkItemID,
				Title:      snap.Context.Title,
				StartedAt:  snap.Context.StartedAt,
				Paused:     a.timer.State() == timer.StatePaused,
			}
			if err := a.st.SaveTimerState(ctx, ps, a.now()); err != nil {
				a.log.Warn("persisting timer on shutdown failed", "error", err)
			}
		}
		// Reset the engine so a later activation restores from the row.
		a.timer = timer.New(timer.Config{Cap: a.cfg.TimerCap, HistoryLimit: a.cfg.TimerHistoryLimit})
	}
	for id, c := range a.conns {
		c.Disconnect(a.now())
		a.cancelDeferredForLocked(id)
	}
	a.conns = make(map[string]*connection.Conn)
	a.auths = make(map[string]*authflow.Auth)
	for key, t := range a.deferred {
		t.Stop()
		delete(a.deferred, key)
	}
}

func (a *App) notifyLocked() {
	snap := a.eng.Snapshot()
	for _, fn := range a.watchers {
		fn(snap)
	}
}

// onBusMessage merges child-engine snapshots into the app context. Emits
// only happen while the orchestrator lock is held, so this runs lock-held.
func (a *App) onBusMessage(msg bus.Message) {
	ctx := context.Background()
	switch msg.Type {
	case bus.TypeTimerState:
		a.mergeTimerLocked(ctx)
	case bus.TypeConnectionState:
		a.mergeConnectionLocked(ctx, msg.ConnectionID)
		a.maybeConnectionReminderLocked(ctx, msg.ConnectionID)
	case bus.TypeAuthSuccess:
		a.mergeConnectionLocked(ctx, msg.ConnectionID)
		a.dismissAuthRemindersLocked(ctx, msg.ConnectionID)
	case bus.TypeAuthFailed:
		a.mergeConnectionLocked(ctx, msg.ConnectionID)
		message, _ := msg.Payload.(string)
		a.addReminderLocked(ctx, model.Reminder{
			ConnectionID: msg.ConnectionID,
			Kind:         model.ReminderAuthFailed,
			Message:      message,
			CreatedAt:    msg.EmittedAt,
		})
	case bus.TypeAuthExpired:
		a.mergeConnectionLocked(ctx, msg.ConnectionID)
		a.addReminderLocked(ctx, model.Reminder{
			ConnectionID: msg.ConnectionID,
			Kind:         model.ReminderAuthExpired,
			Message:      "session expired",
			CreatedAt:    msg.EmittedAt,
		})
	}
}

func (a *App) mergeTimerLocked(ctx context.Context) {
	snap := a.timer.Snapshot()
	summary := TimerSummary{
		State:      string(snap.State),
		WorkItemID: snap.Context.WorkItemID,
		Title:      snap.Context.Title,
		StartedAt:  snap.Context.StartedAt,
		LastStop:   snap.Context.LastStop,
		History:    snap.Context.History,
	}
	a.applyLocked(ctx, engine.NewEvent(evMergeTimer, summary))
}

func (a *App) mergeConnectionLocked(ctx context.Context, connectionID string) {
	c, ok := a.conns[connectionID]
	if !ok {
		return
	}
	connSnap := c.Snapshot()
	summary := ConnectionSummary{
		ConnectionState: string(connSnap.State),
		RetryCount:      connSnap.Context.RetryCount,
		LastError:       connSnap.Context.LastError,
		ConnectedAt:     connSnap.Context.ConnectedAt,
	}
	var device *model.DeviceCodeSession
	if auth, ok := a.auths[connectionID]; ok {
		authSnap := auth.Snapshot()
		summary.AuthState = string(authSnap.State)
		if summary.LastError == "" {
			summary.LastError = authSnap.Context.LastError
		}
		device = authSnap.Context.DeviceCode
	}
	a.applyLocked(ctx, engine.NewEvent(evMergeChild, mergePayload{
		ConnectionID: connectionID,
		Summary:      summary,
	}))
	a.applyLocked(ctx, engine.NewEvent(evSetDeviceCode, devicePayload{
		ConnectionID: connectionID,
		Session:      device,
	}))
}

func (a *App) maybeConnectionReminderLocked(ctx context.Context, connectionID string) {
	c, ok := a.conns[connectionID]
	if !ok {
		return
	}
	switch c.State() {
	case connection.StateConnectionError, connection.StateClientFailed, connection.StateProviderFailed:
		a.addReminderLocked(ctx, model.Reminder{
			ConnectionID: connectionID,
			Kind:         model.ReminderConnFailed,
			Message:      c.Snapshot().Context.LastError,
			CreatedAt:    a.now(),
		})
	}
}

func (a *App) addReminderLocked(ctx context.Context, r model.Reminder) {
	a.applyLocked(ctx, engine.NewEvent(evAddReminder, r))
}

func (a *App) dismissAuthRemindersLocked(ctx context.Context, connectionID string) {
	a.applyLocked(ctx, engine.NewEvent(evDismissReminder, reminderKey{ConnectionID: connectionID, Kind: model.ReminderAuthFailed}))
	a.applyLocked(ctx, engine.NewEvent(evDismissReminder, reminderKey{ConnectionID: connectionID, Kind: model.ReminderAuthExpired}))
}

// Deferred timers: one outstanding per (connection, purpose); scheduling
// while one is pending is a no-op, not a stacking timer.
func (a *App) scheduleDeferredLocked(key string, d time.Duration, fn func()) {
	if _, ok := a.deferred[key]; ok {
		return
	}
	a.deferred[key] = time.AfterFunc(d, func() {
		a.mu.Lock()
		delete(a.deferred, key)
		fn()
		a.notifyLocked()
		a.mu.Unlock()
	})
}

func (a *App) cancelDeferredLocked(key string) {
	if t, ok := a.deferred[key]; ok {
		t.Stop()
		delete(a.deferred, key)
	}
}

func (a *App) cancelDeferredForLocked(connectionID string) {
	for key, t := range a.deferred {
		if len(key) > len(connectionID) && key[:len(connectionID)] == connectionID && key[len(connectionID)] == '/' {
			t.Stop()
			delete(a.deferred, key)
		}
	}
}
