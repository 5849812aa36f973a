package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/authflow"
	"github.com/worklens/worklens/internal/bus"
	"github.com/worklens/worklens/internal/config"
	"github.com/worklens/worklens/internal/connection"
	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/orchestrator"
	"github.com/worklens/worklens/internal/store"
	"github.com/worklens/worklens/internal/testutil"
)

// asyncQueue captures provider calls so tests control when async results
// land, and in what order.
type asyncQueue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *asyncQueue) run(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
}

func (q *asyncQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}

type fakeCreds struct {
	mu        sync.Mutex
	authErr   error
	expiresAt time.Time
	device    *model.DeviceCodeSession
	signOuts  []string
}

func (f *fakeCreds) Authenticate(_ context.Context, _ model.Connection, _ bool, prompt func(model.DeviceCodeSession)) (orchestrator.AuthResult, error) {
	f.mu.Lock()
	err := f.authErr
	device := f.device
	expires := f.expiresAt
	f.mu.Unlock()
	if device != nil {
		prompt(*device)
	}
	if err != nil {
		return orchestrator.AuthResult{}, err
	}
	return orchestrator.AuthResult{ExpiresAt: expires}, nil
}

func (f *fakeCreds) Refresh(context.Context, model.Connection) (orchestrator.AuthResult, error) {
	return orchestrator.AuthResult{}, nil
}

func (f *fakeCreds) SignOut(_ context.Context, connectionID string) error {
	f.mu.Lock()
	f.signOuts = append(f.signOuts, connectionID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCreds) setAuthErr(err error) {
	f.mu.Lock()
	f.authErr = err
	f.mu.Unlock()
}

type fakeData struct {
	mu    sync.Mutex
	items map[string][]model.WorkItem
	err   error
}

func (f *fakeData) WorkItems(_ context.Context, conn model.Connection) ([]model.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.items[conn.ID], nil
}

type fakeClients struct{}

func (fakeClients) CreateClient(context.Context, model.Connection) error   { return nil }
func (fakeClients) CreateProvider(context.Context, model.Connection) error { return nil }

type harness struct {
	app   *orchestrator.App
	st    *store.Store
	queue *asyncQueue
	creds *fakeCreds
	data  *fakeData
}

func newHarness(t *testing.T, seed ...model.Connection) *harness {
	t.Helper()
	st, ctx := testutil.NewStore(t)
	for _, conn := range seed {
		require.NoError(t, st.UpsertConnection(ctx, conn))
	}

	cfg := config.DefaultConfig()
	cfg.InactivityTimeout = 0
	h := &harness{
		st:    st,
		queue: &asyncQueue{},
		creds: &fakeCreds{expiresAt: time.Now().Add(time.Hour)},
		data:  &fakeData{items: map[string][]model.WorkItem{}},
	}
	h.app = orchestrator.New(cfg, bus.New(cfg.BusHistoryLimit), st, orchestrator.Deps{
		Credentials: h.creds,
		Data:        h.data,
		Clients:     fakeClients{},
		Async:       h.queue.run,
	})
	return h
}

func testConnection(label string) model.Connection {
	return testutil.Connection(label)
}

func TestActivateLoadsConnections(t *testing.T) {
	ctx := context.Background()
	connA := testConnection("A")
	connB := testConnection("B")
	h := newHarness(t, connA, connB)

	require.True(t, h.app.Activate(ctx))
	require.Equal(t, orchestrator.StateActive, h.app.State())
	require.Len(t, h.app.Snapshot().Context.Connections, 2)

	// Already active; a second activate is a no-op.
	require.False(t, h.app.Activate(ctx))

	// Each loaded connection has a live engine pair.
	require.True(t, h.app.Connect(ctx, connA.ID))
	require.True(t, h.app.Connect(ctx, connB.ID))
}

func TestConnectPipeline(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))

	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()

	summary := h.app.Snapshot().Context.Summaries[conn.ID]
	require.Equal(t, string(connection.StateConnected), summary.ConnectionState)
	require.Equal(t, string(authflow.StateAuthenticated), summary.AuthState)
	require.False(t, summary.ConnectedAt.IsZero())

	// Connect is rejected while already connected.
	require.False(t, h.app.Connect(ctx, conn.ID))
}

func TestAuthFailureRaisesReminderAndRecovers(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))

	h.creds.setAuthErr(errors.New("personal access token rejected"))
	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()

	snap := h.app.Snapshot().Context
	require.Equal(t, string(connection.StateAuthFailed), snap.Summaries[conn.ID].ConnectionState)
	require.Len(t, snap.Reminders, 1)
	require.Equal(t, model.ReminderAuthFailed, snap.Reminders[0].Kind)
	require.Equal(t, "personal access token rejected", snap.Reminders[0].Message)

	h.creds.setAuthErr(nil)
	require.True(t, h.app.RetryConnection(ctx, conn.ID))
	h.queue.drain()

	snap = h.app.Snapshot().Context
	require.Equal(t, string(connection.StateConnected), snap.Summaries[conn.ID].ConnectionState)
	require.Empty(t, snap.Reminders)
}

func TestStaleAuthResultDiscarded(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))

	// Disconnect while the credential call is still in flight; the stale
	// result must not advance the connection.
	require.True(t, h.app.Connect(ctx, conn.ID))
	require.True(t, h.app.DisconnectConnection(ctx, conn.ID))
	h.queue.drain()

	summary := h.app.Snapshot().Context.Summaries[conn.ID]
	require.Equal(t, string(connection.StateDisconnected), summary.ConnectionState)
}

func TestWorkItemIsolationAcrossConnections(t *testing.T) {
	ctx := context.Background()
	connA := testConnection("A")
	connB := testConnection("B")
	h := newHarness(t, connA, connB)
	h.data.items[connA.ID] = []model.WorkItem{{ID: 1, Title: "fix login redirect", Type: "Bug", State: "Active"}}
	h.data.items[connB.ID] = []model.WorkItem{{ID: 9, Title: "ship billing export", Type: "Task", State: "New"}}
	require.True(t, h.app.Activate(ctx))

	require.False(t, h.app.SelectConnection(ctx, "no-such-id"))

	require.True(t, h.app.SelectConnection(ctx, connA.ID))
	h.queue.drain()
	require.True(t, h.app.SelectConnection(ctx, connB.ID))
	h.queue.drain()

	snap := h.app.Snapshot().Context
	require.Equal(t, connB.ID, snap.ActiveConnectionID)
	require.Equal(t, 1, snap.WorkItems[connA.ID][0].ID)
	require.Equal(t, 9, snap.WorkItems[connB.ID][0].ID)
	require.Len(t, snap.WorkItems[connA.ID], 1)
	require.Len(t, snap.WorkItems[connB.ID], 1)
}

func TestRemoveConnectionPrunesEverything(t *testing.T) {
	ctx := context.Background()
	connA := testConnection("A")
	connB := testConnection("B")
	h := newHarness(t, connA, connB)
	h.data.items[connA.ID] = []model.WorkItem{{ID: 1, Title: "one"}}
	require.True(t, h.app.Activate(ctx))

	require.True(t, h.app.SelectConnection(ctx, connA.ID))
	h.queue.drain()
	require.True(t, h.app.Connect(ctx, connA.ID))
	h.queue.drain()

	require.True(t, h.app.RemoveConnection(ctx, connA.ID))
	require.False(t, h.app.RemoveConnection(ctx, connA.ID))

	snap := h.app.Snapshot().Context
	require.Len(t, snap.Connections, 1)
	require.Empty(t, snap.ActiveConnectionID)
	require.NotContains(t, snap.WorkItems, connA.ID)
	require.NotContains(t, snap.Summaries, connA.ID)
	require.False(t, h.app.Connect(ctx, connA.ID))

	// The removed row is gone from the store too.
	_, err := h.st.GetConnection(ctx, connA.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddConnectionRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))

	_, err := h.app.AddConnection(ctx, map[string]any{
		"id": conn.ID, "organization": "contoso", "project": "platform",
	})
	require.Error(t, err)

	added, err := h.app.AddConnection(ctx, map[string]any{
		"organization": "contoso",
		"project":      "web",
		"auth_method":  "interactive",
	})
	require.NoError(t, err)
	require.Len(t, h.app.Snapshot().Context.Connections, 2)

	// The fresh connection got an engine pair without disturbing the old one.
	require.True(t, h.app.Connect(ctx, added.ID))
}

func TestDeviceCodeSurfacedDuringInteractiveSignIn(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	conn.AuthMethod = model.AuthMethodInteractive
	h := newHarness(t, conn)
	h.creds.device = &model.DeviceCodeSession{
		ConnectionID:    conn.ID,
		UserCode:        "WXYZ-1234",
		VerificationURL: "https://microsoft.com/devicelogin",
		ExpiresAt:       time.Now().Add(15 * time.Minute),
	}
	require.True(t, h.app.Activate(ctx))

	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()

	// The flow completed, so the prompt is cleared and auth succeeded.
	snap := h.app.Snapshot().Context
	require.Nil(t, snap.DeviceCode)
	require.Equal(t, string(authflow.StateAuthenticated), snap.Summaries[conn.ID].AuthState)
}

func TestSignOutRevokesAndDisconnects(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))
	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()

	require.True(t, h.app.SignOut(ctx, conn.ID))
	h.queue.drain()

	snap := h.app.Snapshot().Context
	require.Equal(t, string(connection.StateDisconnected), snap.Summaries[conn.ID].ConnectionState)
	require.Equal(t, []string{conn.ID}, h.creds.signOuts)
}

func TestTokenRefreshRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))
	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()

	require.True(t, h.app.TokenExpired(ctx, conn.ID))
	require.Equal(t, string(connection.StateTokenRefresh), h.app.Snapshot().Context.Summaries[conn.ID].ConnectionState)

	h.queue.drain()
	require.Equal(t, string(connection.StateConnected), h.app.Snapshot().Context.Summaries[conn.ID].ConnectionState)
}

func TestTimerLifecyclePersistsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.True(t, h.app.Activate(ctx))

	require.True(t, h.app.StartTimer(ctx, 204, "review release notes"))
	require.False(t, h.app.StartTimer(ctx, 205, "second start rejected"))
	require.Equal(t, "running", h.app.Snapshot().Context.Timer.State)

	// The running timer survives a crash via the persisted row.
	ps, err := h.st.LoadTimerState(ctx)
	require.NoError(t, err)
	require.Equal(t, 204, ps.WorkItemID)

	require.True(t, h.app.PauseTimer(ctx))
	require.True(t, h.app.ResumeTimer(ctx))

	res, ok := h.app.StopTimer(ctx)
	require.True(t, ok)
	require.Equal(t, 204, res.WorkItemID)

	entries, err := h.st.ListTimerHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 204, entries[0].WorkItemID)

	_, err = h.st.LoadTimerState(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeactivatePersistsRunningTimer(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))
	require.True(t, h.app.StartTimer(ctx, 77, "write migration"))

	require.True(t, h.app.Deactivate(ctx))
	require.Equal(t, orchestrator.StateInactive, h.app.State())
	require.False(t, h.app.Connect(ctx, conn.ID))

	// Reactivation restores the timer from the persisted row.
	require.True(t, h.app.Activate(ctx))
	require.Equal(t, "running", h.app.Snapshot().Context.Timer.State)
	require.Equal(t, 77, h.app.Snapshot().Context.Timer.WorkItemID)
}

func TestWorkItemLoadErrorSetsLastError(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	h.data.err = errors.New("VS402335: query quota exceeded")
	require.True(t, h.app.Activate(ctx))

	require.True(t, h.app.SelectConnection(ctx, conn.ID))
	h.queue.drain()

	snap := h.app.Snapshot().Context
	require.Equal(t, "VS402335: query quota exceeded", snap.LastError)
	require.Empty(t, snap.WorkItems[conn.ID])
}

func TestDismissReminder(t *testing.T) {
	ctx := context.Background()
	conn := testConnection("A")
	h := newHarness(t, conn)
	require.True(t, h.app.Activate(ctx))

	h.creds.setAuthErr(errors.New("expired credential"))
	require.True(t, h.app.Connect(ctx, conn.ID))
	h.queue.drain()
	require.Len(t, h.app.Snapshot().Context.Reminders, 1)

	require.False(t, h.app.DismissReminder(ctx, conn.ID, model.ReminderConnFailed))
	require.True(t, h.app.DismissReminder(ctx, conn.ID, model.ReminderAuthFailed))
	require.Empty(t, h.app.Snapshot().Context.Reminders)
}

func TestViewModeSurvivesDeactivation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.True(t, h.app.Activate(ctx))

	h.app.SetViewMode(ctx, model.ViewModeSettings)
	require.True(t, h.app.Deactivate(ctx))
	require.Equal(t, model.ViewModeSettings, h.app.Snapshot().Context.ViewMode)
}
