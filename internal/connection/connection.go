// Package connection tracks the connect/auth/client/provider lifecycle for
// one remote project connection, including silent token refresh with
// exponential backoff and a bounded retry ceiling for failed stages.
//
// Async stage results carry the generation of the attempt that started
// them; results from a superseded attempt (disconnected or reconnected in
// the meantime) are discarded instead of corrupting the current one.
package connection

import (
	"time"

	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
)

const (
	StateDisconnected     engine.State = "disconnected"
	StateAuthenticating   engine.State = "authenticating"
	StateCreatingClient   engine.State = "creating_client"
	StateCreatingProvider engine.State = "creating_provider"
	StateConnected        engine.State = "connected"
	StateAuthFailed       engine.State = "auth_failed"
	StateClientFailed     engine.State = "client_failed"
	StateProviderFailed   engine.State = "provider_failed"
	StateConnectionError  engine.State = "connection_error"
	StateTokenRefresh     engine.State = "token_refresh"
)

const (
	eventConnect         = "conn:connect"
	eventAuthSucceeded   = "conn:auth-succeeded"
	eventAuthFailed      = "conn:auth-failed"
	eventClientCreated   = "conn:client-created"
	eventClientFailed    = "conn:client-failed"
	eventProviderCreated = "conn:provider-created"
	eventProviderFailed  = "conn:provider-failed"
	eventTokenExpired    = "conn:token-expired"
	eventRefreshOK       = "conn:refresh-succeeded"
	eventRefreshFailed   = "conn:refresh-failed"
	eventConnectionLost  = "conn:connection-lost"
	eventRetry           = "conn:retry"
	eventDisconnect      = "conn:disconnect"
)

// Effect kinds executed by the orchestrator. Stage effects carry a
// StagePayload whose generation must be echoed back with the async result.
const (
	EffectAuthenticate    = "connection:authenticate"
	EffectCreateClient    = "connection:create-client"
	EffectCreateProvider  = "connection:create-provider"
	EffectRefreshToken    = "connection:refresh-token"
	EffectScheduleRefresh = "connection:schedule-refresh"
	EffectTeardown        = "connection:teardown"
	EffectPublishState    = "connection:publish-state"
)

type StagePayload struct {
	Generation int
}

// SessionExpiredMessage is the user-facing reminder for interactive auth,
// which cannot be refreshed silently.
const SessionExpiredMessage = "session expired, sign in again"

// Context holds only serializable fields; client/provider are readiness
// flags, never live handles.
type Context struct {
	ConnectionID        string           `json:"connection_id"`
	AuthMethod          model.AuthMethod `json:"auth_method"`
	Generation          int              `json:"generation"`
	RetryCount          int              `json:"retry_count"`
	FailedStage         string           `json:"failed_stage,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	Authenticated       bool             `json:"authenticated"`
	ClientReady         bool             `json:"client_ready"`
	ProviderReady       bool             `json:"provider_ready"`
	ConnectedAt         time.Time        `json:"connected_at,omitempty"`
	RefreshFailureCount int              `json:"refresh_failure_count,omitempty"`
	RefreshBackoffUntil time.Time        `json:"refresh_backoff_until,omitempty"`
}

type Config struct {
	MaxRetries         int
	RefreshBackoffBase time.Duration
	RefreshBackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RefreshBackoffBase <= 0 {
		c.RefreshBackoffBase = 2 * time.Second
	}
	if c.RefreshBackoffMax <= 0 {
		c.RefreshBackoffMax = 5 * time.Minute
	}
	return c
}

type Conn struct {
	cfg Config
	eng *engine.Engine[Context]
}

func New(connectionID string, method model.AuthMethod, cfg Config) *Conn {
	c := &Conn{cfg: cfg.withDefaults()}
	c.eng = engine.New(StateDisconnected, Context{
		ConnectionID: connectionID,
		AuthMethod:   method,
	}, c.table())
	return c
}

// Connect starts the staged pipeline. Only honored from disconnected.
func (c *Conn) Connect(now time.Time) ([]engine.Effect, bool) {
	if c.eng.State() != StateDisconnected {
		return nil, false
	}
	return c.step(eventConnect, nil, now), true
}

// Retry re-enters the stage that failed. Only honored from a failure state
// and only while the retry ceiling has not been reached; otherwise it is a
// no-op returning false and the caller owns the give-up UX.
func (c *Conn) Retry(now time.Time) ([]engine.Effect, bool) {
	if !isFailureState(c.eng.State()) {
		return nil, false
	}
	if c.eng.Context().RetryCount >= c.cfg.MaxRetries {
		return nil, false
	}
	return c.step(eventRetry, nil, now), true
}

// Disconnect clears client, provider and auth data and returns to
// disconnected from any state.
func (c *Conn) Disconnect(now time.Time) []engine.Effect {
	return c.step(eventDisconnect, nil, now)
}

// AuthSucceeded and the other stage results are fed in by the orchestrator
// when the async work resolves. A result from a stale generation is
// discarded.
func (c *Conn) AuthSucceeded(generation int, now time.Time) []engine.Effect {
	return c.stageResult(eventAuthSucceeded, nil, generation, now)
}

func (c *Conn) AuthFailed(generation int, message string, now time.Time) []engine.Effect {
	return c.stageResult(eventAuthFailed, message, generation, now)
}

func (c *Conn) ClientCreated(generation int, now time.Time) []engine.Effect {
	return c.stageResult(eventClientCreated, nil, generation, now)
}

func (c *Conn) ClientFailed(generation int, message string, now time.Time) []engine.Effect {
	return c.stageResult(eventClientFailed, message, generation, now)
}

func (c *Conn) ProviderCreated(generation int, now time.Time) []engine.Effect {
	return c.stageResult(eventProviderCreated, nil, generation, now)
}

func (c *Conn) ProviderFailed(generation int, message string, now time.Time) []engine.Effect {
	return c.stageResult(eventProviderFailed, message, generation, now)
}

func (c *Conn) TokenExpired(now time.Time) []engine.Effect {
	return c.step(eventTokenExpired, nil, now)
}

func (c *Conn) RefreshSucceeded(generation int, now time.Time) []engine.Effect {
	return c.stageResult(eventRefreshOK, nil, generation, now)
}

func (c *Conn) RefreshFailed(generation int, message string, now time.Time) []engine.Effect {
	return c.stageResult(eventRefreshFailed, message, generation, now)
}

func (c *Conn) ConnectionLost(message string, now time.Time) []engine.Effect {
	return c.step(eventConnectionLost, message, now)
}

// CanRefresh reports whether a silent refresh may be attempted now, i.e.
// the backoff window from previous failures has passed.
func (c *Conn) CanRefresh(now time.Time) bool {
	until := c.eng.Context().RefreshBackoffUntil
	return until.IsZero() || !now.Before(until)
}

func (c *Conn) Generation() int {
	return c.eng.Context().Generation
}

func (c *Conn) State() engine.State {
	return c.eng.State()
}

func (c *Conn) Snapshot() engine.Snapshot[Context] {
	return c.eng.Snapshot()
}

func (c *Conn) step(kind string, payload any, now time.Time) []engine.Effect {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return c.eng.Step(engine.Event{
		Kind:         kind,
		Payload:      payload,
		At:           now,
		ConnectionID: c.eng.Context().ConnectionID,
	})
}

func (c *Conn) stageResult(kind string, payload any, generation int, now time.Time) []engine.Effect {
	if generation != c.eng.Context().Generation {
		// Late resolution of a superseded attempt.
		return nil
	}
	return c.step(kind, payload, now)
}

func isFailureState(s engine.State) bool {
	switch s {
	case StateAuthFailed, StateClientFailed, StateProviderFailed, StateConnectionError:
		return true
	}
	return false
}

func (c *Conn) table() engine.Table[Context] {
	return engine.Table[Context]{
		StateDisconnected: {
			eventConnect: c.beginConnect,
		},
		StateAuthenticating: {
			eventAuthSucceeded: c.authSucceeded,
			eventAuthFailed:    failStage(StateAuthFailed, "authenticating"),
			eventDisconnect:    c.reset,
		},
		StateCreatingClient: {
			eventClientCreated: c.clientCreated,
			eventClientFailed:  failStage(StateClientFailed, "creating_client"),
			eventDisconnect:    c.reset,
		},
		StateCreatingProvider: {
			eventProviderCreated: c.providerCreated,
			eventProviderFailed:  failStage(StateProviderFailed, "creating_provider"),
			eventDisconnect:      c.reset,
		},
		StateConnected: {
			eventTokenExpired:   c.tokenExpired,
			eventConnectionLost: failStage(StateConnectionError, "connected"),
			eventDisconnect:     c.reset,
		},
		StateTokenRefresh: {
			eventRefreshOK:     c.refreshSucceeded,
			eventRefreshFailed: c.refreshFailed,
			eventDisconnect:    c.reset,
		},
		StateAuthFailed: {
			eventRetry:      retryTo(StateAuthenticating, EffectAuthenticate),
			eventDisconnect: c.reset,
		},
		StateClientFailed: {
			eventRetry:      retryTo(StateCreatingClient, EffectCreateClient),
			eventDisconnect: c.reset,
		},
		StateProviderFailed: {
			eventRetry:      retryTo(StateCreatingProvider, EffectCreateProvider),
			eventDisconnect: c.reset,
		},
		StateConnectionError: {
			eventRetry:      retryTo(StateAuthenticating, EffectAuthenticate),
			eventDisconnect: c.reset,
		},
	}
}

func (c *Conn) beginConnect(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	ctx.Generation++
	ctx.LastError = ""
	ctx.FailedStage = ""
	return ctx, StateAuthenticating, []engine.Effect{
		{Kind: EffectAuthenticate, ConnectionID: ctx.ConnectionID, Payload: StagePayload{Generation: ctx.Generation}},
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) authSucceeded(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	ctx.Authenticated = true
	ctx.LastError = ""
	return ctx, StateCreatingClient, []engine.Effect{
		{Kind: EffectCreateClient, ConnectionID: ctx.ConnectionID, Payload: StagePayload{Generation: ctx.Generation}},
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) clientCreated(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	ctx.ClientReady = true
	return ctx, StateCreatingProvider, []engine.Effect{
		{Kind: EffectCreateProvider, ConnectionID: ctx.ConnectionID, Payload: StagePayload{Generation: ctx.Generation}},
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) providerCreated(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	ctx.ProviderReady = true
	ctx.ConnectedAt = ev.At
	return ctx, StateConnected, []engine.Effect{
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

// failStage records the error and counts the failed attempt. The retry
// ceiling is enforced by Retry, not here.
func failStage(next engine.State, stage string) engine.Transition[Context] {
	return func(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
		message, _ := ev.Payload.(string)
		ctx.LastError = message
		ctx.FailedStage = stage
		ctx.RetryCount++
		return ctx, next, []engine.Effect{
			{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
		}
	}
}

func retryTo(next engine.State, effectKind string) engine.Transition[Context] {
	return func(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
		ctx.LastError = ""
		ctx.FailedStage = ""
		return ctx, next, []engine.Effect{
			{Kind: effectKind, ConnectionID: ctx.ConnectionID, Payload: StagePayload{Generation: ctx.Generation}},
			{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
		}
	}
}

// tokenExpired splits by auth policy: credential auth refreshes silently,
// interactive auth cannot and surfaces a sign-in reminder instead.
func (c *Conn) tokenExpired(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	if ctx.AuthMethod == model.AuthMethodCredential {
		return ctx, StateTokenRefresh, []engine.Effect{
			{Kind: EffectRefreshToken, ConnectionID: ctx.ConnectionID, Payload: StagePayload{Generation: ctx.Generation}},
			{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
		}
	}
	ctx.LastError = SessionExpiredMessage
	ctx.FailedStage = "connected"
	ctx.RetryCount++
	ctx.Authenticated = false
	return ctx, StateAuthFailed, []engine.Effect{
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) refreshSucceeded(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	ctx.RefreshFailureCount = 0
	ctx.RefreshBackoffUntil = time.Time{}
	ctx.LastError = ""
	return ctx, StateConnected, []engine.Effect{
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) refreshFailed(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	message, _ := ev.Payload.(string)
	ctx.LastError = message
	ctx.RefreshFailureCount++
	backoff := backoffFor(ctx.RefreshFailureCount, c.cfg.RefreshBackoffBase, c.cfg.RefreshBackoffMax)
	ctx.RefreshBackoffUntil = ev.At.Add(backoff)
	return ctx, "", []engine.Effect{
		{Kind: EffectScheduleRefresh, ConnectionID: ctx.ConnectionID, Payload: ctx.RefreshBackoffUntil},
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

func (c *Conn) reset(ctx Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	next := Context{
		ConnectionID: ctx.ConnectionID,
		AuthMethod:   ctx.AuthMethod,
		Generation:   ctx.Generation + 1,
	}
	return next, StateDisconnected, []engine.Effect{
		{Kind: EffectTeardown, ConnectionID: ctx.ConnectionID},
		{Kind: EffectPublishState, ConnectionID: ctx.ConnectionID},
	}
}

// backoffFor is min(base << failures, max); the shift saturates so large
// failure counts cannot overflow.
func backoffFor(failures int, base, max time.Duration) time.Duration {
	backoff := base
	for i := 0; i < failures; i++ {
		backoff *= 2
		if backoff >= max || backoff <= 0 {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}
