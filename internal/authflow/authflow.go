// Package authflow tracks the authentication lifecycle for one connection,
// independent of transport-level connection state. Outcomes are published to
// the event bus (via effects the orchestrator executes), which is how the
// connection engine and the orchestrator observe them without referencing
// this engine directly.
package authflow

import (
	"time"

	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
)

const (
	StateSignedOut      engine.State = "signed_out"
	StateAuthenticating engine.State = "authenticating"
	StateAuthenticated  engine.State = "authenticated"
	StateFailed         engine.State = "failed"
	StateExpired        engine.State = "expired"
)

const (
	eventAuthenticate = "auth:authenticate"
	eventDeviceCode   = "auth:device-code"
	eventSucceeded    = "auth:succeeded"
	eventFailed       = "auth:failed"
	eventExpired      = "auth:expired"
	eventSignOut      = "auth:sign-out"
)

// Effect kinds. Publish* become bus messages; Acquire and Revoke are calls
// into the credential provider.
const (
	EffectAcquire        = "auth:acquire"
	EffectRevoke         = "auth:revoke"
	EffectPublishSuccess = "auth:publish-success"
	EffectPublishFailure = "auth:publish-failure"
	EffectPublishExpired = "auth:publish-expired"
)

// AcquirePayload asks the orchestrator to run the credential provider.
type AcquirePayload struct {
	ForceInteractive bool
}

type Context struct {
	ConnectionID string                   `json:"connection_id"`
	Method       model.AuthMethod         `json:"method"`
	SignedInAt   time.Time                `json:"signed_in_at,omitempty"`
	ExpiresAt    time.Time                `json:"expires_at,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	DeviceCode   *model.DeviceCodeSession `json:"device_code,omitempty"`
}

type Auth struct {
	eng *engine.Engine[Context]
}

func New(connectionID string, method model.AuthMethod) *Auth {
	a := &Auth{}
	a.eng = engine.New(StateSignedOut, Context{ConnectionID: connectionID, Method: method}, table())
	return a
}

// Authenticate starts credential acquisition. Honored from signed_out,
// failed, and expired; a second call while one is in flight is rejected.
func (a *Auth) Authenticate(forceInteractive bool, now time.Time) ([]engine.Effect, bool) {
	if !a.eng.Handles(eventAuthenticate) {
		return nil, false
	}
	fx := a.eng.Step(event(eventAuthenticate, AcquirePayload{ForceInteractive: forceInteractive}, now, a.connectionID()))
	return fx, true
}

// DeviceCodeIssued surfaces the interactive sign-in prompt while
// authentication is in flight.
func (a *Auth) DeviceCodeIssued(session model.DeviceCodeSession, now time.Time) []engine.Effect {
	return a.eng.Step(event(eventDeviceCode, session, now, a.connectionID()))
}

func (a *Auth) Succeeded(expiresAt time.Time, now time.Time) []engine.Effect {
	return a.eng.Step(event(eventSucceeded, expiresAt, now, a.connectionID()))
}

func (a *Auth) Failed(message string, now time.Time) []engine.Effect {
	return a.eng.Step(event(eventFailed, message, now, a.connectionID()))
}

func (a *Auth) Expired(now time.Time) []engine.Effect {
	return a.eng.Step(event(eventExpired, nil, now, a.connectionID()))
}

func (a *Auth) SignOut(now time.Time) []engine.Effect {
	return a.eng.Step(event(eventSignOut, nil, now, a.connectionID()))
}

func (a *Auth) State() engine.State {
	return a.eng.State()
}

func (a *Auth) Snapshot() engine.Snapshot[Context] {
	return a.eng.Snapshot()
}

func (a *Auth) connectionID() string {
	return a.eng.Context().ConnectionID
}

func event(kind string, payload any, now time.Time, connectionID string) engine.Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return engine.Event{Kind: kind, Payload: payload, At: now, ConnectionID: connectionID}
}

func table() engine.Table[Context] {
	return engine.Table[Context]{
		StateSignedOut: {
			eventAuthenticate: begin,
		},
		StateAuthenticating: {
			eventDeviceCode: deviceCode,
			eventSucceeded:  succeed,
			eventFailed:     fail,
			eventSignOut:    signOut,
		},
		StateAuthenticated: {
			eventExpired: expire,
			eventFailed:  fail,
			eventSignOut: signOut,
		},
		StateFailed: {
			eventAuthenticate: begin,
			eventSignOut:      signOut,
		},
		StateExpired: {
			eventAuthenticate: begin,
			eventSignOut:      signOut,
		},
	}
}

func begin(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	c.LastError = ""
	c.DeviceCode = nil
	payload := ev.Payload.(AcquirePayload)
	return c, StateAuthenticating, []engine.Effect{
		{Kind: EffectAcquire, ConnectionID: c.ConnectionID, Payload: payload},
	}
}

func deviceCode(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	session := ev.Payload.(model.DeviceCodeSession)
	session.ConnectionID = c.ConnectionID
	c.DeviceCode = &session
	return c, "", nil
}

func succeed(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	c.SignedInAt = ev.At
	if expiresAt, ok := ev.Payload.(time.Time); ok {
		c.ExpiresAt = expiresAt
	}
	c.LastError = ""
	c.DeviceCode = nil
	return c, StateAuthenticated, []engine.Effect{
		{Kind: EffectPublishSuccess, ConnectionID: c.ConnectionID},
	}
}

func fail(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	message, _ := ev.Payload.(string)
	c.LastError = message
	c.DeviceCode = nil
	return c, StateFailed, []engine.Effect{
		{Kind: EffectPublishFailure, ConnectionID: c.ConnectionID, Payload: message},
	}
}

func expire(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	return c, StateExpired, []engine.Effect{
		{Kind: EffectPublishExpired, ConnectionID: c.ConnectionID},
	}
}

func signOut(c Context, ev engine.Event) (Context, engine.State, []engine.Effect) {
	next := Context{ConnectionID: c.ConnectionID, Method: c.Method}
	return next, StateSignedOut, []engine.Effect{
		{Kind: EffectRevoke, ConnectionID: c.ConnectionID},
	}
}
