package connection_test

import (
	"testing"
	"time"

	"github.com/worklens/worklens/internal/connection"
	"github.com/worklens/worklens/internal/model"
)

func at(seconds int) time.Time {
	return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC).Add(time.Duration(seconds) * time.Second)
}

func newConn(method model.AuthMethod) *connection.Conn {
	return connection.New("c-1", method, connection.Config{
		MaxRetries:         3,
		RefreshBackoffBase: 2 * time.Second,
		RefreshBackoffMax:  time.Minute,
	})
}

func connectThrough(t *testing.T, c *connection.Conn) {
	t.Helper()
	if _, ok := c.Connect(at(0)); !ok {
		t.Fatalf("connect rejected from disconnected")
	}
	gen := c.Generation()
	c.AuthSucceeded(gen, at(1))
	c.ClientCreated(gen, at(2))
	c.ProviderCreated(gen, at(3))
	if c.State() != connection.StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
}

func TestConnectRunsAllStages(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	connectThrough(t, c)
	ctx := c.Snapshot().Context
	if !ctx.Authenticated || !ctx.ClientReady || !ctx.ProviderReady {
		t.Fatalf("expected all readiness flags, got %+v", ctx)
	}
	if ctx.RetryCount != 0 {
		t.Fatalf("expected no retries, got %d", ctx.RetryCount)
	}
}

func TestConnectOnlyFromDisconnected(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	c.Connect(at(0))
	if _, ok := c.Connect(at(1)); ok {
		t.Fatalf("expected connect rejected while authenticating")
	}
}

func TestAuthFailedThenRetrySucceeds(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	c.Connect(at(0))
	gen := c.Generation()
	c.AuthFailed(gen, "bad token", at(1))
	if c.State() != connection.StateAuthFailed {
		t.Fatalf("expected auth_failed, got %s", c.State())
	}
	if got := c.Snapshot().Context.LastError; got != "bad token" {
		t.Fatalf("expected error recorded, got %q", got)
	}

	if _, ok := c.Retry(at(2)); !ok {
		t.Fatalf("retry rejected below ceiling")
	}
	c.AuthSucceeded(gen, at(3))
	c.ClientCreated(gen, at(4))
	c.ProviderCreated(gen, at(5))
	ctx := c.Snapshot().Context
	if c.State() != connection.StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if ctx.RetryCount != 1 {
		t.Fatalf("expected retryCount=1, got %d", ctx.RetryCount)
	}
}

func TestRetryCeiling(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	c.Connect(at(0))
	for i := 0; i < 3; i++ {
		c.AuthFailed(c.Generation(), "no route", at(i*10+1))
		if i < 2 {
			if _, ok := c.Retry(at(i*10 + 2)); !ok {
				t.Fatalf("retry %d rejected below ceiling", i)
			}
		}
	}
	if got := c.Snapshot().Context.RetryCount; got != 3 {
		t.Fatalf("expected 3 recorded failures, got %d", got)
	}
	if _, ok := c.Retry(at(60)); ok {
		t.Fatalf("expected retry rejected at ceiling")
	}
	if c.State() != connection.StateAuthFailed {
		t.Fatalf("expected state to remain auth_failed, got %s", c.State())
	}
}

func TestRetryRejectedOutsideFailureStates(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	if _, ok := c.Retry(at(0)); ok {
		t.Fatalf("retry should be rejected from disconnected")
	}
	connectThrough(t, c)
	if _, ok := c.Retry(at(10)); ok {
		t.Fatalf("retry should be rejected from connected")
	}
}

func TestClientStageFailureEntersClientFailed(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	c.Connect(at(0))
	gen := c.Generation()
	c.AuthSucceeded(gen, at(1))
	c.ClientFailed(gen, "api unreachable", at(2))
	if c.State() != connection.StateClientFailed {
		t.Fatalf("expected client_failed, got %s", c.State())
	}
	// Retry re-enters the failed stage, not the whole pipeline.
	c.Retry(at(3))
	if c.State() != connection.StateCreatingClient {
		t.Fatalf("expected creating_client after retry, got %s", c.State())
	}
}

func TestTokenExpiryCredentialGoesToRefresh(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	connectThrough(t, c)
	fx := c.TokenExpired(at(10))
	if c.State() != connection.StateTokenRefresh {
		t.Fatalf("expected token_refresh, got %s", c.State())
	}
	found := false
	for _, f := range fx {
		if f.Kind == connection.EffectRefreshToken {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected refresh effect, got %+v", fx)
	}
}

func TestTokenExpiryInteractiveGoesToAuthFailed(t *testing.T) {
	c := newConn(model.AuthMethodInteractive)
	connectThrough(t, c)
	c.TokenExpired(at(10))
	if c.State() != connection.StateAuthFailed {
		t.Fatalf("expected auth_failed for interactive expiry, got %s", c.State())
	}
	if got := c.Snapshot().Context.LastError; got != connection.SessionExpiredMessage {
		t.Fatalf("expected session-expired message, got %q", got)
	}
}

func TestRefreshBackoffGrowsAndCaps(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	connectThrough(t, c)
	c.TokenExpired(at(10))
	gen := c.Generation()

	c.RefreshFailed(gen, "503", at(10))
	ctx := c.Snapshot().Context
	if ctx.RefreshFailureCount != 1 {
		t.Fatalf("expected 1 failure, got %d", ctx.RefreshFailureCount)
	}
	if want := at(10).Add(4 * time.Second); !ctx.RefreshBackoffUntil.Equal(want) {
		t.Fatalf("expected backoff until %v, got %v", want, ctx.RefreshBackoffUntil)
	}
	if c.CanRefresh(at(11)) {
		t.Fatalf("refresh should be held back inside the backoff window")
	}
	if !c.CanRefresh(at(15)) {
		t.Fatalf("refresh should be allowed after the window")
	}

	// Failures keep doubling until the cap.
	for i := 0; i < 10; i++ {
		c.RefreshFailed(gen, "503", at(20+i))
	}
	ctx = c.Snapshot().Context
	if want := at(29).Add(time.Minute); !ctx.RefreshBackoffUntil.Equal(want) {
		t.Fatalf("expected capped backoff until %v, got %v", want, ctx.RefreshBackoffUntil)
	}
}

func TestRefreshSuccessClearsBackoff(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	connectThrough(t, c)
	c.TokenExpired(at(10))
	gen := c.Generation()
	c.RefreshFailed(gen, "503", at(10))
	c.RefreshSucceeded(gen, at(20))
	ctx := c.Snapshot().Context
	if c.State() != connection.StateConnected {
		t.Fatalf("expected connected after refresh, got %s", c.State())
	}
	if ctx.RefreshFailureCount != 0 || !ctx.RefreshBackoffUntil.IsZero() {
		t.Fatalf("expected cleared backoff, got %+v", ctx)
	}
}

func TestStaleGenerationResultDiscarded(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	c.Connect(at(0))
	staleGen := c.Generation()
	c.Disconnect(at(1))
	if c.State() != connection.StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}

	// The first attempt resolves late; it must not resurrect the pipeline.
	c.AuthSucceeded(staleGen, at(2))
	if c.State() != connection.StateDisconnected {
		t.Fatalf("stale result mutated state: %s", c.State())
	}
}

func TestDisconnectClearsEverything(t *testing.T) {
	c := newConn(model.AuthMethodCredential)
	connectThrough(t, c)
	c.Disconnect(at(10))
	ctx := c.Snapshot().Context
	if ctx.Authenticated || ctx.ClientReady || ctx.ProviderReady {
		t.Fatalf("expected cleared readiness, got %+v", ctx)
	}
	if ctx.LastError != "" || ctx.RetryCount != 0 {
		t.Fatalf("expected cleared error state, got %+v", ctx)
	}
	// A fresh connect is honored again.
	if _, ok := c.Connect(at(11)); !ok {
		t.Fatalf("connect rejected after disconnect")
	}
}
