package authflow_test

import (
	"testing"
	"time"

	"github.com/worklens/worklens/internal/authflow"
	"github.com/worklens/worklens/internal/engine"
	"github.com/worklens/worklens/internal/model"
)

func effectKinds(fx []engine.Effect) []string {
	kinds := make([]string, 0, len(fx))
	for _, f := range fx {
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

func hasEffect(fx []engine.Effect, kind string) bool {
	for _, f := range fx {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

func TestAuthenticateHappyPath(t *testing.T) {
	a := authflow.New("c-1", model.AuthMethodCredential)
	fx, ok := a.Authenticate(false, time.Time{})
	if !ok {
		t.Fatalf("authenticate rejected from signed_out")
	}
	if !hasEffect(fx, authflow.EffectAcquire) {
		t.Fatalf("expected acquire effect, got %v", effectKinds(fx))
	}
	if a.State() != authflow.StateAuthenticating {
		t.Fatalf("expected authenticating, got %s", a.State())
	}

	fx = a.Succeeded(time.Now().Add(time.Hour), time.Time{})
	if !hasEffect(fx, authflow.EffectPublishSuccess) {
		t.Fatalf("expected success publish, got %v", effectKinds(fx))
	}
	if a.State() != authflow.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", a.State())
	}
}

func TestAuthenticateWhileInFlightIsRejected(t *testing.T) {
	a := authflow.New("c-1", model.AuthMethodInteractive)
	a.Authenticate(false, time.Time{})
	if _, ok := a.Authenticate(false, time.Time{}); ok {
		t.Fatalf("expected second authenticate rejected")
	}
}

func TestFailureRecordsErrorAndPublishes(t *testing.T) {
	a := authflow.New("c-2", model.AuthMethodCredential)
	a.Authenticate(false, time.Time{})
	fx := a.Failed("bad token", time.Time{})
	if !hasEffect(fx, authflow.EffectPublishFailure) {
		t.Fatalf("expected failure publish, got %v", effectKinds(fx))
	}
	if a.State() != authflow.StateFailed {
		t.Fatalf("expected failed, got %s", a.State())
	}
	if got := a.Snapshot().Context.LastError; got != "bad token" {
		t.Fatalf("expected error recorded, got %q", got)
	}

	// Retry is allowed from failed and clears the error.
	if _, ok := a.Authenticate(true, time.Time{}); !ok {
		t.Fatalf("authenticate rejected from failed")
	}
	if got := a.Snapshot().Context.LastError; got != "" {
		t.Fatalf("expected error cleared, got %q", got)
	}
}

func TestDeviceCodeSessionSurfacedDuringInteractiveSignIn(t *testing.T) {
	a := authflow.New("c-3", model.AuthMethodInteractive)
	a.Authenticate(true, time.Time{})
	a.DeviceCodeIssued(model.DeviceCodeSession{
		UserCode:        "ABCD-1234",
		VerificationURL: "https://signin.example.com/device",
		ExpiresAt:       time.Now().Add(15 * time.Minute),
	}, time.Time{})

	session := a.Snapshot().Context.DeviceCode
	if session == nil || session.UserCode != "ABCD-1234" {
		t.Fatalf("expected device code session, got %+v", session)
	}
	if session.ConnectionID != "c-3" {
		t.Fatalf("expected session bound to connection, got %q", session.ConnectionID)
	}

	a.Succeeded(time.Now().Add(time.Hour), time.Time{})
	if a.Snapshot().Context.DeviceCode != nil {
		t.Fatalf("expected device code cleared on success")
	}
}

func TestExpiryPublishesAndAllowsReauth(t *testing.T) {
	a := authflow.New("c-4", model.AuthMethodCredential)
	a.Authenticate(false, time.Time{})
	a.Succeeded(time.Now().Add(time.Hour), time.Time{})
	fx := a.Expired(time.Time{})
	if !hasEffect(fx, authflow.EffectPublishExpired) {
		t.Fatalf("expected expired publish, got %v", effectKinds(fx))
	}
	if a.State() != authflow.StateExpired {
		t.Fatalf("expected expired, got %s", a.State())
	}
	if _, ok := a.Authenticate(false, time.Time{}); !ok {
		t.Fatalf("expected re-auth allowed from expired")
	}
}

func TestSignOutClearsCredentialState(t *testing.T) {
	a := authflow.New("c-5", model.AuthMethodCredential)
	a.Authenticate(false, time.Time{})
	a.Succeeded(time.Now().Add(time.Hour), time.Time{})
	fx := a.SignOut(time.Time{})
	if !hasEffect(fx, authflow.EffectRevoke) {
		t.Fatalf("expected revoke effect, got %v", effectKinds(fx))
	}
	if a.State() != authflow.StateSignedOut {
		t.Fatalf("expected signed_out, got %s", a.State())
	}
	c := a.Snapshot().Context
	if !c.SignedInAt.IsZero() || !c.ExpiresAt.IsZero() || c.LastError != "" {
		t.Fatalf("expected cleared context, got %+v", c)
	}
}

func TestExpiredEventIgnoredWhileSignedOut(t *testing.T) {
	a := authflow.New("c-6", model.AuthMethodCredential)
	a.Expired(time.Time{})
	if a.State() != authflow.StateSignedOut {
		t.Fatalf("expected signed_out unchanged, got %s", a.State())
	}
}
