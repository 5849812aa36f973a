// Package providers carries the daemon's default collaborator
// implementations. Real remote-service clients live behind the
// orchestrator's interfaces; what ships here is the env-backed credential
// path and a file-backed work item source, enough to run the daemon
// without a concrete API client wired in.
package providers

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/orchestrator"
)

// Registry dispatches credential operations by the connection's auth
// method. Unknown methods fail with a descriptive error instead of
// guessing.
type Registry struct {
	byMethod map[model.AuthMethod]orchestrator.CredentialProvider
}

func NewRegistry() *Registry {
	return &Registry{byMethod: make(map[model.AuthMethod]orchestrator.CredentialProvider)}
}

// DefaultRegistry wires the env-backed token provider for credential
// connections. Interactive connections need an external credential helper
// registered by the embedding process.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(model.AuthMethodCredential, EnvCredentials{})
	return r
}

func (r *Registry) Register(method model.AuthMethod, p orchestrator.CredentialProvider) {
	if p == nil {
		return
	}
	r.byMethod[method] = p
}

func (r *Registry) provider(method model.AuthMethod) (orchestrator.CredentialProvider, error) {
	p, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("no credential provider registered for auth method %q", method)
	}
	return p, nil
}

func (r *Registry) Authenticate(ctx context.Context, conn model.Connection, forceInteractive bool, prompt func(model.DeviceCodeSession)) (orchestrator.AuthResult, error) {
	p, err := r.provider(conn.AuthMethod)
	if err != nil {
		return orchestrator.AuthResult{}, err
	}
	return p.Authenticate(ctx, conn, forceInteractive, prompt)
}

func (r *Registry) Refresh(ctx context.Context, conn model.Connection) (orchestrator.AuthResult, error) {
	p, err := r.provider(conn.AuthMethod)
	if err != nil {
		return orchestrator.AuthResult{}, err
	}
	return p.Refresh(ctx, conn)
}

func (r *Registry) SignOut(ctx context.Context, connectionID string) error {
	// Tokens live in the environment; there is nothing to revoke here.
	return nil
}

// EnvCredentials resolves personal access tokens from the environment:
// WORKLENS_PAT_<ORG> first, then WORKLENS_PAT.
type EnvCredentials struct{}

func (EnvCredentials) Authenticate(_ context.Context, conn model.Connection, _ bool, _ func(model.DeviceCodeSession)) (orchestrator.AuthResult, error) {
	if _, err := tokenFor(conn); err != nil {
		return orchestrator.AuthResult{}, err
	}
	// Personal access tokens carry no refresh horizon we can observe.
	return orchestrator.AuthResult{}, nil
}

func (EnvCredentials) Refresh(_ context.Context, conn model.Connection) (orchestrator.AuthResult, error) {
	if _, err := tokenFor(conn); err != nil {
		return orchestrator.AuthResult{}, err
	}
	return orchestrator.AuthResult{}, nil
}

func (EnvCredentials) SignOut(context.Context, string) error { return nil }

func tokenFor(conn model.Connection) (string, error) {
	keys := []string{"WORKLENS_PAT"}
	if org := envSegment(conn.Organization); org != "" {
		keys = []string{"WORKLENS_PAT_" + org, "WORKLENS_PAT"}
	}
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("no token in environment for organization %q (set %s)", conn.Organization, keys[0])
}

func envSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NoopClients satisfies the client factory boundary when no transport
// client needs constructing; engines only track readiness.
type NoopClients struct{}

func (NoopClients) CreateClient(context.Context, model.Connection) error   { return nil }
func (NoopClients) CreateProvider(context.Context, model.Connection) error { return nil }
