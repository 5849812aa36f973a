// Package testutil carries shared test fixtures.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/store"
)

// NewStore opens a migrated throwaway store under t.TempDir.
func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(t.TempDir(), "worklens-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := store.ApplyMigrations(ctx, s.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return s, ctx
}

// Connection builds a valid persisted-shape connection record.
func Connection(label string) model.Connection {
	return model.Connection{
		ID:           uuid.NewString(),
		Organization: "contoso",
		Project:      "platform",
		Label:        label,
		AuthMethod:   model.AuthMethodCredential,
		BaseURL:      "https://dev.azure.com/contoso",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// SeedConnection persists a connection and returns it.
func SeedConnection(t *testing.T, s *store.Store, ctx context.Context, label string) model.Connection {
	t.Helper()
	conn := Connection(label)
	if err := s.UpsertConnection(ctx, conn); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return conn
}
