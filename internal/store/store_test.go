package store_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/model"
	"github.com/worklens/worklens/internal/store"
	"github.com/worklens/worklens/internal/testutil"
	"github.com/worklens/worklens/internal/timer"
)

func TestConnectionRoundTrip(t *testing.T) {
	s, ctx := testutil.NewStore(t)

	conn := model.Connection{
		ID:           uuid.NewString(),
		Organization: "contoso",
		Project:      "platform",
		Label:        "Platform",
		AuthMethod:   model.AuthMethodCredential,
		BaseURL:      "https://dev.azure.com/contoso",
		CreatedAt:    time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertConnection(ctx, conn))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, conn, got)

	// Upsert updates in place, preserving created_at.
	conn.Label = "Platform Team"
	require.NoError(t, s.UpsertConnection(ctx, conn))
	got, err = s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, "Platform Team", got.Label)
	require.Equal(t, conn.CreatedAt, got.CreatedAt)

	list, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteConnection(ctx, conn.ID))
	_, err = s.GetConnection(ctx, conn.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.DeleteConnection(ctx, conn.ID), store.ErrNotFound)
}

func TestConnectionRejectsBadAuthMethod(t *testing.T) {
	s, ctx := testutil.NewStore(t)
	err := s.UpsertConnection(ctx, model.Connection{
		ID:           uuid.NewString(),
		Organization: "contoso",
		Project:      "platform",
		AuthMethod:   "oauth",
	})
	require.Error(t, err)
}

func TestTimerStateSingleRow(t *testing.T) {
	s, ctx := testutil.NewStore(t)

	_, err := s.LoadTimerState(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	started := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveTimerState(ctx, timer.PersistedState{
		WorkItemID: 123, Title: "fix login redirect", StartedAt: started,
	}, started))

	// A later save replaces the row rather than adding one.
	require.NoError(t, s.SaveTimerState(ctx, timer.PersistedState{
		WorkItemID: 123, Title: "fix login redirect", StartedAt: started, Paused: true,
	}, started.Add(5*time.Minute)))

	ps, err := s.LoadTimerState(ctx)
	require.NoError(t, err)
	require.Equal(t, 123, ps.WorkItemID)
	require.True(t, ps.Paused)
	require.True(t, ps.StartedAt.Equal(started))

	require.NoError(t, s.ClearTimerState(ctx))
	_, err = s.LoadTimerState(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTimerHistoryBounded(t *testing.T) {
	s, ctx := testutil.NewStore(t)
	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTimerHistory(ctx, model.TimerHistoryEntry{
			WorkItemID: 100 + i,
			Title:      "entry",
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			StoppedAt:  base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			Duration:   30 * time.Minute,
		}, 3))
	}

	entries, err := s.ListTimerHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first, oldest rows pruned.
	require.Equal(t, 104, entries[0].WorkItemID)
	require.Equal(t, 102, entries[2].WorkItemID)
}

func TestEngineSnapshotsBoundedPerEngine(t *testing.T) {
	s, ctx := testutil.NewStore(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveEngineSnapshot(ctx, store.EngineSnapshot{
			EngineID: "timer",
			State:    "running",
			Context:  fmt.Sprintf(`{"n":%d}`, i),
		}, 2))
	}
	require.NoError(t, s.SaveEngineSnapshot(ctx, store.EngineSnapshot{
		EngineID: "app",
		State:    "active",
		Context:  `{}`,
	}, 2))

	timerSnaps, err := s.ListEngineSnapshots(ctx, "timer", 0)
	require.NoError(t, err)
	require.Len(t, timerSnaps, 2)
	require.Equal(t, `{"n":3}`, timerSnaps[0].Context)

	// Pruning one engine never touches another.
	appSnaps, err := s.ListEngineSnapshots(ctx, "app", 0)
	require.NoError(t, err)
	require.Len(t, appSnaps, 1)

	latest, err := s.LatestEngineSnapshot(ctx, "timer")
	require.NoError(t, err)
	require.Equal(t, `{"n":3}`, latest.Context)

	_, err = s.LatestEngineSnapshot(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}
