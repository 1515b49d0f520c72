package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/pkg/models"
)

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	l := NewLogger(store)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.Record(ctx, &models.ActionEntry{Kind: models.ActionRelay, UserID: "alice", Outcome: "ok"})
	l.Record(ctx, &models.ActionEntry{Kind: models.ActionTransfer, UserID: "bob", Outcome: "ok", Timestamp: base.Add(time.Hour)})

	all, err := l.Query(ctx, storage.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "bob", all[0].UserID)
	require.Equal(t, base, all[1].Timestamp)

	alice, err := l.Query(ctx, storage.ActionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, alice, 1)

	since := base.Add(time.Minute)
	recent, err := l.Query(ctx, storage.ActionFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, models.ActionTransfer, recent[0].Kind)
}

func TestQueryLimitDefaults(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	l := NewLogger(store)
	for i := 0; i < 120; i++ {
		l.Record(ctx, &models.ActionEntry{Kind: models.ActionRelay, Outcome: "ok"})
	}

	entries, err := l.Query(ctx, storage.ActionFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 100)

	entries, err = l.Query(ctx, storage.ActionFilter{Limit: 10, Offset: 115})
	require.NoError(t, err)
	require.Len(t, entries, 5)
}
