package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/pkg/models"
)

func key(b byte) identity.Key {
	var k identity.Key
	k[0] = b
	return k
}

func TestMemoryKeyMappingInsertOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()

	m := &models.KeyMapping{TempKey: key(1), BackupKey: key(2), UserID: "alice", ExpiresAt: time.Unix(100, 0)}
	require.NoError(t, s.InsertKeyMapping(ctx, m))
	require.ErrorIs(t, s.InsertKeyMapping(ctx, m), ErrAlreadyExists)

	got, err := s.GetKeyMapping(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, "alice", got.UserID)

	_, err = s.GetKeyMapping(ctx, key(9))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateKeepsImmutableFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	require.NoError(t, s.InsertKeyMapping(ctx, &models.KeyMapping{TempKey: key(1), BackupKey: key(2), UserID: "alice"}))

	require.NoError(t, s.UpdateKeyMapping(ctx, &models.KeyMapping{TempKey: key(1), BackupKey: key(3), UserID: "mallory", Revoked: true}))
	got, err := s.GetKeyMapping(ctx, key(1))
	require.NoError(t, err)
	require.Equal(t, "alice", got.UserID)
	require.Equal(t, key(3), got.BackupKey)
	require.True(t, got.Revoked)

	n, err := s.CountKeyMappings(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMemoryAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	require.NoError(t, s.Credit(ctx, "", key(1), 100))

	boom := errors.New("boom")
	err := s.Atomic(ctx, func(tx Records) error {
		require.NoError(t, tx.Transfer(ctx, "", key(1), key(2), 60))
		require.NoError(t, tx.PutSecurityPolicy(ctx, &models.SecurityPolicy{UserID: "alice", DailyTxCount: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, _ := s.Balance(ctx, "", key(1))
	require.Equal(t, uint64(100), bal)
	bal, _ = s.Balance(ctx, "", key(2))
	require.Zero(t, bal)
	_, err = s.GetSecurityPolicy(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAtomicCommits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	require.NoError(t, s.Credit(ctx, "usdc", key(1), 100))

	require.NoError(t, s.Atomic(ctx, func(tx Records) error {
		return tx.Transfer(ctx, "usdc", key(1), key(2), 60)
	}))

	bal, _ := s.Balance(ctx, "usdc", key(1))
	require.Equal(t, uint64(40), bal)
	bal, _ = s.Balance(ctx, "usdc", key(2))
	require.Equal(t, uint64(60), bal)
}

func TestMemoryAtomicCommitsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryBackend()

	require.NoError(t, s.Atomic(ctx, func(tx Records) error {
		require.NoError(t, tx.PutSecurityPolicy(ctx, &models.SecurityPolicy{UserID: "alice", DailyTxCount: 1}))
		cancel()
		return nil
	}))

	p, err := s.GetSecurityPolicy(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(1), p.DailyTxCount)
}

func TestMemoryTransferInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	require.NoError(t, s.Credit(ctx, "", key(1), 10))
	require.ErrorIs(t, s.Transfer(ctx, "", key(1), key(2), 11), ErrInsufficientFunds)
	require.NoError(t, s.Transfer(ctx, "", key(1), key(2), 0))

	bal, _ := s.Balance(ctx, "", key(1))
	require.Equal(t, uint64(10), bal)
}

func TestMemoryCreditOverflow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	require.NoError(t, s.Credit(ctx, "", key(1), ^uint64(0)))
	require.ErrorIs(t, s.Credit(ctx, "", key(1), 1), ErrBalanceOverflow)
}

func TestMemorySecurityPolicyIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	p := &models.SecurityPolicy{UserID: "alice", AllowedFunctionIDs: models.FunctionIDs{1, 2}}
	require.NoError(t, s.PutSecurityPolicy(ctx, p))
	p.AllowedFunctionIDs[0] = 9

	got, err := s.GetSecurityPolicy(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, models.FunctionIDs{1, 2}, got.AllowedFunctionIDs)
}

func TestMemoryActionLogQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBackend()
	base := time.Unix(1_000, 0)
	for i, user := range []string{"alice", "bob", "alice", "alice"} {
		require.NoError(t, s.WriteActionEntry(ctx, &models.ActionEntry{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			UserID:    user,
			Outcome:   models.OutcomeOK,
		}))
	}

	all, err := s.QueryActionLog(ctx, ActionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(4), all[0].ID, "newest first")

	since := base.Add(2 * time.Second)
	recent, err := s.QueryActionLog(ctx, ActionFilter{UserID: "alice", Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, int64(4), recent[0].ID)

	page, err := s.QueryActionLog(ctx, ActionFilter{Offset: 10})
	require.NoError(t, err)
	require.Empty(t, page)
}
