package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/org/keyrelay/internal/identity"
	"github.com/org/keyrelay/internal/relayerr"
	"github.com/org/keyrelay/internal/storage"
	"github.com/org/keyrelay/pkg/models"
)

func key(b byte) identity.Key {
	var k identity.Key
	k[0] = b
	return k
}

var (
	admin  = key(0xaa)
	temp   = key(1)
	backup = key(2)
)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryBackend) {
	t.Helper()
	store := storage.NewMemoryBackend()
	now := time.Unix(1_700_000_000, 0)
	return NewManager(store, identity.NewSet(admin), WithClock(func() time.Time { return now })), store
}

func register(t *testing.T, m *Manager) *models.KeyMapping {
	t.Helper()
	km, err := m.Register(context.Background(), admin, RegisterRequest{
		UserID: "alice", TempKey: temp, BackupKey: backup, ExpiresAt: time.Unix(1_700_003_600, 0),
	})
	require.NoError(t, err)
	return km
}

func TestRegister(t *testing.T) {
	m, _ := newTestManager(t)
	km := register(t, m)

	require.Equal(t, identity.DeriveAddress(identity.DefaultNamespace, "alice"), km.TargetAddress)
	require.False(t, km.Revoked)
	require.Equal(t, int64(1_700_000_000), km.CreatedAt.Unix())

	got, err := m.Get(context.Background(), temp)
	require.NoError(t, err)
	require.Equal(t, km.TargetAddress, got.TargetAddress)
}

func TestRegisterRejections(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m)

	cases := []struct {
		name   string
		caller identity.Key
		req    RegisterRequest
		err    error
	}{
		{"duplicate", admin, RegisterRequest{UserID: "bob", TempKey: temp, BackupKey: key(3)}, relayerr.ErrDuplicateMapping},
		{"non-admin", key(9), RegisterRequest{UserID: "bob", TempKey: key(4), BackupKey: key(3)}, relayerr.ErrUnauthorized},
		{"same keys", admin, RegisterRequest{UserID: "bob", TempKey: key(4), BackupKey: key(4)}, models.ErrSameKeys},
		{"empty user", admin, RegisterRequest{TempKey: key(4), BackupKey: key(3)}, models.ErrInvalidUserID},
		{"long user", admin, RegisterRequest{UserID: "0123456789abcdef0123456789abcdefX", TempKey: key(4), BackupKey: key(3)}, models.ErrInvalidUserID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Register(ctx, tc.caller, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRevokeIsOneWay(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m)

	_, err := m.Revoke(ctx, backup, temp)
	require.ErrorIs(t, err, relayerr.ErrUnauthorized)

	km, err := m.Revoke(ctx, admin, temp)
	require.NoError(t, err)
	require.True(t, km.Revoked)

	_, err = m.Revoke(ctx, admin, temp)
	require.ErrorIs(t, err, relayerr.ErrAlreadyRevoked)

	_, err = m.Revoke(ctx, admin, key(7))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRotateBackupRequiresCurrentBackup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m)

	for _, caller := range []identity.Key{temp, admin, key(5)} {
		_, err := m.RotateBackup(ctx, caller, temp, key(5))
		require.ErrorIs(t, err, relayerr.ErrUnauthorized)
		got, _ := m.Get(ctx, temp)
		require.Equal(t, backup, got.BackupKey)
	}

	km, err := m.RotateBackup(ctx, backup, temp, key(5))
	require.NoError(t, err)
	require.Equal(t, key(5), km.BackupKey)

	// The old backup no longer holds the capability.
	_, err = m.RotateBackup(ctx, backup, temp, key(6))
	require.ErrorIs(t, err, relayerr.ErrUnauthorized)
}

func TestRotateBackupIgnoresExpiry(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()
	late := time.Unix(1_900_000_000, 0)
	m := NewManager(store, identity.NewSet(admin), WithClock(func() time.Time { return late }))
	_, err := m.Register(ctx, admin, RegisterRequest{UserID: "alice", TempKey: temp, BackupKey: backup, ExpiresAt: time.Unix(1, 0)})
	require.NoError(t, err)

	_, err = m.RotateBackup(ctx, backup, temp, key(5))
	require.NoError(t, err)
}

func TestRotateBackupToTempKeyRejected(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	register(t, m)

	_, err := m.RotateBackup(ctx, backup, temp, temp)
	require.ErrorIs(t, err, models.ErrSameKeys)
	got, _ := m.Get(ctx, temp)
	require.Equal(t, backup, got.BackupKey)
}

func TestNamespaceOption(t *testing.T) {
	store := storage.NewMemoryBackend()
	m := NewManager(store, identity.NewSet(admin), WithNamespace("other"))
	km, err := m.Register(context.Background(), admin, RegisterRequest{UserID: "alice", TempKey: temp, BackupKey: backup})
	require.NoError(t, err)
	require.Equal(t, identity.DeriveAddress("other", "alice"), km.TargetAddress)
}
