package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemory()
	now := time.Unix(1000, 0)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = g.Claim(ctx, "sig-a", time.Minute)
	require.False(t, ok)

	ok, _ = g.Claim(ctx, "sig-b", time.Minute)
	require.True(t, ok)

	now = now.Add(time.Minute)
	ok, _ = g.Claim(ctx, "sig-a", time.Minute)
	require.True(t, ok)
}

func TestRedisGuard(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewRedis(client)
	ctx := context.Background()

	ok, err := g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists("replay:sig-a"))

	mr.FastForward(2 * time.Minute)
	ok, err = g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisGuardFallsBack(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	g := NewRedis(client)
	mr.Close()
	ctx := context.Background()

	ok, err := g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	g.Fallback = nil
	_, err = g.Claim(ctx, "sig-b", time.Minute)
	require.Error(t, err)
}
