// Package replay refuses signed requests whose signature has been seen
// within the acceptance window.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Guard records request signatures.
type Guard interface {
	// Claim reports whether id is being seen for the first time within ttl.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	now   func() time.Time
	sweep time.Time
}

func NewMemory() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if now.After(g.sweep) {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
		g.sweep = now.Add(ttl)
	}

	if exp, ok := g.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[id] = now.Add(ttl)
	return true, nil
}

// RedisGuard shares claims between relay instances through Redis.
type RedisGuard struct {
	Client   *redis.Client
	Prefix   string
	Fallback *MemoryGuard
}

// NewRedis returns a RedisGuard that falls back to process-local claims
// while Redis is unreachable.
func NewRedis(client *redis.Client) *RedisGuard {
	return &RedisGuard{Client: client, Prefix: "replay:", Fallback: NewMemory()}
}

func (g *RedisGuard) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if g.Client == nil {
		return g.Fallback.Claim(ctx, id, ttl)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ok, err := g.Client.SetNX(ctx, g.Prefix+id, 1, ttl).Result()
	if err != nil {
		if g.Fallback != nil {
			log.Warn().Err(err).Msg("replay guard: redis unavailable, using local claims")
			return g.Fallback.Claim(ctx, id, ttl)
		}
		return false, err
	}
	return ok, nil
}
