package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard hands out one-shot claims keyed by session and purpose. Claim reports
// true to exactly one caller per key until the marker expires.
type Guard interface {
	Claim(ctx context.Context, sessionID, purpose string) (bool, error)
	Release(ctx context.Context, sessionID, purpose string) error
}

// RedisGuard stores markers with SET NX so claims hold across API replicas.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, ttl: ttl}
}

func (g *RedisGuard) key(sessionID, purpose string) string {
	return "temerio:guard:" + purpose + ":" + sessionID
}

func (g *RedisGuard) Claim(ctx context.Context, sessionID, purpose string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(sessionID, purpose), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s marker: %w", purpose, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, sessionID, purpose string) error {
	if err := g.client.Del(ctx, g.key(sessionID, purpose)).Err(); err != nil {
		return fmt.Errorf("release %s marker: %w", purpose, err)
	}
	return nil
}

// MemoryGuard is the single-process Guard used when Redis is not configured.
type MemoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	claimed map[string]time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:     ttl,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

func (g *MemoryGuard) Claim(_ context.Context, sessionID, purpose string) (bool, error) {
	key := purpose + ":" + sessionID
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	if _, ok := g.claimed[key]; ok {
		return false, nil
	}
	g.claimed[key] = now.Add(g.ttl)
	return true, nil
}

// pruneLocked drops markers whose ttl has passed.
func (g *MemoryGuard) pruneLocked(now time.Time) {
	for key, expires := range g.claimed {
		if !now.Before(expires) {
			delete(g.claimed, key)
		}
	}
}

func (g *MemoryGuard) Release(_ context.Context, sessionID, purpose string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claimed, purpose+":"+sessionID)
	return nil
}
