package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aura-net/aura/pkg/effects"
)

// DefaultReplayTTL is how long a receipt nonce stays hot. A nonce seen
// twice inside the window marks a replayed message.
const DefaultReplayTTL = 5 * time.Minute

// ReplayWindow remembers receipt nonces. Remember returns true exactly
// once per nonce within the TTL.
type ReplayWindow interface {
	Remember(ctx context.Context, nonce []byte) (fresh bool, err error)
}

// MemoryWindow is the single-process replay window.
type MemoryWindow struct {
	clock effects.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryWindow(clock effects.Clock, ttl time.Duration) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &MemoryWindow{clock: clock, ttl: ttl, seen: make(map[string]time.Time)}
}

func (w *MemoryWindow) Remember(ctx context.Context, nonce []byte) (bool, error) {
	key := string(nonce)
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, expiry := range w.seen {
		if now.After(expiry) {
			delete(w.seen, k)
		}
	}
	if _, dup := w.seen[key]; dup {
		return false, nil
	}
	w.seen[key] = now.Add(w.ttl)
	return true, nil
}

// RedisWindow shares the replay window across a fleet of inbound
// endpoints. SET NX EX makes remember-and-expire a single atomic step.
type RedisWindow struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisWindow(client redis.UniversalClient, ttl time.Duration) *RedisWindow {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &RedisWindow{client: client, ttl: ttl, prefix: "aura:receipt:"}
}

func (w *RedisWindow) Remember(ctx context.Context, nonce []byte) (bool, error) {
	key := w.prefix + hex.EncodeToString(nonce)
	fresh, err := w.client.SetNX(ctx, key, 1, w.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay window: %w", err)
	}
	return fresh, nil
}
