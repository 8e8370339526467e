package risk

import (
	"context"
	"sync"
	"time"
)

// Cooldowns gate repeated hedge actions per key (coverage, tier, asset).
// Acquire returns true and starts a new window when the key is not cooling
// down. Process-local by default; multi-instance deployments use a shared
// implementation (see store.RedisCooldowns).
type Cooldowns interface {
	Acquire(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryCooldowns is the process-local implementation.
type MemoryCooldowns struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

// NewMemoryCooldowns creates process-local cooldowns. A nil clock uses time.Now.
func NewMemoryCooldowns(now func() time.Time) *MemoryCooldowns {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldowns{now: now, last: make(map[string]time.Time)}
}

func (c *MemoryCooldowns) Acquire(_ context.Context, key string, window time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	c.last[key] = now
	return true, nil
}
