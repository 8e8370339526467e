package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

// CachedStore wraps a primary LedgerStore (PostgreSQL or SQLite) with a
// Redis read-through cache. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary LedgerStore
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary LedgerStore, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveCoverage(ctx context.Context, c model.Coverage) error {
	if err := s.primary.SaveCoverage(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, coverageKey(c.ID), ledgerKey)
	return nil
}

func (s *CachedStore) SaveHedgeEntry(ctx context.Context, e model.HedgeLedgerEntry, realizedPnL decimal.Decimal) error {
	if err := s.primary.SaveHedgeEntry(ctx, e, realizedPnL); err != nil {
		return err
	}
	s.rdb.Del(ctx, ledgerKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCoverage(ctx context.Context, id string) (model.Coverage, error) {
	data, err := s.rdb.Get(ctx, coverageKey(id)).Bytes()
	if err == nil {
		var c model.Coverage
		if json.Unmarshal(data, &c) == nil {
			return c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetCoverage(ctx, id)
	if err != nil {
		return c, err
	}
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, coverageKey(id), data, s.ttl)
	}
	return c, nil
}

func (s *CachedStore) LoadHedgeLedger(ctx context.Context) (HedgeLedger, error) {
	data, err := s.rdb.Get(ctx, ledgerKey).Bytes()
	if err == nil {
		var l HedgeLedger
		if json.Unmarshal(data, &l) == nil {
			return l, nil
		}
	}

	l, err := s.primary.LoadHedgeLedger(ctx)
	if err != nil {
		return l, err
	}
	if data, err := json.Marshal(l); err == nil {
		s.rdb.Set(ctx, ledgerKey, data, s.ttl)
	}
	return l, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadCoverages(ctx context.Context) ([]model.Coverage, error) {
	return s.primary.LoadCoverages(ctx)
}

func (s *CachedStore) SaveNetLot(ctx context.Context, lot model.NetLot) error {
	return s.primary.SaveNetLot(ctx, lot)
}

func (s *CachedStore) LoadNetLots(ctx context.Context) ([]model.NetLot, error) {
	return s.primary.LoadNetLots(ctx)
}

// --- Cache helpers ---

const ledgerKey = "hedge:ledger"

func coverageKey(id string) string { return fmt.Sprintf("coverage:%s", id) }

// RedisCooldowns shares hedge-action cooldowns across instances. A key is
// acquired with SET NX PX, so only one instance wins each window.
type RedisCooldowns struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCooldowns creates shared cooldowns under "cooldown:".
func NewRedisCooldowns(rdb *redis.Client) *RedisCooldowns {
	return &RedisCooldowns{rdb: rdb, prefix: "cooldown:"}
}

func (c *RedisCooldowns) Acquire(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown %s: %w", key, err)
	}
	return ok, nil
}
