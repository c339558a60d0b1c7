package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

const cachePrefix = "ledger:"

// CachedStore wraps a primary Store with a Redis read-through cache for
// account and market views. Projection writes go to the primary and then
// refresh the cache; reads check Redis first then fall back to the primary.
// The journal and snapshots are never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) PutAccount(ctx context.Context, a *model.AccountView) error {
	if err := s.primary.PutAccount(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, accountKey(a.Identity), a)
	return nil
}

func (s *CachedStore) PutMarket(ctx context.Context, m *model.MarketView) error {
	if err := s.primary.PutMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) ResetProjections(ctx context.Context) error {
	if err := s.primary.ResetProjections(ctx); err != nil {
		return err
	}
	iter := s.rdb.Scan(ctx, 0, cachePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		s.rdb.Del(ctx, iter.Val())
	}
	return iter.Err()
}

// --- Read-through ---

func (s *CachedStore) GetAccount(ctx context.Context, identity string) (*model.AccountView, error) {
	data, err := s.rdb.Get(ctx, accountKey(identity)).Bytes()
	if err == nil {
		var a model.AccountView
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, identity)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(identity), a)
	return a, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id uint64) (*model.MarketView, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.MarketView
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), m)
	return m, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) AppendEntry(ctx context.Context, entry *model.JournalEntry) error {
	return s.primary.AppendEntry(ctx, entry)
}

func (s *CachedStore) EntriesSince(ctx context.Context, seq uint64, limit int) ([]model.JournalEntry, error) {
	return s.primary.EntriesSince(ctx, seq, limit)
}

func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return s.primary.SaveSnapshot(ctx, snap)
}

func (s *CachedStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.LatestSnapshot(ctx)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketView, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) Leaderboard(ctx context.Context, limit int) ([]model.AccountView, error) {
	return s.primary.Leaderboard(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(identity string) string { return fmt.Sprintf("%saccount:%s", cachePrefix, identity) }
func marketKey(id uint64) string         { return fmt.Sprintf("%smarket:%d", cachePrefix, id) }
