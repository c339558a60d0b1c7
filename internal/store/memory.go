package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	journal   []model.JournalEntry
	snapshots []model.Snapshot
	accounts  map[string]*model.AccountView
	markets   map[uint64]*model.MarketView
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.AccountView),
		markets:  make(map[uint64]*model.MarketView),
	}
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if want := uint64(len(s.journal)) + 1; entry.Seq != want {
		return fmt.Errorf("%w: got %d, want %d", ErrSeqConflict, entry.Seq, want)
	}
	e := *entry
	e.Payload = slices.Clone(entry.Payload)
	s.journal = append(s.journal, e)
	return nil
}

func (s *MemoryStore) EntriesSince(_ context.Context, seq uint64, limit int) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq >= uint64(len(s.journal)) {
		return nil, nil
	}
	// Seq n lives at index n-1, so entries after seq start at index seq.
	out := s.journal[seq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return slices.Clone(out), nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	cp.State = slices.Clone(snap.State)
	cp.Nonces = slices.Clone(snap.Nonces)
	s.snapshots = append(s.snapshots, cp)
	return nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Snapshot
	for i := range s.snapshots {
		if latest == nil || s.snapshots[i].Seq >= latest.Seq {
			latest = &s.snapshots[i]
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, a *model.AccountView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.accounts[a.Identity] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, identity string) (*model.AccountView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[identity]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", identity, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) PutMarket(_ context.Context, m *model.MarketView) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id uint64) (*model.MarketView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketView, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	slices.SortFunc(markets, func(a, b model.MarketView) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return markets, nil
}

func (s *MemoryStore) Leaderboard(_ context.Context, limit int) ([]model.AccountView, error) {
	s.mu.RLock()
	accounts := make([]model.AccountView, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	s.mu.RUnlock()

	return rankAccounts(accounts, limit), nil
}

func (s *MemoryStore) ResetProjections(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*model.AccountView)
	s.markets = make(map[uint64]*model.MarketView)
	return nil
}

// rankAccounts sorts accounts by balance descending, then identity, and
// truncates to limit when limit > 0.
func rankAccounts(accounts []model.AccountView, limit int) []model.AccountView {
	slices.SortFunc(accounts, func(a, b model.AccountView) int {
		if c := b.Balance.Cmp(a.Balance); c != 0 {
			return c
		}
		return strings.Compare(a.Identity, b.Identity)
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts
}
