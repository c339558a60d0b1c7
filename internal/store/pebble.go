package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

// Key layout. Numeric keys are zero padded so byte order is numeric order.
const (
	journalPrefix  = "j/"
	snapshotPrefix = "s/"
	accountPrefix  = "a/"
	marketPrefix   = "m/"
)

// PebbleStore implements Store on an embedded Pebble database. It suits a
// single-node deployment without PostgreSQL.
type PebbleStore struct {
	db *pebble.DB

	// appendMu serializes the tail check and write in AppendEntry.
	appendMu sync.Mutex
}

// OpenPebbleStore opens (or creates) a Pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) AppendEntry(_ context.Context, e *model.JournalEntry) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var tail uint64
	err := s.last(journalPrefix, func(_, val []byte) error {
		var prev model.JournalEntry
		if err := json.Unmarshal(val, &prev); err != nil {
			return err
		}
		tail = prev.Seq
		return nil
	})
	if err != nil {
		return err
	}
	if e.Seq != tail+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrSeqConflict, e.Seq, tail+1)
	}
	return s.put(seqKey(journalPrefix, e.Seq), e)
}

func (s *PebbleStore) EntriesSince(_ context.Context, seq uint64, limit int) ([]model.JournalEntry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: seqKey(journalPrefix, seq+1),
		UpperBound: upperBound(journalPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []model.JournalEntry
	for iter.First(); iter.Valid(); iter.Next() {
		var e model.JournalEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("pebble: decode entry %s: %w", iter.Key(), err)
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, iter.Error()
}

func (s *PebbleStore) SaveSnapshot(_ context.Context, snap *model.Snapshot) error {
	return s.put(seqKey(snapshotPrefix, snap.Seq), snap)
}

func (s *PebbleStore) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := s.last(snapshotPrefix, func(_, val []byte) error {
		snap = new(model.Snapshot)
		return json.Unmarshal(val, snap)
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *PebbleStore) PutAccount(_ context.Context, a *model.AccountView) error {
	return s.put([]byte(accountPrefix+a.Identity), a)
}

func (s *PebbleStore) GetAccount(_ context.Context, identity string) (*model.AccountView, error) {
	var a model.AccountView
	if err := s.get([]byte(accountPrefix+identity), &a); err != nil {
		return nil, fmt.Errorf("account %s: %w", identity, err)
	}
	return &a, nil
}

func (s *PebbleStore) PutMarket(_ context.Context, m *model.MarketView) error {
	return s.put(seqKey(marketPrefix, m.ID), m)
}

func (s *PebbleStore) GetMarket(_ context.Context, id uint64) (*model.MarketView, error) {
	var m model.MarketView
	if err := s.get(seqKey(marketPrefix, id), &m); err != nil {
		return nil, fmt.Errorf("market %d: %w", id, err)
	}
	return &m, nil
}

func (s *PebbleStore) ListMarkets(_ context.Context) ([]model.MarketView, error) {
	markets := []model.MarketView{}
	err := s.scan(marketPrefix, func(val []byte) error {
		var m model.MarketView
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		markets = append(markets, m)
		return nil
	})
	return markets, err
}

func (s *PebbleStore) Leaderboard(_ context.Context, limit int) ([]model.AccountView, error) {
	var accounts []model.AccountView
	err := s.scan(accountPrefix, func(val []byte) error {
		var a model.AccountView
		if err := json.Unmarshal(val, &a); err != nil {
			return err
		}
		accounts = append(accounts, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rankAccounts(accounts, limit), nil
}

func (s *PebbleStore) ResetProjections(_ context.Context) error {
	for _, prefix := range []string{accountPrefix, marketPrefix} {
		if err := s.db.DeleteRange([]byte(prefix), upperBound(prefix), pebble.Sync); err != nil {
			return fmt.Errorf("pebble: clear %s: %w", prefix, err)
		}
	}
	return nil
}

// --- Helpers ---

func (s *PebbleStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *PebbleStore) get(key []byte, v any) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	return json.Unmarshal(val, v)
}

// scan calls fn with every value under prefix in key order.
func (s *PebbleStore) scan(prefix string, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// last calls fn with the highest key under prefix, if any.
func (s *PebbleStore) last(prefix string, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.Last() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func seqKey(prefix string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, n))
}

// upperBound returns the first key after every key with the given prefix.
func upperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}
