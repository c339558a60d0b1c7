// Package store defines the persistence interface for the ledger harness.
// Implementations include PostgreSQL (source of truth), Pebble (embedded
// single node), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrSeqConflict is returned when an appended entry does not directly
	// follow the last journalled sequence number.
	ErrSeqConflict = errors.New("store: journal sequence conflict")
)

// Store is the persistence interface. The journal and snapshots are the
// durable record; account and market views are projections that can be
// rebuilt from them at any time.
type Store interface {
	// --- Immutable journal ---

	// AppendEntry appends an accepted action. entry.Seq must be exactly one
	// past the last appended entry.
	AppendEntry(ctx context.Context, entry *model.JournalEntry) error

	// EntriesSince returns entries with Seq > seq in order. A limit <= 0
	// returns all of them.
	EntriesSince(ctx context.Context, seq uint64, limit int) ([]model.JournalEntry, error)

	// --- Snapshots ---

	// SaveSnapshot stores a committed state.
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LatestSnapshot returns the snapshot with the highest Seq, or ErrNotFound.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Projections ---

	PutAccount(ctx context.Context, a *model.AccountView) error
	GetAccount(ctx context.Context, identity string) (*model.AccountView, error)
	PutMarket(ctx context.Context, m *model.MarketView) error
	GetMarket(ctx context.Context, id uint64) (*model.MarketView, error)

	// ListMarkets returns all markets ordered by ID.
	ListMarkets(ctx context.Context) ([]model.MarketView, error)

	// Leaderboard returns up to limit accounts by balance, highest first.
	// Ties are broken by identity.
	Leaderboard(ctx context.Context, limit int) ([]model.AccountView, error)

	// ResetProjections drops every account and market view.
	ResetProjections(ctx context.Context) error
}
