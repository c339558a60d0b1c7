package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records each one in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e *model.JournalEntry) error {
	// The insert only happens when e.Seq directly follows the current tail.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (seq, id, tx_hash, identity, kind, nonce, payload, result, root, timestamp)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		 WHERE (SELECT COALESCE(MAX(seq), 0) FROM journal_entries) = $1 - 1`,
		int64(e.Seq), e.ID, e.TxHash, e.Identity, e.Kind,
		int64(e.Nonce), e.Payload, e.Result, e.Root, e.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: seq %d", ErrSeqConflict, e.Seq)
		}
		return fmt.Errorf("append entry %d: %w", e.Seq, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: seq %d", ErrSeqConflict, e.Seq)
	}
	return nil
}

func (s *PostgresStore) EntriesSince(ctx context.Context, seq uint64, limit int) ([]model.JournalEntry, error) {
	query := `SELECT seq, id::TEXT, tx_hash, identity, kind, nonce, payload, result, root, timestamp
		 FROM journal_entries WHERE seq > $1 ORDER BY seq`
	args := []any{int64(seq)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var seq, nonce int64
		if err := rows.Scan(&seq, &e.ID, &e.TxHash, &e.Identity, &e.Kind,
			&nonce, &e.Payload, &e.Result, &e.Root, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Seq, e.Nonce = uint64(seq), uint64(nonce)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (seq, root, state, nonces, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (seq) DO UPDATE
		 SET root = EXCLUDED.root, state = EXCLUDED.state,
		     nonces = EXCLUDED.nonces, created_at = EXCLUDED.created_at`,
		int64(snap.Seq), snap.Root, snap.State, snap.Nonces, snap.CreatedAt,
	)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq, root, state, nonces, created_at
		 FROM snapshots ORDER BY seq DESC LIMIT 1`).
		Scan(&seq, &snap.Root, &snap.State, &snap.Nonces, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Seq = uint64(seq)
	return &snap, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, a *model.AccountView) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_views (identity, balance, initialized, bets, unclaimed, seq)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6)
		 ON CONFLICT (identity) DO UPDATE
		 SET balance = EXCLUDED.balance, initialized = EXCLUDED.initialized,
		     bets = EXCLUDED.bets, unclaimed = EXCLUDED.unclaimed, seq = EXCLUDED.seq`,
		a.Identity, a.Balance.String(), a.Initialized, a.Bets, a.Unclaimed, int64(a.Seq),
	)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, identity string) (*model.AccountView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT identity, balance::TEXT, initialized, bets, unclaimed, seq
		 FROM account_views WHERE identity = $1`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts, err := scanAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("account %s: %w", identity, ErrNotFound)
	}
	return &accounts[0], nil
}

func (s *PostgresStore) PutMarket(ctx context.Context, m *model.MarketView) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_views (id, creator, description, yes_pool, no_pool, total_pool,
		                           yes_bettors, no_bettors, status, created_at, seq)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET yes_pool = EXCLUDED.yes_pool, no_pool = EXCLUDED.no_pool,
		     total_pool = EXCLUDED.total_pool, yes_bettors = EXCLUDED.yes_bettors,
		     no_bettors = EXCLUDED.no_bettors, status = EXCLUDED.status, seq = EXCLUDED.seq`,
		int64(m.ID), m.Creator, m.Description,
		m.YesPool.String(), m.NoPool.String(), m.TotalPool.String(),
		m.YesBettors, m.NoBettors, m.Status, int64(m.CreatedAt), int64(m.Seq),
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id uint64) (*model.MarketView, error) {
	rows, err := s.pool.Query(ctx, marketSelect+` WHERE id = $1`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets, err := scanMarkets(rows)
	if err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("market %d: %w", id, ErrNotFound)
	}
	return &markets[0], nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketView, error) {
	rows, err := s.pool.Query(ctx, marketSelect+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.AccountView, error) {
	query := `SELECT identity, balance::TEXT, initialized, bets, unclaimed, seq
		 FROM account_views ORDER BY balance DESC, identity`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAccounts(rows)
}

func (s *PostgresStore) ResetProjections(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE account_views, market_views`)
	return err
}

const marketSelect = `SELECT id, creator, description,
		        yes_pool::TEXT, no_pool::TEXT, total_pool::TEXT,
		        yes_bettors, no_bettors, status, created_at, seq
		 FROM market_views`

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanAccounts(rows pgxRows) ([]model.AccountView, error) {
	var accounts []model.AccountView
	for rows.Next() {
		var a model.AccountView
		var balance string
		var seq int64
		if err := rows.Scan(&a.Identity, &balance, &a.Initialized, &a.Bets, &a.Unclaimed, &seq); err != nil {
			return nil, err
		}
		a.Balance, _ = decimal.NewFromString(balance)
		a.Seq = uint64(seq)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanMarkets(rows pgxRows) ([]model.MarketView, error) {
	var markets []model.MarketView
	for rows.Next() {
		var m model.MarketView
		var yes, no, total string
		var id, createdAt, seq int64
		if err := rows.Scan(&id, &m.Creator, &m.Description,
			&yes, &no, &total,
			&m.YesBettors, &m.NoBettors, &m.Status, &createdAt, &seq); err != nil {
			return nil, err
		}
		m.ID, m.CreatedAt, m.Seq = uint64(id), uint64(createdAt), uint64(seq)
		m.YesPool, _ = decimal.NewFromString(yes)
		m.NoPool, _ = decimal.NewFromString(no)
		m.TotalPool, _ = decimal.NewFromString(total)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
