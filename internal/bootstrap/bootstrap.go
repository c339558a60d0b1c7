// Package bootstrap wires the configured backends for the ledger binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/parimutuel-ledger/internal/archive"
	"github.com/atmx/parimutuel-ledger/internal/config"
	"github.com/atmx/parimutuel-ledger/internal/store"
)

// OpenStore connects the store selected by cfg. The returned cleanup
// closes every connection that was opened and is never nil.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	var st store.Store
	switch cfg.Store() {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, closeAll, fmt.Errorf("migrate: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case config.StorePebble:
		pb, err := store.OpenPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, closeAll, err
		}
		cleanup = append(cleanup, func() {
			if err := pb.Close(); err != nil {
				slog.Error("close pebble", "err", err)
			}
		})
		st = pb
		slog.Info("opened Pebble store", "dir", cfg.PebbleDir)

	default:
		slog.Warn("no DATABASE_URL or PEBBLE_DIR, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	// Read-through cache for the projections if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, closeAll, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

// OpenArchive returns the snapshot archiver, or nil when archiving is off.
func OpenArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	blobs, err := archive.NewS3Blobs(ctx, archive.ClientConfig{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		Bucket:         cfg.Bucket,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		UseSSL:         cfg.UseSSL,
		ForcePathStyle: cfg.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err := blobs.Health(ctx); err != nil {
		return nil, fmt.Errorf("archive bucket %q: %w", cfg.Bucket, err)
	}
	slog.Info("snapshot archive enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return archive.New(blobs, cfg.Prefix), nil
}
