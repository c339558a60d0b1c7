package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/parimutuel-ledger/internal/bootstrap"
	"github.com/atmx/parimutuel-ledger/internal/config"
	"github.com/atmx/parimutuel-ledger/internal/engine"
	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/metrics"
	"github.com/atmx/parimutuel-ledger/internal/relay"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("ledger stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("parimutuel-ledger stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, cleanup, err := bootstrap.OpenStore(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := relay.NewWSHub()

	// --- Engine ---
	opts := engine.Options{
		Admin:         ledger.Identity(cfg.Admin),
		EnforceNonces: cfg.EnforceNonces,
		SnapshotEvery: cfg.SnapshotEvery,
		Broadcaster:   wsHub,
	}
	archiver, err := bootstrap.OpenArchive(ctx, cfg.Archive)
	if err != nil {
		return err
	}
	if archiver != nil {
		opts.Archiver = archiver
	}
	eng := engine.New(st, opts)
	if err := eng.Recover(ctx); err != nil {
		return fmt.Errorf("recover ledger: %w", err)
	}

	svc := relay.NewService(eng, st, relay.Options{
		ContractName: cfg.ContractName,
		AdminToken:   cfg.AdminToken,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+relay.UserHeader+", "+relay.AdminHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())
	svc.Register(r, wsHub)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("parimutuel-ledger listening", "port", cfg.Port, "store", cfg.Store())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down parimutuel-ledger...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		// Final snapshot so the next start replays nothing.
		if snap, err := eng.Commit(shutdownCtx); err != nil {
			slog.Error("final snapshot failed", "err", err)
		} else {
			slog.Info("final snapshot", "seq", snap.Seq, "root", snap.Root)
		}
		return nil
	})
	return g.Wait()
}
