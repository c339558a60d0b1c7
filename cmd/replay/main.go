// Command replay rebuilds the ledger from the configured journal and checks
// every recorded state root, the latest stored snapshot, and optionally the
// latest archived snapshot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/atmx/parimutuel-ledger/internal/bootstrap"
	"github.com/atmx/parimutuel-ledger/internal/config"
	"github.com/atmx/parimutuel-ledger/internal/engine"
	"github.com/atmx/parimutuel-ledger/internal/model"
	"github.com/atmx/parimutuel-ledger/internal/store"
)

func main() {
	checkArchive := flag.Bool("archive", false, "also verify the latest archived snapshot")
	verbose := flag.Bool("v", false, "log every replayed entry")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(context.Background(), *checkArchive); err != nil {
		slog.Error("replay failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, checkArchive bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, cleanup, err := bootstrap.OpenStore(ctx, cfg)
	defer cleanup()
	if err != nil {
		return err
	}

	entries, err := st.EntriesSince(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	snap, err := st.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		snap = nil
	case err != nil:
		return fmt.Errorf("read snapshot: %w", err)
	}

	full, err := engine.NewReplayer()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := full.Apply(e); err != nil {
			return err
		}
		slog.Debug("replayed", "seq", e.Seq, "kind", e.Kind, "identity", e.Identity, "root", e.Root)
		if snap != nil && e.Seq == snap.Seq && full.Root != snap.Root {
			return fmt.Errorf("%w: stored snapshot %d records %s, journal gives %s", engine.ErrRootMismatch, snap.Seq, snap.Root, full.Root)
		}
	}
	if snap != nil && snap.Seq > full.Seq {
		return fmt.Errorf("stored snapshot %d is ahead of the journal tip %d", snap.Seq, full.Seq)
	}
	slog.Info("journal verified", "entries", len(entries), "seq", full.Seq, "root", full.Root)

	if checkArchive {
		archiver, err := bootstrap.OpenArchive(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		if archiver == nil {
			return errors.New("-archive needs ARCHIVE_BUCKET")
		}
		archived, err := archiver.Latest(ctx)
		if err != nil {
			return fmt.Errorf("latest archived snapshot: %w", err)
		}
		if err := verifyFrom(archived, entries, full.Root); err != nil {
			return err
		}
		slog.Info("archived snapshot verified", "seq", archived.Seq, "root", archived.Root)
	}

	fmt.Printf("seq=%d root=%s\n", full.Seq, full.Root)
	return nil
}

// verifyFrom replays the journal tail on top of snap and checks it reaches
// want.
func verifyFrom(snap *model.Snapshot, entries []model.JournalEntry, want string) error {
	r, err := engine.ReplayerFromSnapshot(snap)
	if err != nil {
		return err
	}
	if snap.Seq > uint64(len(entries)) {
		return fmt.Errorf("archived snapshot %d is ahead of the journal tip %d", snap.Seq, len(entries))
	}
	if err := r.ApplyAll(entries[snap.Seq:]); err != nil {
		return err
	}
	if r.Root != want {
		return fmt.Errorf("%w: archived snapshot %d leads to %s, journal gives %s", engine.ErrRootMismatch, snap.Seq, r.Root, want)
	}
	return nil
}
