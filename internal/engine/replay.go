package engine

import (
	"errors"
	"fmt"
	"maps"

	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/model"
)

var (
	// ErrJournalGap is returned when journal entries are not consecutive.
	ErrJournalGap = errors.New("engine: journal sequence gap")
	// ErrReplayDiverged is returned when a journalled action no longer
	// applies, or applies with a different result.
	ErrReplayDiverged = errors.New("engine: replay diverged from journal")
	// ErrRootMismatch is returned when a recomputed state root differs from
	// the recorded one.
	ErrRootMismatch = errors.New("engine: state root mismatch")
)

// Replayer re-applies journal entries on top of a state and checks each
// recorded root. It is used for crash recovery and offline verification.
type Replayer struct {
	State  *ledger.State
	Seq    uint64
	Root   string
	Nonces map[ledger.Identity]uint64

	committed []byte
}

// NewReplayer starts from the empty ledger at sequence zero.
func NewReplayer() (*Replayer, error) {
	state := ledger.NewState()
	committed, err := state.Commit()
	if err != nil {
		return nil, err
	}
	return &Replayer{
		State:     state,
		Root:      StateRoot(committed),
		Nonces:    make(map[ledger.Identity]uint64),
		committed: committed,
	}, nil
}

// ReplayerFromSnapshot starts from a stored snapshot after verifying that
// its root matches its state bytes.
func ReplayerFromSnapshot(snap *model.Snapshot) (*Replayer, error) {
	if root := StateRoot(snap.State); root != snap.Root {
		return nil, fmt.Errorf("%w: snapshot %d records %s, state hashes to %s", ErrRootMismatch, snap.Seq, snap.Root, root)
	}
	state, err := ledger.DecodeState(snap.State)
	if err != nil {
		return nil, fmt.Errorf("engine: snapshot %d: %w", snap.Seq, err)
	}
	nonces, err := decodeNonces(snap.Nonces)
	if err != nil {
		return nil, err
	}
	return &Replayer{
		State:     state,
		Seq:       snap.Seq,
		Root:      snap.Root,
		Nonces:    nonces,
		committed: snap.State,
	}, nil
}

// Apply replays one entry. On error the replayer must be discarded.
func (r *Replayer) Apply(entry model.JournalEntry) error {
	if entry.Seq != r.Seq+1 {
		return fmt.Errorf("%w: have %d, next entry is %d", ErrJournalGap, r.Seq, entry.Seq)
	}

	if entry.Kind == model.KindReset {
		r.State.Reset()
	} else {
		n, err := ledger.DecodeAction(entry.Payload)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrReplayDiverged, entry.Seq, err)
		}
		caller := ledger.Identity(entry.Identity)
		msg, err := r.State.Apply(caller, n.Action)
		if err != nil {
			return fmt.Errorf("%w: entry %d rejected: %v", ErrReplayDiverged, entry.Seq, err)
		}
		if msg != entry.Result {
			return fmt.Errorf("%w: entry %d returned %q, journal has %q", ErrReplayDiverged, entry.Seq, msg, entry.Result)
		}
		if n.Nonce > r.Nonces[caller] {
			r.Nonces[caller] = n.Nonce
		}
	}

	committed, err := r.State.Commit()
	if err != nil {
		return err
	}
	root := StateRoot(committed)
	if root != entry.Root {
		return fmt.Errorf("%w: entry %d computed %s, journal has %s", ErrRootMismatch, entry.Seq, root, entry.Root)
	}
	r.Seq, r.Root, r.committed = entry.Seq, root, committed
	return nil
}

// ApplyAll replays entries in order and stops at the first error.
func (r *Replayer) ApplyAll(entries []model.JournalEntry) error {
	for _, e := range entries {
		if err := r.Apply(e); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the replayed state as a snapshot record.
func (r *Replayer) Snapshot() (*model.Snapshot, error) {
	nonces, err := encodeNonces(r.Nonces)
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{
		Seq:    r.Seq,
		Root:   r.Root,
		State:  r.committed,
		Nonces: nonces,
	}, nil
}

func cloneNonces(n map[ledger.Identity]uint64) map[ledger.Identity]uint64 {
	if n == nil {
		return make(map[ledger.Identity]uint64)
	}
	return maps.Clone(n)
}
