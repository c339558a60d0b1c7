// Package engine hosts the ledger: it serialises actions, journals every
// accepted state change, keeps the read model current, and takes
// snapshots that recovery and archiving build on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/metrics"
	"github.com/atmx/parimutuel-ledger/internal/model"
	"github.com/atmx/parimutuel-ledger/internal/store"
)

var (
	// ErrStaleNonce is returned when nonce enforcement is on and an action
	// does not carry a nonce above the caller's last accepted one.
	ErrStaleNonce = errors.New("engine: stale nonce")
	// ErrNotReady is returned before Recover has completed.
	ErrNotReady = errors.New("engine: not recovered")
)

// Event types published to the Broadcaster.
const (
	EventAction         = "action_applied"
	EventMarketResolved = "market_resolved"
	EventReset          = "reset"
	EventSnapshot       = "snapshot"
)

// Event describes an accepted state change.
type Event struct {
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Identity  string    `json:"identity,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	MarketID  uint64    `json:"market_id,omitempty"`
	Result    string    `json:"result,omitempty"`
	Root      string    `json:"root"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster receives events after they are journalled.
type Broadcaster interface {
	Broadcast(Event)
}

// Archiver copies snapshots to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, snap *model.Snapshot) error
}

// Options configures an Engine.
type Options struct {
	// Admin, when set, is installed with a journalled SetAdmin on first
	// start of an empty ledger.
	Admin ledger.Identity
	// EnforceNonces rejects state-changing actions whose nonce is not above
	// the caller's last accepted nonce.
	EnforceNonces bool
	// SnapshotEvery takes a snapshot after that many journalled entries.
	// Zero disables automatic snapshots.
	SnapshotEvery uint64

	Archiver    Archiver
	Broadcaster Broadcaster
	Now         func() time.Time
}

// Receipt is the outcome of an accepted action. Seq is zero for queries,
// which are never journalled.
type Receipt struct {
	Seq    uint64 `json:"seq,omitempty"`
	TxHash string `json:"tx_hash"`
	Kind   string `json:"kind"`
	Result string `json:"result"`
	Root   string `json:"root,omitempty"`
}

// Engine owns the ledger state. All methods are safe for concurrent use;
// actions are applied one at a time in a single global order.
type Engine struct {
	store store.Store
	opts  Options

	mu            sync.Mutex
	ready         bool
	state         *ledger.State
	committed     []byte
	seq           uint64
	root          string
	nonces        map[ledger.Identity]uint64
	sinceSnapshot uint64
}

// New creates an engine on top of st. Call Recover before Execute.
func New(st store.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: st, opts: opts}
}

// Recover loads the latest snapshot, replays the journal after it, and
// rebuilds the read model. On an empty ledger with a configured admin it
// journals the admin assignment.
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.startingPoint(ctx)
	if err != nil {
		return err
	}
	entries, err := e.store.EntriesSince(ctx, r.Seq, 0)
	if err != nil {
		return fmt.Errorf("engine: read journal: %w", err)
	}
	if err := r.ApplyAll(entries); err != nil {
		return err
	}

	e.state, e.committed = r.State, r.committed
	e.seq, e.root = r.Seq, r.Root
	e.nonces = cloneNonces(r.Nonces)
	e.sinceSnapshot = uint64(len(entries))
	e.ready = true

	slog.Info("ledger recovered", "seq", e.seq, "root", e.root, "replayed", len(entries))

	if err := e.rebuildProjections(ctx); err != nil {
		return err
	}
	metrics.JournalHeight.Set(float64(e.seq))

	if e.seq == 0 {
		return e.installAdmin(ctx)
	}
	return nil
}

// installAdmin journals a SetAdmin for the configured admin when the
// ledger has none.
func (e *Engine) installAdmin(ctx context.Context) error {
	if _, hasAdmin := e.state.Admin(); hasAdmin || e.opts.Admin == "" {
		return nil
	}
	payload, err := ledger.EncodeAction(ledger.SetAdmin{NewAdmin: e.opts.Admin}, e.nonces[e.opts.Admin]+1)
	if err != nil {
		return err
	}
	if _, err := e.execute(ctx, e.opts.Admin, payload); err != nil {
		return fmt.Errorf("engine: install admin: %w", err)
	}
	slog.Info("admin installed", "admin", e.opts.Admin, "seq", e.seq)
	return nil
}

func (e *Engine) startingPoint(ctx context.Context) (*Replayer, error) {
	snap, err := e.store.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return NewReplayer()
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load snapshot: %w", err)
	}
	return ReplayerFromSnapshot(snap)
}

// Execute decodes and applies one canonical action on behalf of identity.
// Rejected actions leave the ledger untouched and return the core error.
func (e *Engine) Execute(ctx context.Context, identity ledger.Identity, payload []byte) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil, ErrNotReady
	}
	return e.execute(ctx, identity, payload)
}

func (e *Engine) execute(ctx context.Context, identity ledger.Identity, payload []byte) (*Receipt, error) {
	start := time.Now()

	n, err := ledger.DecodeAction(payload)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues("unknown", outcome(err)).Inc()
		return nil, err
	}
	kind := n.Action.Kind().String()
	defer func() {
		metrics.ActionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	receipt := &Receipt{TxHash: TxHash(identity, payload), Kind: kind}

	if n.Action.ReadOnly() {
		msg, err := e.state.Apply(identity, n.Action)
		metrics.ActionsTotal.WithLabelValues(kind, outcome(err)).Inc()
		if err != nil {
			return nil, err
		}
		receipt.Result = msg
		return receipt, nil
	}

	if e.opts.EnforceNonces && n.Nonce <= e.nonces[identity] {
		metrics.ActionsTotal.WithLabelValues(kind, outcome(ErrStaleNonce)).Inc()
		return nil, fmt.Errorf("%w: got %d, last accepted %d", ErrStaleNonce, n.Nonce, e.nonces[identity])
	}

	nextMarket := e.state.NextMarketID()
	msg, err := e.state.Apply(identity, n.Action)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues(kind, outcome(err)).Inc()
		return nil, err
	}

	committed, err := e.state.Commit()
	if err != nil {
		e.restore()
		return nil, fmt.Errorf("engine: commit: %w", err)
	}
	entry := &model.JournalEntry{
		Seq:       e.seq + 1,
		ID:        uuid.NewString(),
		TxHash:    receipt.TxHash,
		Identity:  string(identity),
		Kind:      kind,
		Nonce:     n.Nonce,
		Payload:   payload,
		Result:    msg,
		Root:      StateRoot(committed),
		Timestamp: e.opts.Now().UTC(),
	}
	if err := e.store.AppendEntry(ctx, entry); err != nil {
		e.restore()
		return nil, fmt.Errorf("engine: journal: %w", err)
	}

	e.seq, e.root, e.committed = entry.Seq, entry.Root, committed
	if n.Nonce > e.nonces[identity] {
		e.nonces[identity] = n.Nonce
	}
	metrics.ActionsTotal.WithLabelValues(kind, outcome(nil)).Inc()
	metrics.JournalHeight.Set(float64(e.seq))

	marketID, hasMarket := ledger.MarketRef(n.Action)
	if e.state.NextMarketID() != nextMarket {
		marketID, hasMarket = nextMarket, true
	}
	e.project(ctx, identity, marketID, hasMarket)
	observe(n.Action)

	ev := Event{
		Type:      EventAction,
		Seq:       entry.Seq,
		Identity:  entry.Identity,
		Kind:      kind,
		Result:    msg,
		Root:      entry.Root,
		Timestamp: entry.Timestamp,
	}
	if hasMarket {
		ev.MarketID = marketID
	}
	if n.Action.Kind() == ledger.KindResolveMarket {
		ev.Type = EventMarketResolved
	}
	e.publish(ev)

	slog.Info("action applied",
		"seq", entry.Seq,
		"identity", identity,
		"kind", kind,
		"result", msg,
	)

	e.sinceSnapshot++
	if e.opts.SnapshotEvery > 0 && e.sinceSnapshot >= e.opts.SnapshotEvery {
		if _, err := e.snapshot(ctx); err != nil {
			slog.Error("periodic snapshot failed", "seq", e.seq, "err", err)
		}
	}

	receipt.Seq, receipt.Result, receipt.Root = entry.Seq, msg, entry.Root
	return receipt, nil
}

// restore rolls the live state back to the last journalled commitment.
func (e *Engine) restore() {
	state, err := ledger.DecodeState(e.committed)
	if err != nil {
		// The bytes were produced by Commit; failing here means memory corruption.
		panic(fmt.Sprintf("engine: restore committed state: %v", err))
	}
	e.state = state
}

// Commit takes a snapshot of the current state on demand.
func (e *Engine) Commit(ctx context.Context) (*model.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil, ErrNotReady
	}
	return e.snapshot(ctx)
}

func (e *Engine) snapshot(ctx context.Context) (*model.Snapshot, error) {
	nonces, err := encodeNonces(e.nonces)
	if err != nil {
		return nil, err
	}
	snap := &model.Snapshot{
		Seq:       e.seq,
		Root:      e.root,
		State:     e.committed,
		Nonces:    nonces,
		CreatedAt: e.opts.Now().UTC(),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("engine: save snapshot: %w", err)
	}
	e.sinceSnapshot = 0
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()
	slog.Info("snapshot saved", "seq", snap.Seq, "root", snap.Root, "bytes", len(snap.State))

	if e.opts.Archiver != nil {
		if err := e.opts.Archiver.Archive(ctx, snap); err != nil {
			slog.Warn("snapshot archive failed", "seq", snap.Seq, "err", err)
		}
	}
	e.publish(Event{Type: EventSnapshot, Seq: snap.Seq, Root: snap.Root, Timestamp: snap.CreatedAt})
	return snap, nil
}

// Reset journals a reset marker, clears accounts, markets and the admin,
// drops the read model, reinstalls the configured admin, and snapshots the
// result. The market id counter survives.
func (e *Engine) Reset(ctx context.Context, operator string) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil, ErrNotReady
	}

	next := e.state.Clone()
	next.Reset()
	committed, err := next.Commit()
	if err != nil {
		return nil, fmt.Errorf("engine: commit: %w", err)
	}
	entry := &model.JournalEntry{
		Seq:       e.seq + 1,
		ID:        uuid.NewString(),
		TxHash:    TxHash(ledger.Identity(operator), []byte(fmt.Sprintf("reset/%d", e.seq+1))),
		Identity:  operator,
		Kind:      model.KindReset,
		Root:      StateRoot(committed),
		Timestamp: e.opts.Now().UTC(),
	}
	if err := e.store.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("engine: journal: %w", err)
	}

	e.state, e.committed = next, committed
	e.seq, e.root = entry.Seq, entry.Root
	metrics.JournalHeight.Set(float64(e.seq))
	slog.Warn("ledger reset", "seq", e.seq, "operator", operator)

	if err := e.rebuildProjections(ctx); err != nil {
		slog.Error("projection rebuild after reset failed", "err", err)
	}
	e.publish(Event{Type: EventReset, Seq: e.seq, Identity: operator, Root: e.root, Timestamp: entry.Timestamp})

	if err := e.installAdmin(ctx); err != nil {
		slog.Error("admin install after reset failed", "err", err)
	}
	if _, err := e.snapshot(ctx); err != nil {
		slog.Error("snapshot after reset failed", "seq", e.seq, "err", err)
	}
	return &Receipt{Seq: entry.Seq, TxHash: entry.TxHash, Kind: model.KindReset, Root: entry.Root}, nil
}

// Head returns the last journalled sequence number and its state root.
func (e *Engine) Head() (uint64, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq, e.root
}

// View calls fn with the live state under the engine lock. fn must not
// retain or modify the state.
func (e *Engine) View(fn func(s *ledger.State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.state)
}

func (e *Engine) publish(ev Event) {
	if e.opts.Broadcaster != nil {
		e.opts.Broadcaster.Broadcast(ev)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := ledger.Code(err); code != "" {
		return code
	}
	if errors.Is(err, ErrStaleNonce) {
		return "StaleNonce"
	}
	return "error"
}
