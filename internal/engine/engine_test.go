package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/model"
	"github.com/atmx/parimutuel-ledger/internal/store"
)

// --- Test helpers ---

type recorder struct {
	mu     sync.Mutex
	events []Event
	snaps  []uint64
}

func (r *recorder) Broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Archive(_ context.Context, snap *model.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap.Seq)
	return nil
}

// flakyStore fails journal appends while failAppend is set.
type flakyStore struct {
	*store.MemoryStore
	failAppend bool
}

func (s *flakyStore) AppendEntry(ctx context.Context, e *model.JournalEntry) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.MemoryStore.AppendEntry(ctx, e)
}

func newEngine(t *testing.T, st store.Store, opts Options) *Engine {
	t.Helper()
	if opts.Admin == "" {
		opts.Admin = "admin"
	}
	e := New(st, opts)
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return e
}

func execute(e *Engine, caller ledger.Identity, a ledger.Action, nonce uint64) (*Receipt, error) {
	payload, err := ledger.EncodeAction(a, nonce)
	if err != nil {
		return nil, err
	}
	return e.Execute(context.Background(), caller, payload)
}

func mustExecute(t *testing.T, e *Engine, caller ledger.Identity, a ledger.Action) *Receipt {
	t.Helper()
	r, err := execute(e, caller, a, 0)
	if err != nil {
		t.Fatalf("%s by %s: %v", a.Kind(), caller, err)
	}
	return r
}

// seedMarket installs alice and bob with opposing bets on market #1.
func seedMarket(t *testing.T, e *Engine) {
	t.Helper()
	mustExecute(t, e, "alice", ledger.Initialize{})
	mustExecute(t, e, "bob", ledger.Initialize{})
	mustExecute(t, e, "admin", ledger.Initialize{})
	mustExecute(t, e, "admin", ledger.CreateMarket{Description: "rain tomorrow"})
	mustExecute(t, e, "alice", ledger.PlaceBet{MarketID: 1, Side: ledger.Yes, Amount: ledger.NewAmount(100)})
	mustExecute(t, e, "bob", ledger.PlaceBet{MarketID: 1, Side: ledger.No, Amount: ledger.NewAmount(300)})
}

// --- Tests ---

func TestRecover_InstallsAdmin(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{})

	seq, root := e.Head()
	if seq != 1 || root == "" {
		t.Fatalf("expected admin install at seq 1, got %d %q", seq, root)
	}
	entries, _ := st.EntriesSince(context.Background(), 0, 0)
	if len(entries) != 1 || entries[0].Kind != "SetAdmin" || entries[0].Result != "Admin set to: admin" {
		t.Errorf("unexpected journal %+v", entries)
	}

	// A second start does not install again.
	e2 := newEngine(t, st, Options{})
	if seq2, root2 := e2.Head(); seq2 != 1 || root2 != root {
		t.Errorf("restart changed head: %d %s", seq2, root2)
	}
}

func TestExecute_SequencesOnlyAcceptedStateChanges(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{})

	r := mustExecute(t, e, "alice", ledger.Initialize{})
	if r.Seq != 2 || r.Result != "Initialized with 10000 balance" {
		t.Errorf("unexpected receipt %+v", r)
	}

	q := mustExecute(t, e, "alice", ledger.GetBalance{})
	if q.Seq != 0 || q.Result != "Balance: 10000" {
		t.Errorf("query receipt %+v", q)
	}

	if _, err := execute(e, "alice", ledger.Initialize{}, 0); !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := e.Execute(context.Background(), "alice", []byte{0xff}); !errors.Is(err, ledger.ErrMalformedAction) {
		t.Errorf("expected ErrMalformedAction, got %v", err)
	}

	if seq, _ := e.Head(); seq != 2 {
		t.Errorf("expected head 2, got %d", seq)
	}
	entries, _ := st.EntriesSince(context.Background(), 0, 0)
	if len(entries) != 2 {
		t.Errorf("expected 2 journal entries, got %d", len(entries))
	}
	if entries[1].TxHash != r.TxHash || entries[1].Root != r.Root {
		t.Errorf("journal entry does not match receipt: %+v", entries[1])
	}
}

func TestExecute_InvalidUTF8KeepsLedgerRecoverable(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, fs, Options{})
	mustExecute(t, e, "alice", ledger.Initialize{})

	if _, err := execute(e, "bad\xff", ledger.Initialize{}, 0); !errors.Is(err, ledger.ErrMalformedAction) {
		t.Fatalf("expected ErrMalformedAction, got %v", err)
	}
	if seq, _ := e.Head(); seq != 2 {
		t.Errorf("rejected identity consumed a seq: head %d", seq)
	}

	// A failed append must still roll back to decodable state.
	fs.failAppend = true
	if _, err := execute(e, "bob", ledger.Initialize{}, 0); err == nil {
		t.Fatal("expected journal failure")
	}
	fs.failAppend = false

	if _, err := e.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fresh := New(fs, Options{Admin: "admin"})
	if err := fresh.Recover(context.Background()); err != nil {
		t.Fatalf("recover after rejected identity: %v", err)
	}
	if got, _ := fresh.Head(); got != 2 {
		t.Errorf("expected recovered head 2, got %d", got)
	}
}

func TestExecute_ProjectsReadModel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{})
	seedMarket(t, e)

	alice, err := st.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !alice.Balance.Equal(decimal.NewFromInt(9_900)) || alice.Bets != 1 || alice.Unclaimed != 1 {
		t.Errorf("unexpected alice view %+v", alice)
	}

	m, err := st.GetMarket(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !m.YesPool.Equal(decimal.NewFromInt(100)) || !m.NoPool.Equal(decimal.NewFromInt(300)) ||
		!m.TotalPool.Equal(decimal.NewFromInt(400)) || m.Status != model.StatusOpen {
		t.Errorf("unexpected market view %+v", m)
	}

	mustExecute(t, e, "admin", ledger.ResolveMarket{MarketID: 1, Outcome: ledger.Yes})
	mustExecute(t, e, "alice", ledger.ClaimWinnings{MarketID: 1})

	m, _ = st.GetMarket(ctx, 1)
	if m.Status != model.StatusResolvedYes {
		t.Errorf("expected resolved_yes, got %s", m.Status)
	}
	alice, _ = st.GetAccount(ctx, "alice")
	if !alice.Balance.Equal(decimal.NewFromInt(10_300)) || alice.Unclaimed != 0 {
		t.Errorf("unexpected alice after claim %+v", alice)
	}

	board, _ := st.Leaderboard(ctx, 1)
	if len(board) != 1 || board[0].Identity != "alice" {
		t.Errorf("unexpected leaderboard %+v", board)
	}
}

func TestExecute_JournalFailureRollsBack(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	e := newEngine(t, st, Options{})
	mustExecute(t, e, "alice", ledger.Initialize{})
	seq, root := e.Head()

	st.failAppend = true
	if _, err := execute(e, "bob", ledger.Initialize{}, 0); err == nil {
		t.Fatal("expected journal error")
	}
	if s, r := e.Head(); s != seq || r != root {
		t.Errorf("head moved after failed journal: %d %s", s, r)
	}

	st.failAppend = false
	if _, err := execute(e, "bob", ledger.GetBalance{}, 0); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("bob should not exist after rollback, got %v", err)
	}
	r := mustExecute(t, e, "bob", ledger.Initialize{})
	if r.Seq != seq+1 {
		t.Errorf("expected seq %d after rollback, got %d", seq+1, r.Seq)
	}
}

func TestRecover_FromSnapshotAndJournal(t *testing.T) {
	st := store.NewMemoryStore()
	rec := &recorder{}
	e := newEngine(t, st, Options{SnapshotEvery: 3, Archiver: rec})
	seedMarket(t, e)
	mustExecute(t, e, "admin", ledger.ResolveMarket{MarketID: 1, Outcome: ledger.No})
	mustExecute(t, e, "bob", ledger.ClaimWinnings{MarketID: 1})

	seq, root := e.Head()
	snap, err := st.LatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("expected a periodic snapshot: %v", err)
	}
	if snap.Seq >= seq {
		t.Fatalf("snapshot %d should trail head %d so replay is exercised", snap.Seq, seq)
	}
	if len(rec.snaps) == 0 {
		t.Error("snapshots were not archived")
	}

	again := newEngine(t, st, Options{})
	if s, r := again.Head(); s != seq || r != root {
		t.Fatalf("recovered head %d %s, want %d %s", s, r, seq, root)
	}
	got := mustExecute(t, again, "bob", ledger.GetBalance{})
	if got.Result != "Balance: 10100" {
		t.Errorf("unexpected recovered balance %q", got.Result)
	}
}

func TestRecover_DetectsTamperedJournal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{})
	seedMarket(t, e)

	entries, _ := st.EntriesSince(ctx, 0, 0)

	tampered := store.NewMemoryStore()
	for i, entry := range entries {
		if i == 4 {
			entry.Result = "Market #7 created"
		}
		if err := tampered.AppendEntry(ctx, &entry); err != nil {
			t.Fatal(err)
		}
	}
	if err := New(tampered, Options{}).Recover(ctx); !errors.Is(err, ErrReplayDiverged) {
		t.Errorf("expected ErrReplayDiverged, got %v", err)
	}

	rooted := store.NewMemoryStore()
	for i, entry := range entries {
		if i == 5 {
			entry.Root = "00"
		}
		rooted.AppendEntry(ctx, &entry)
	}
	if err := New(rooted, Options{}).Recover(ctx); !errors.Is(err, ErrRootMismatch) {
		t.Errorf("expected ErrRootMismatch, got %v", err)
	}
}

func TestExecute_EnforceNonces(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{EnforceNonces: true})

	if _, err := execute(e, "alice", ledger.Initialize{}, 0); !errors.Is(err, ErrStaleNonce) {
		t.Fatalf("expected ErrStaleNonce for nonce 0, got %v", err)
	}
	if _, err := execute(e, "alice", ledger.Initialize{}, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(e, "alice", ledger.CreateMarket{Description: "x"}, 1); !errors.Is(err, ErrStaleNonce) {
		t.Errorf("expected replayed nonce to be rejected, got %v", err)
	}
	if _, err := execute(e, "alice", ledger.CreateMarket{Description: "x"}, 5); err != nil {
		t.Errorf("nonce 5 should pass the guard, got %v", err)
	}
	// Queries are never nonce checked.
	if _, err := execute(e, "alice", ledger.GetBalance{}, 0); err != nil {
		t.Errorf("query rejected: %v", err)
	}
	// Rejected actions do not consume a nonce.
	if _, err := execute(e, "alice", ledger.Initialize{}, 9); !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := execute(e, "alice", ledger.CreateMarket{Description: "y"}, 6); err != nil {
		t.Errorf("nonce 6 should still be accepted: %v", err)
	}

	// Nonces survive recovery through a snapshot.
	if _, err := e.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	again := newEngine(t, st, Options{EnforceNonces: true})
	if _, err := execute(again, "alice", ledger.CreateMarket{Description: "z"}, 6); !errors.Is(err, ErrStaleNonce) {
		t.Errorf("expected ErrStaleNonce after recovery, got %v", err)
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	rec := &recorder{}
	e := newEngine(t, st, Options{Broadcaster: rec})
	seedMarket(t, e)

	r, err := e.Reset(ctx, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != model.KindReset || r.Seq != 8 {
		t.Errorf("unexpected reset receipt %+v", r)
	}

	if _, err := execute(e, "alice", ledger.GetBalance{}, 0); !errors.Is(err, ledger.ErrUserNotFound) {
		t.Errorf("alice should be gone, got %v", err)
	}
	if _, err := st.GetAccount(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("alice view should be gone, got %v", err)
	}
	// The configured admin is reinstalled but must initialize again.
	if seq, _ := e.Head(); seq != 9 {
		t.Errorf("expected admin reinstall at seq 9, got %d", seq)
	}
	mustExecute(t, e, "admin", ledger.Initialize{})
	created := mustExecute(t, e, "admin", ledger.CreateMarket{Description: "after reset"})
	if created.Result != "Market #2 created" {
		t.Errorf("market counter should survive reset, got %q", created.Result)
	}
	mustExecute(t, e, "admin", ledger.ResolveMarket{MarketID: 2, Outcome: ledger.Yes})

	seq, root := e.Head()
	again := newEngine(t, st, Options{})
	if s, ro := again.Head(); s != seq || ro != root {
		t.Errorf("replay through reset gave %d %s, want %d %s", s, ro, seq, root)
	}

	var sawReset bool
	for _, ev := range rec.events {
		if ev.Type == EventReset && ev.Seq == 8 {
			sawReset = true
		}
	}
	if !sawReset {
		t.Error("reset event not broadcast")
	}
}

func TestExecute_Broadcasts(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, store.NewMemoryStore(), Options{Broadcaster: rec})
	seedMarket(t, e)
	mustExecute(t, e, "alice", ledger.GetBalance{})
	mustExecute(t, e, "admin", ledger.ResolveMarket{MarketID: 1, Outcome: ledger.Yes})

	// Admin install, six seed actions, one resolve. Queries are silent.
	if len(rec.events) != 8 {
		t.Fatalf("expected 8 events, got %d", len(rec.events))
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != EventMarketResolved || last.MarketID != 1 || last.Result != "Market #1 resolved as YES" {
		t.Errorf("unexpected resolve event %+v", last)
	}
	created := rec.events[4]
	if created.Kind != "CreateMarket" || created.MarketID != 1 {
		t.Errorf("create event should carry the new market id: %+v", created)
	}
}

func TestExecute_NotReady(t *testing.T) {
	e := New(store.NewMemoryStore(), Options{})
	if _, err := execute(e, "alice", ledger.Initialize{}, 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestExecute_Concurrent(t *testing.T) {
	st := store.NewMemoryStore()
	e := newEngine(t, st, Options{})
	mustExecute(t, e, "admin", ledger.Initialize{})
	mustExecute(t, e, "admin", ledger.CreateMarket{Description: "busy"})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(id ledger.Identity) {
			defer wg.Done()
			execute(e, id, ledger.Initialize{}, 0)
			execute(e, id, ledger.PlaceBet{MarketID: 1, Side: i%2 == 0, Amount: ledger.NewAmount(10)}, 0)
		}(ledger.Identity(rune('a' + i)))
	}
	wg.Wait()

	seq, root := e.Head()
	if seq != 3+40 {
		t.Errorf("expected 43 entries, got %d", seq)
	}
	again := newEngine(t, st, Options{})
	if s, r := again.Head(); s != seq || r != root {
		t.Errorf("replay of concurrent run diverged")
	}
}
