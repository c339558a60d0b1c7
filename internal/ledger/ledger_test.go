package ledger

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
)

func amt(v uint64) Amount {
	return NewAmount(v)
}

func mustApply(t *testing.T, s *State, caller Identity, a Action) string {
	t.Helper()
	msg, err := s.Apply(caller, a)
	if err != nil {
		t.Fatalf("%s by %s: unexpected error: %v", a.Kind(), caller, err)
	}
	return msg
}

func mustCommit(t *testing.T, s *State) []byte {
	t.Helper()
	data, err := s.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return data
}

// expectRejected applies a, checks it fails with want and that the
// committed state did not change.
func expectRejected(t *testing.T, s *State, caller Identity, a Action, want error) {
	t.Helper()
	before := mustCommit(t, s)
	_, err := s.Apply(caller, a)
	if !errors.Is(err, want) {
		t.Fatalf("%s by %s: expected %v, got %v", a.Kind(), caller, want, err)
	}
	if after := mustCommit(t, s); !bytes.Equal(before, after) {
		t.Fatalf("%s by %s: state changed on rejection", a.Kind(), caller)
	}
}

func balanceOf(t *testing.T, s *State, id Identity) Amount {
	t.Helper()
	acct, ok := s.Account(id)
	if !ok {
		t.Fatalf("account %s not found", id)
	}
	return acct.Balance
}

// newMarketState returns a state with admin "admin", initialized accounts
// for ids, and one open market created by the first id.
func newMarketState(t *testing.T, ids ...Identity) *State {
	t.Helper()
	s := NewStateWithAdmin("admin")
	for _, id := range ids {
		mustApply(t, s, id, Initialize{})
	}
	mustApply(t, s, ids[0], CreateMarket{Description: "test market"})
	return s
}

// --- SetAdmin ---

func TestSetAdmin_FirstAssignmentIsOpen(t *testing.T) {
	s := NewState()
	msg := mustApply(t, s, "alice", SetAdmin{NewAdmin: "bob"})
	if msg != "Admin set to: bob" {
		t.Errorf("unexpected message %q", msg)
	}
	if admin, ok := s.Admin(); !ok || admin != "bob" {
		t.Errorf("expected admin bob, got %q (set=%v)", admin, ok)
	}
}

func TestSetAdmin_OnlyCurrentAdminCanReassign(t *testing.T) {
	s := NewStateWithAdmin("admin")
	expectRejected(t, s, "mallory", SetAdmin{NewAdmin: "mallory"}, ErrUnauthorized)

	mustApply(t, s, "admin", SetAdmin{NewAdmin: "carol"})
	if admin, _ := s.Admin(); admin != "carol" {
		t.Errorf("expected admin carol, got %q", admin)
	}
	expectRejected(t, s, "admin", SetAdmin{NewAdmin: "admin"}, ErrUnauthorized)
}

// --- Initialize ---

func TestInitialize_GrantsBalanceOnce(t *testing.T) {
	s := NewState()
	msg := mustApply(t, s, "alice", Initialize{})
	if msg != "Initialized with 10000 balance" {
		t.Errorf("unexpected message %q", msg)
	}
	if got := balanceOf(t, s, "alice"); got.Cmp(amt(10_000)) != 0 {
		t.Fatalf("expected balance 10000, got %s", got)
	}

	expectRejected(t, s, "alice", Initialize{}, ErrAlreadyInitialized)
	if got := balanceOf(t, s, "alice"); got.Cmp(amt(10_000)) != 0 {
		t.Errorf("second Initialize changed balance to %s", got)
	}
}

func TestInitialize_AfterSpendingDoesNotRefill(t *testing.T) {
	s := newMarketState(t, "alice")
	mustApply(t, s, "alice", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(4_000)})
	expectRejected(t, s, "alice", Initialize{}, ErrAlreadyInitialized)
	if got := balanceOf(t, s, "alice"); got.Cmp(amt(6_000)) != 0 {
		t.Errorf("expected 6000, got %s", got)
	}
}

// --- CreateMarket ---

func TestCreateMarket_RequiresInitializedCreator(t *testing.T) {
	s := NewState()
	expectRejected(t, s, "ghost", CreateMarket{Description: "x"}, ErrNotInitialized)
}

func TestCreateMarket_SequentialIDs(t *testing.T) {
	s := NewState()
	mustApply(t, s, "alice", Initialize{})

	for want := uint64(1); want <= 3; want++ {
		mustApply(t, s, "alice", CreateMarket{Description: "m"})
		m, ok := s.Market(want)
		if !ok {
			t.Fatalf("market #%d not found", want)
		}
		if m.Status != StatusOpen || !m.YesPool.IsZero() || !m.NoPool.IsZero() {
			t.Errorf("market #%d not fresh: %+v", want, m)
		}
		if m.Creator != "alice" {
			t.Errorf("expected creator alice, got %s", m.Creator)
		}
	}
	if s.NextMarketID() != 4 {
		t.Errorf("expected next id 4, got %d", s.NextMarketID())
	}
}

func TestCreateMarket_DescriptionVerbatim(t *testing.T) {
	s := NewState()
	mustApply(t, s, "alice", Initialize{})
	desc := "  Will it rain in Paris?\n(yes/no) — ☔  "
	msg := mustApply(t, s, "alice", CreateMarket{Description: desc})
	if msg != "Market #1 created" {
		t.Errorf("unexpected message %q", msg)
	}
	m, _ := s.Market(1)
	if m.Description != desc {
		t.Errorf("description altered: %q", m.Description)
	}
}

// --- PlaceBet ---

func TestPlaceBet_BalanceConserving(t *testing.T) {
	s := newMarketState(t, "alice", "bob")

	msg := mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(100)})
	if msg != "Bet placed: 100 on YES for market #1. Remaining balance: 9900" {
		t.Errorf("unexpected message %q", msg)
	}
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(50)})
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: No, Amount: amt(25)})

	if got := balanceOf(t, s, "bob"); got.Cmp(amt(9_825)) != 0 {
		t.Errorf("expected 9825, got %s", got)
	}
	m, _ := s.Market(1)
	if m.YesPool.Cmp(amt(150)) != 0 || m.NoPool.Cmp(amt(25)) != 0 {
		t.Errorf("unexpected pools yes=%s no=%s", m.YesPool, m.NoPool)
	}
	if got := m.Stake("bob", Yes); got.Cmp(amt(150)) != 0 {
		t.Errorf("repeated YES bets should accumulate to 150, got %s", got)
	}
	if got := m.Stake("bob", No); got.Cmp(amt(25)) != 0 {
		t.Errorf("expected NO stake 25, got %s", got)
	}
	acct, _ := s.Account("bob")
	if len(acct.Bets) != 3 {
		t.Fatalf("expected 3 bet records, got %d", len(acct.Bets))
	}
	for _, b := range acct.Bets {
		if b.Claimed {
			t.Error("new bets must be unclaimed")
		}
	}
}

func TestPlaceBet_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		caller Identity
		bet    PlaceBet
		setup  func(t *testing.T, s *State)
		want   error
	}{
		{
			name:   "unknown identity",
			caller: "ghost",
			bet:    PlaceBet{MarketID: 1, Side: Yes, Amount: amt(1)},
			want:   ErrNotInitialized,
		},
		{
			name:   "insufficient balance",
			caller: "bob",
			bet:    PlaceBet{MarketID: 1, Side: Yes, Amount: amt(10_001)},
			want:   ErrInsufficientBalance,
		},
		{
			name:   "balance checked before market",
			caller: "bob",
			bet:    PlaceBet{MarketID: 99, Side: Yes, Amount: amt(20_000)},
			want:   ErrInsufficientBalance,
		},
		{
			name:   "market not found",
			caller: "bob",
			bet:    PlaceBet{MarketID: 99, Side: No, Amount: amt(1)},
			want:   ErrMarketNotFound,
		},
		{
			name:   "market resolved",
			caller: "bob",
			bet:    PlaceBet{MarketID: 1, Side: No, Amount: amt(1)},
			setup: func(t *testing.T, s *State) {
				mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})
			},
			want: ErrMarketNotOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMarketState(t, "alice", "bob")
			if tt.setup != nil {
				tt.setup(t, s)
			}
			expectRejected(t, s, tt.caller, tt.bet, tt.want)
		})
	}
}

func TestPlaceBet_ExactBalanceAllowed(t *testing.T) {
	s := newMarketState(t, "alice")
	mustApply(t, s, "alice", PlaceBet{MarketID: 1, Side: No, Amount: amt(10_000)})
	if got := balanceOf(t, s, "alice"); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	expectRejected(t, s, "alice", PlaceBet{MarketID: 1, Side: No, Amount: amt(1)}, ErrInsufficientBalance)
}

// --- ResolveMarket ---

func TestResolveMarket_TerminalAndMonotonic(t *testing.T) {
	s := newMarketState(t, "alice")
	msg := mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: No})
	if msg != "Market #1 resolved as NO" {
		t.Errorf("unexpected message %q", msg)
	}
	m, _ := s.Market(1)
	if m.Status != StatusResolvedNo {
		t.Fatalf("expected ResolvedNo, got %s", m.Status)
	}

	expectRejected(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes}, ErrMarketNotOpen)
	expectRejected(t, s, "alice", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(1)}, ErrMarketNotOpen)
}

func TestResolveMarket_Unauthorized(t *testing.T) {
	s := newMarketState(t, "alice", "bob")
	expectRejected(t, s, "bob", ResolveMarket{MarketID: 1, Outcome: Yes}, ErrUnauthorized)
	m, _ := s.Market(1)
	if m.Status != StatusOpen {
		t.Errorf("status changed to %s", m.Status)
	}
}

func TestResolveMarket_NoAdminSet(t *testing.T) {
	s := NewState()
	mustApply(t, s, "alice", Initialize{})
	mustApply(t, s, "alice", CreateMarket{Description: "m"})
	expectRejected(t, s, "alice", ResolveMarket{MarketID: 1, Outcome: Yes}, ErrUnauthorized)
}

func TestResolveMarket_NotFound(t *testing.T) {
	s := NewStateWithAdmin("admin")
	expectRejected(t, s, "admin", ResolveMarket{MarketID: 7, Outcome: Yes}, ErrMarketNotFound)
}

// --- ClaimWinnings ---

func TestClaimWinnings_Rejections(t *testing.T) {
	s := newMarketState(t, "alice", "bob")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(10)})

	expectRejected(t, s, "bob", ClaimWinnings{MarketID: 2}, ErrMarketNotFound)
	expectRejected(t, s, "bob", ClaimWinnings{MarketID: 1}, ErrMarketNotResolved)

	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})
	expectRejected(t, s, "ghost", ClaimWinnings{MarketID: 1}, ErrUserNotFound)
	expectRejected(t, s, "alice", ClaimWinnings{MarketID: 1}, ErrNoUnclaimedBet)
}

func TestClaimWinnings_DoubleClaimPrevented(t *testing.T) {
	s := newMarketState(t, "alice", "bob", "carol")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(300)})
	mustApply(t, s, "carol", PlaceBet{MarketID: 1, Side: No, Amount: amt(700)})
	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})

	msg := mustApply(t, s, "bob", ClaimWinnings{MarketID: 1})
	if msg != "Claimed 1000 winnings from market #1" {
		t.Errorf("unexpected message %q", msg)
	}
	if got := balanceOf(t, s, "bob"); got.Cmp(amt(10_700)) != 0 {
		t.Fatalf("expected 10700, got %s", got)
	}

	expectRejected(t, s, "bob", ClaimWinnings{MarketID: 1}, ErrNoUnclaimedBet)
	if got := balanceOf(t, s, "bob"); got.Cmp(amt(10_700)) != 0 {
		t.Errorf("second claim changed balance to %s", got)
	}
}

func TestClaimWinnings_PayoutExactness(t *testing.T) {
	// winning pool 300 (bob 100, dave 200), losing pool 700.
	s := newMarketState(t, "alice", "bob", "carol", "dave")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(100)})
	mustApply(t, s, "dave", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(200)})
	mustApply(t, s, "carol", PlaceBet{MarketID: 1, Side: No, Amount: amt(700)})
	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})

	mustApply(t, s, "bob", ClaimWinnings{MarketID: 1})
	mustApply(t, s, "dave", ClaimWinnings{MarketID: 1})

	// floor(100*1000/300) = 333, floor(200*1000/300) = 666; 1 unit of dust.
	if got := balanceOf(t, s, "bob"); got.Cmp(amt(9_900+333)) != 0 {
		t.Errorf("bob: expected 10233, got %s", got)
	}
	if got := balanceOf(t, s, "dave"); got.Cmp(amt(9_800+666)) != 0 {
		t.Errorf("dave: expected 10466, got %s", got)
	}
}

func TestClaimWinnings_RepeatedBetsPaidPerBet(t *testing.T) {
	s := newMarketState(t, "alice", "bob", "carol")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(100)})
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(100)})
	mustApply(t, s, "carol", PlaceBet{MarketID: 1, Side: No, Amount: amt(200)})
	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})

	// Each bet pays floor(100*400/200) = 200; the pool is paid out exactly once.
	mustApply(t, s, "bob", ClaimWinnings{MarketID: 1})
	mustApply(t, s, "bob", ClaimWinnings{MarketID: 1})
	expectRejected(t, s, "bob", ClaimWinnings{MarketID: 1}, ErrNoUnclaimedBet)

	if got := balanceOf(t, s, "bob"); got.Cmp(amt(9_800+400)) != 0 {
		t.Errorf("expected 10200, got %s", got)
	}
}

func TestClaimWinnings_LosingBetFirstInOrder(t *testing.T) {
	s := newMarketState(t, "alice", "bob")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: No, Amount: amt(10)})
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(30)})
	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})

	if msg := mustApply(t, s, "bob", ClaimWinnings{MarketID: 1}); msg != "Your bet did not win" {
		t.Errorf("first unclaimed bet lost, got %q", msg)
	}
	if msg := mustApply(t, s, "bob", ClaimWinnings{MarketID: 1}); msg != "Claimed 40 winnings from market #1" {
		t.Errorf("unexpected message %q", msg)
	}
	if got := balanceOf(t, s, "bob"); got.Cmp(amt(10_000)) != 0 {
		t.Errorf("expected 10000, got %s", got)
	}
}

func TestClaimWinnings_ZeroWinningPool(t *testing.T) {
	s := newMarketState(t, "alice", "bob")
	mustApply(t, s, "bob", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(0)})
	mustApply(t, s, "alice", PlaceBet{MarketID: 1, Side: No, Amount: amt(50)})
	mustApply(t, s, "admin", ResolveMarket{MarketID: 1, Outcome: Yes})

	expectRejected(t, s, "bob", ClaimWinnings{MarketID: 1}, ErrNoWinningPool)
}

// --- Queries ---

func TestQueries_ReadOnly(t *testing.T) {
	s := newMarketState(t, "alice")
	mustApply(t, s, "alice", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(40)})
	before := mustCommit(t, s)

	if msg := mustApply(t, s, "alice", GetBalance{}); msg != "Balance: 9960" {
		t.Errorf("unexpected balance message %q", msg)
	}
	want := "Market #1: test market\nStatus: Open\nYES pool: 40\nNO pool: 0\nTotal pool: 40"
	if msg := mustApply(t, s, "anyone", GetMarketInfo{MarketID: 1}); msg != want {
		t.Errorf("unexpected info:\n%s\nwant:\n%s", msg, want)
	}
	if !bytes.Equal(before, mustCommit(t, s)) {
		t.Error("queries mutated state")
	}

	expectRejected(t, s, "ghost", GetBalance{}, ErrUserNotFound)
	expectRejected(t, s, "alice", GetMarketInfo{MarketID: 2}, ErrMarketNotFound)
}

func TestQueries_TotalPoolBeyond128Bits(t *testing.T) {
	s := newMarketState(t, "alice")
	top := MustParseAmount("340282366920938463463374607431768211455")
	s.markets[1].YesPool = top
	s.markets[1].NoPool = top

	msg := mustApply(t, s, "alice", GetMarketInfo{MarketID: 1})
	if want := "Total pool: 680564733841876926926749214863536422910"; !strings.HasSuffix(msg, want) {
		t.Errorf("expected info to end with %q, got:\n%s", want, msg)
	}
}

// --- Text fields must survive a commit ---

func TestApply_RejectsInvalidUTF8(t *testing.T) {
	s := newMarketState(t, "alice")
	bad := "bad\xff"

	expectRejected(t, s, Identity(bad), Initialize{}, ErrMalformedAction)
	expectRejected(t, s, Identity(bad), GetBalance{}, ErrMalformedAction)
	expectRejected(t, s, "alice", CreateMarket{Description: bad}, ErrMalformedAction)
	expectRejected(t, s, "admin", SetAdmin{NewAdmin: Identity(bad)}, ErrMalformedAction)

	if _, err := DecodeState(mustCommit(t, s)); err != nil {
		t.Fatalf("committed state no longer decodes: %v", err)
	}
	_, err := s.Apply(Identity(bad), Initialize{})
	if got := Code(err); got != "MalformedAction" {
		t.Errorf("expected code MalformedAction, got %q", got)
	}
}

// --- Scenario from the product description ---

func TestScenario_RainTomorrow(t *testing.T) {
	s := NewState()
	mustApply(t, s, "A", SetAdmin{NewAdmin: "A"})
	mustApply(t, s, "A", Initialize{})
	if msg := mustApply(t, s, "A", CreateMarket{Description: "rain tomorrow"}); msg != "Market #1 created" {
		t.Fatalf("unexpected message %q", msg)
	}

	mustApply(t, s, "B", Initialize{})
	mustApply(t, s, "B", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(100)})
	if got := balanceOf(t, s, "B"); got.Cmp(amt(9_900)) != 0 {
		t.Fatalf("B: expected 9900, got %s", got)
	}

	mustApply(t, s, "C", Initialize{})
	mustApply(t, s, "C", PlaceBet{MarketID: 1, Side: No, Amount: amt(300)})
	m, _ := s.Market(1)
	if m.YesPool.Cmp(amt(100)) != 0 || m.NoPool.Cmp(amt(300)) != 0 {
		t.Fatalf("unexpected pools yes=%s no=%s", m.YesPool, m.NoPool)
	}

	mustApply(t, s, "A", ResolveMarket{MarketID: 1, Outcome: No})

	if msg := mustApply(t, s, "B", ClaimWinnings{MarketID: 1}); msg != "Your bet did not win" {
		t.Errorf("B: unexpected message %q", msg)
	}
	if got := balanceOf(t, s, "B"); got.Cmp(amt(9_900)) != 0 {
		t.Errorf("B: losing claim changed balance to %s", got)
	}

	if msg := mustApply(t, s, "C", ClaimWinnings{MarketID: 1}); msg != "Claimed 400 winnings from market #1" {
		t.Errorf("C: unexpected message %q", msg)
	}
	if got := balanceOf(t, s, "C"); got.Cmp(amt(10_100)) != 0 {
		t.Errorf("C: expected 10100, got %s", got)
	}
}

// --- Purity, determinism and conservation ---

func TestApply_FunctionalFormLeavesPrevUntouched(t *testing.T) {
	prev := newMarketState(t, "alice")
	before := mustCommit(t, prev)

	next, msg, err := Apply(prev, "alice", PlaceBet{MarketID: 1, Side: Yes, Amount: amt(10)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg == "" || next == prev {
		t.Fatal("expected a new state and a message")
	}
	if !bytes.Equal(before, mustCommit(t, prev)) {
		t.Error("functional Apply mutated its input")
	}

	same, _, err := Apply(prev, "alice", PlaceBet{MarketID: 5, Side: Yes, Amount: amt(10)})
	if !errors.Is(err, ErrMarketNotFound) || same != prev {
		t.Errorf("rejected Apply should return prev, got err=%v", err)
	}
}

func TestReset_KeepsMarketCounter(t *testing.T) {
	s := newMarketState(t, "alice")
	mustApply(t, s, "alice", CreateMarket{Description: "second"})
	s.Reset()

	if len(s.Identities()) != 0 || len(s.MarketIDs()) != 0 {
		t.Fatal("reset left entities behind")
	}
	if _, ok := s.Admin(); ok {
		t.Error("reset kept the admin")
	}
	mustApply(t, s, "alice", Initialize{})
	if msg := mustApply(t, s, "alice", CreateMarket{Description: "after"}); msg != "Market #3 created" {
		t.Errorf("market ids must not be reused after reset, got %q", msg)
	}
}

// randomActions builds a reproducible action sequence over a few identities
// and markets, including many that will be rejected.
func randomActions(seed uint64, n int) []struct {
	caller Identity
	action Action
} {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ids := []Identity{"admin", "u1", "u2", "u3", "u4"}
	out := make([]struct {
		caller Identity
		action Action
	}, 0, n)
	for range n {
		caller := ids[r.IntN(len(ids))]
		market := uint64(r.IntN(5))
		var a Action
		switch r.IntN(8) {
		case 0:
			a = Initialize{}
		case 1:
			a = CreateMarket{Description: "m"}
		case 2, 3, 4:
			a = PlaceBet{MarketID: market, Side: Side(r.IntN(2) == 0), Amount: amt(uint64(r.IntN(3_000)))}
		case 5:
			a = ResolveMarket{MarketID: market, Outcome: Side(r.IntN(2) == 0)}
		case 6:
			a = ClaimWinnings{MarketID: market}
		default:
			a = GetBalance{}
		}
		out = append(out, struct {
			caller Identity
			action Action
		}{caller, a})
	}
	return out
}

func checkPoolInvariant(t *testing.T, s *State) {
	t.Helper()
	for _, id := range s.MarketIDs() {
		m, _ := s.Market(id)
		for _, side := range []Side{Yes, No} {
			bettors := m.YesBettors
			if side == No {
				bettors = m.NoBettors
			}
			var sum Amount
			for _, v := range bettors {
				sum, _ = sum.Add(v)
			}
			if sum.Cmp(m.Pool(side)) != 0 {
				t.Fatalf("market #%d %s pool %s != Σ stakes %s", id, side, m.Pool(side), sum)
			}
		}
	}
}

func TestProperty_ConservationAndAtomicity(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		s := NewStateWithAdmin("admin")
		for i, step := range randomActions(seed, 400) {
			before := mustCommit(t, s)
			_, err := s.Apply(step.caller, step.action)
			if err != nil && !bytes.Equal(before, mustCommit(t, s)) {
				t.Fatalf("seed %d step %d: rejected %s mutated state", seed, i, step.action.Kind())
			}
			if s.Circulating().Cmp(s.Minted()) > 0 {
				t.Fatalf("seed %d step %d: circulating %s exceeds minted %s",
					seed, i, s.Circulating(), s.Minted())
			}
			checkPoolInvariant(t, s)
		}
	}
}

func TestProperty_Deterministic(t *testing.T) {
	run := func() []byte {
		s := NewStateWithAdmin("admin")
		for _, step := range randomActions(42, 500) {
			s.Apply(step.caller, step.action)
		}
		return mustCommit(t, s)
	}
	first := run()
	for i := 0; i < 5; i++ {
		if !bytes.Equal(first, run()) {
			t.Fatal("identical action sequences produced different states")
		}
	}
}
