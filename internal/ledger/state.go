// Package ledger implements the parimutuel prediction-market state machine.
//
// A State owns every account and market. It is advanced one action at a
// time by Apply, which is deterministic: no clocks, no randomness, and no
// dependence on map iteration order. A rejected action returns an error and
// leaves the State exactly as it was.
//
// All monetary values are 128-bit unsigned integers (Amount), never float64.
package ledger

import (
	"maps"
	"slices"

	"github.com/shopspring/decimal"
)

// InitialBalance is granted once per identity by Initialize.
var InitialBalance = NewAmount(10_000)

// Identity is the opaque caller key that indexes accounts and stakes.
type Identity string

// Side is the outcome a bet backs. Yes is true, No is false.
type Side bool

const (
	Yes Side = true
	No  Side = false
)

func (s Side) String() string {
	if s {
		return "YES"
	}
	return "NO"
}

// MarketStatus moves from Open to exactly one terminal value.
type MarketStatus uint8

const (
	StatusOpen MarketStatus = iota
	StatusResolvedYes
	StatusResolvedNo
)

func (s MarketStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusResolvedYes:
		return "Resolved: YES"
	case StatusResolvedNo:
		return "Resolved: NO"
	default:
		return "Unknown"
	}
}

// Winner returns the winning side of a resolved market.
func (s MarketStatus) Winner() (Side, bool) {
	switch s {
	case StatusResolvedYes:
		return Yes, true
	case StatusResolvedNo:
		return No, true
	default:
		return No, false
	}
}

func statusFor(outcome Side) MarketStatus {
	if outcome {
		return StatusResolvedYes
	}
	return StatusResolvedNo
}

// Bet is one stake placed by one identity. Only Claimed ever changes.
type Bet struct {
	MarketID uint64
	Side     Side
	Amount   Amount
	Claimed  bool
}

// Account is the per-identity balance sheet.
type Account struct {
	Balance     Amount
	Initialized bool
	Bets        []Bet
}

func (a *Account) clone() *Account {
	c := *a
	c.Bets = slices.Clone(a.Bets)
	return &c
}

// Market is a single yes/no proposition with two stake pools.
// YesPool always equals the sum of YesBettors, and likewise for No.
type Market struct {
	ID          uint64
	Creator     Identity
	Description string
	YesPool     Amount
	NoPool      Amount
	YesBettors  map[Identity]Amount
	NoBettors   map[Identity]Amount
	Status      MarketStatus
	CreatedAt   uint64 // ledger height at creation
}

func (m *Market) clone() *Market {
	c := *m
	c.YesBettors = maps.Clone(m.YesBettors)
	c.NoBettors = maps.Clone(m.NoBettors)
	return &c
}

// Pool returns the pool backing side.
func (m *Market) Pool(side Side) Amount {
	if side {
		return m.YesPool
	}
	return m.NoPool
}

// TotalPool returns YesPool + NoPool exactly. The sum of two pools can
// need 129 bits, so it is not an Amount.
func (m *Market) TotalPool() decimal.Decimal {
	return m.YesPool.Decimal().Add(m.NoPool.Decimal())
}

// Stake returns id's cumulative stake on side.
func (m *Market) Stake(id Identity, side Side) Amount {
	if side {
		return m.YesBettors[id]
	}
	return m.NoBettors[id]
}

// State is the complete ledger. The zero value is not usable; call NewState.
type State struct {
	accounts     map[Identity]*Account
	markets      map[uint64]*Market
	nextMarketID uint64
	admin        Identity
	hasAdmin     bool
	height       uint64
}

// NewState returns an empty ledger with no admin.
func NewState() *State {
	return &State{
		accounts:     make(map[Identity]*Account),
		markets:      make(map[uint64]*Market),
		nextMarketID: 1,
	}
}

// NewStateWithAdmin returns an empty ledger whose admin is already set.
func NewStateWithAdmin(admin Identity) *State {
	s := NewState()
	s.admin = admin
	s.hasAdmin = true
	return s
}

// Clone returns a deep copy that shares nothing with s.
func (s *State) Clone() *State {
	c := &State{
		accounts:     make(map[Identity]*Account, len(s.accounts)),
		markets:      make(map[uint64]*Market, len(s.markets)),
		nextMarketID: s.nextMarketID,
		admin:        s.admin,
		hasAdmin:     s.hasAdmin,
		height:       s.height,
	}
	for id, a := range s.accounts {
		c.accounts[id] = a.clone()
	}
	for id, m := range s.markets {
		c.markets[id] = m.clone()
	}
	return c
}

// Reset drops every account, market and the admin designation. The market
// id counter survives so ids are never reused within a running instance.
// This is host-level state replacement, not a ledger action.
func (s *State) Reset() {
	s.accounts = make(map[Identity]*Account)
	s.markets = make(map[uint64]*Market)
	s.admin = ""
	s.hasAdmin = false
}

// Account returns a copy of id's account.
func (s *State) Account(id Identity) (Account, bool) {
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a.clone(), true
}

// Market returns a copy of market id.
func (s *State) Market(id uint64) (Market, bool) {
	m, ok := s.markets[id]
	if !ok {
		return Market{}, false
	}
	return *m.clone(), true
}

// Identities returns every known identity in ascending order.
func (s *State) Identities() []Identity {
	return sortedIdentities(s.accounts)
}

func sortedIdentities[V any](m map[Identity]V) []Identity {
	return slices.Sorted(maps.Keys(m))
}

// MarketIDs returns every market id in ascending order.
func (s *State) MarketIDs() []uint64 {
	return slices.Sorted(maps.Keys(s.markets))
}

// Admin returns the designated admin, if any.
func (s *State) Admin() (Identity, bool) {
	return s.admin, s.hasAdmin
}

// NextMarketID is the id the next CreateMarket will receive.
func (s *State) NextMarketID() uint64 {
	return s.nextMarketID
}

// Height counts state-changing actions applied so far.
func (s *State) Height() uint64 {
	return s.height
}

// Minted returns the total balance ever granted by Initialize to accounts
// that currently exist.
func (s *State) Minted() Amount {
	var total Amount
	for _, id := range s.Identities() {
		if s.accounts[id].Initialized {
			total, _ = total.Add(InitialBalance)
		}
	}
	return total
}

// Circulating returns Σ balances + Σ pools of open markets. It never
// exceeds Minted.
func (s *State) Circulating() Amount {
	var total Amount
	for _, id := range s.Identities() {
		total, _ = total.Add(s.accounts[id].Balance)
	}
	for _, id := range s.MarketIDs() {
		if m := s.markets[id]; m.Status == StatusOpen {
			total, _ = total.Add(m.YesPool)
			total, _ = total.Add(m.NoPool)
		}
	}
	return total
}
