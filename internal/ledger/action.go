package ledger

// Kind identifies an action in the wire envelope. Values are part of the
// committed format and must never be renumbered.
type Kind uint8

const (
	KindSetAdmin Kind = iota + 1
	KindInitialize
	KindCreateMarket
	KindPlaceBet
	KindResolveMarket
	KindClaimWinnings
	KindGetBalance
	KindGetMarketInfo
)

var kindNames = map[Kind]string{
	KindSetAdmin:      "SetAdmin",
	KindInitialize:    "Initialize",
	KindCreateMarket:  "CreateMarket",
	KindPlaceBet:      "PlaceBet",
	KindResolveMarket: "ResolveMarket",
	KindClaimWinnings: "ClaimWinnings",
	KindGetBalance:    "GetBalance",
	KindGetMarketInfo: "GetMarketInfo",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Action is the closed set of commands the ledger accepts.
type Action interface {
	Kind() Kind
	// ReadOnly reports whether the action never mutates state.
	ReadOnly() bool
	apply(s *State, caller Identity) (string, error)
}

// SetAdmin designates the identity allowed to resolve markets.
type SetAdmin struct {
	NewAdmin Identity
}

// Initialize grants the caller InitialBalance, once.
type Initialize struct{}

// CreateMarket opens a new market owned by the caller.
type CreateMarket struct {
	Description string
}

// PlaceBet stakes Amount of the caller's balance on Side of MarketID.
type PlaceBet struct {
	MarketID uint64
	Side     Side
	Amount   Amount
}

// ResolveMarket settles MarketID with Outcome. Admin only.
type ResolveMarket struct {
	MarketID uint64
	Outcome  Side
}

// ClaimWinnings settles the caller's first unclaimed bet on MarketID.
type ClaimWinnings struct {
	MarketID uint64
}

// GetBalance reports the caller's balance.
type GetBalance struct{}

// GetMarketInfo reports a market's description, status and pools.
type GetMarketInfo struct {
	MarketID uint64
}

func (SetAdmin) Kind() Kind      { return KindSetAdmin }
func (Initialize) Kind() Kind    { return KindInitialize }
func (CreateMarket) Kind() Kind  { return KindCreateMarket }
func (PlaceBet) Kind() Kind      { return KindPlaceBet }
func (ResolveMarket) Kind() Kind { return KindResolveMarket }
func (ClaimWinnings) Kind() Kind { return KindClaimWinnings }
func (GetBalance) Kind() Kind    { return KindGetBalance }
func (GetMarketInfo) Kind() Kind { return KindGetMarketInfo }

func (SetAdmin) ReadOnly() bool      { return false }
func (Initialize) ReadOnly() bool    { return false }
func (CreateMarket) ReadOnly() bool  { return false }
func (PlaceBet) ReadOnly() bool      { return false }
func (ResolveMarket) ReadOnly() bool { return false }
func (ClaimWinnings) ReadOnly() bool { return false }
func (GetBalance) ReadOnly() bool    { return true }
func (GetMarketInfo) ReadOnly() bool { return true }

// MarketRef returns the market an action targets, if any.
func MarketRef(a Action) (uint64, bool) {
	switch a := a.(type) {
	case PlaceBet:
		return a.MarketID, true
	case ResolveMarket:
		return a.MarketID, true
	case ClaimWinnings:
		return a.MarketID, true
	case GetMarketInfo:
		return a.MarketID, true
	default:
		return 0, false
	}
}
