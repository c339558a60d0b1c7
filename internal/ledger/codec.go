package ledger

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire format versions. Decoders accept every version up to the current
// one; fields are keyed by integers and unknown keys are ignored, so new
// fields can be appended without invalidating committed state.
const (
	ActionVersion uint8 = 1
	StateVersion  uint8 = 1
)

var (
	ErrMalformedAction    = errors.New("ledger: malformed action")
	ErrUnknownAction      = errors.New("ledger: unknown action kind")
	ErrUnsupportedVersion = errors.New("ledger: unsupported encoding version")
	ErrMalformedState     = errors.New("ledger: malformed state")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding: shortest integers, sorted map keys,
	// definite lengths. Identical values always encode to identical bytes.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// Nonced is a decoded action together with its optional nonce. The ledger
// itself never inspects the nonce.
type Nonced struct {
	Action Action
	Nonce  uint64
}

type envelope struct {
	Version uint8           `cbor:"1,keyasint"`
	Kind    Kind            `cbor:"2,keyasint"`
	Nonce   uint64          `cbor:"3,keyasint,omitempty"`
	Body    cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

type setAdminBody struct {
	NewAdmin string `cbor:"1,keyasint"`
}

type createMarketBody struct {
	Description string `cbor:"1,keyasint"`
}

type placeBetBody struct {
	MarketID uint64 `cbor:"1,keyasint"`
	Side     bool   `cbor:"2,keyasint"`
	Amount   []byte `cbor:"3,keyasint"`
}

type resolveMarketBody struct {
	MarketID uint64 `cbor:"1,keyasint"`
	Outcome  bool   `cbor:"2,keyasint"`
}

type marketBody struct {
	MarketID uint64 `cbor:"1,keyasint"`
}

// EncodeAction returns the canonical bytes of a with nonce attached.
func EncodeAction(a Action, nonce uint64) ([]byte, error) {
	var body any
	switch a := a.(type) {
	case SetAdmin:
		body = setAdminBody{NewAdmin: string(a.NewAdmin)}
	case Initialize, GetBalance:
	case CreateMarket:
		body = createMarketBody{Description: a.Description}
	case PlaceBet:
		body = placeBetBody{MarketID: a.MarketID, Side: bool(a.Side), Amount: a.Amount.Bytes()}
	case ResolveMarket:
		body = resolveMarketBody{MarketID: a.MarketID, Outcome: bool(a.Outcome)}
	case ClaimWinnings:
		body = marketBody{MarketID: a.MarketID}
	case GetMarketInfo:
		body = marketBody{MarketID: a.MarketID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}

	env := envelope{Version: ActionVersion, Kind: a.Kind(), Nonce: nonce}
	if body != nil {
		raw, err := encMode.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
		}
		env.Body = raw
	}
	return encMode.Marshal(env)
}

// DecodeAction parses bytes produced by EncodeAction.
func DecodeAction(data []byte) (Nonced, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Nonced{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	if env.Version == 0 || env.Version > ActionVersion {
		return Nonced{}, fmt.Errorf("%w: action v%d", ErrUnsupportedVersion, env.Version)
	}

	body := func(v any) error {
		if len(env.Body) == 0 {
			return fmt.Errorf("%w: %s without body", ErrMalformedAction, env.Kind)
		}
		if err := decMode.Unmarshal(env.Body, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedAction, env.Kind, err)
		}
		return nil
	}

	var a Action
	switch env.Kind {
	case KindSetAdmin:
		var b setAdminBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		a = SetAdmin{NewAdmin: Identity(b.NewAdmin)}
	case KindInitialize:
		a = Initialize{}
	case KindCreateMarket:
		var b createMarketBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		a = CreateMarket{Description: b.Description}
	case KindPlaceBet:
		var b placeBetBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		amount, err := AmountFromBytes(b.Amount)
		if err != nil {
			return Nonced{}, err
		}
		a = PlaceBet{MarketID: b.MarketID, Side: Side(b.Side), Amount: amount}
	case KindResolveMarket:
		var b resolveMarketBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		a = ResolveMarket{MarketID: b.MarketID, Outcome: Side(b.Outcome)}
	case KindClaimWinnings:
		var b marketBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		a = ClaimWinnings{MarketID: b.MarketID}
	case KindGetBalance:
		a = GetBalance{}
	case KindGetMarketInfo:
		var b marketBody
		if err := body(&b); err != nil {
			return Nonced{}, err
		}
		a = GetMarketInfo{MarketID: b.MarketID}
	default:
		return Nonced{}, fmt.Errorf("%w: %d", ErrUnknownAction, env.Kind)
	}
	return Nonced{Action: a, Nonce: env.Nonce}, nil
}

// Execute decodes payload, applies it on behalf of caller and returns the
// result message as bytes.
func (s *State) Execute(caller Identity, payload []byte) ([]byte, error) {
	n, err := DecodeAction(payload)
	if err != nil {
		return nil, err
	}
	msg, err := s.Apply(caller, n.Action)
	if err != nil {
		return nil, err
	}
	return []byte(msg), nil
}

type stateWire struct {
	Version      uint8         `cbor:"1,keyasint"`
	NextMarketID uint64        `cbor:"2,keyasint"`
	Admin        *string       `cbor:"3,keyasint,omitempty"`
	Height       uint64        `cbor:"4,keyasint"`
	Accounts     []accountWire `cbor:"5,keyasint"`
	Markets      []marketWire  `cbor:"6,keyasint"`
}

type accountWire struct {
	Identity    string    `cbor:"1,keyasint"`
	Balance     []byte    `cbor:"2,keyasint"`
	Initialized bool      `cbor:"3,keyasint"`
	Bets        []betWire `cbor:"4,keyasint"`
}

type betWire struct {
	MarketID uint64 `cbor:"1,keyasint"`
	Side     bool   `cbor:"2,keyasint"`
	Amount   []byte `cbor:"3,keyasint"`
	Claimed  bool   `cbor:"4,keyasint"`
}

type marketWire struct {
	ID          uint64      `cbor:"1,keyasint"`
	Creator     string      `cbor:"2,keyasint"`
	Description string      `cbor:"3,keyasint"`
	YesPool     []byte      `cbor:"4,keyasint"`
	NoPool      []byte      `cbor:"5,keyasint"`
	YesBettors  []stakeWire `cbor:"6,keyasint"`
	NoBettors   []stakeWire `cbor:"7,keyasint"`
	Status      uint8       `cbor:"8,keyasint"`
	CreatedAt   uint64      `cbor:"9,keyasint"`
}

type stakeWire struct {
	Identity string `cbor:"1,keyasint"`
	Amount   []byte `cbor:"2,keyasint"`
}

// Commit serializes the full state. Accounts, markets and stakes are
// written in ascending key order so equal states commit to equal bytes.
func (s *State) Commit() ([]byte, error) {
	w := stateWire{
		Version:      StateVersion,
		NextMarketID: s.nextMarketID,
		Height:       s.height,
		Accounts:     make([]accountWire, 0, len(s.accounts)),
		Markets:      make([]marketWire, 0, len(s.markets)),
	}
	if s.hasAdmin {
		admin := string(s.admin)
		w.Admin = &admin
	}

	for _, id := range s.Identities() {
		a := s.accounts[id]
		aw := accountWire{
			Identity:    string(id),
			Balance:     a.Balance.Bytes(),
			Initialized: a.Initialized,
			Bets:        make([]betWire, 0, len(a.Bets)),
		}
		for _, b := range a.Bets {
			aw.Bets = append(aw.Bets, betWire{
				MarketID: b.MarketID,
				Side:     bool(b.Side),
				Amount:   b.Amount.Bytes(),
				Claimed:  b.Claimed,
			})
		}
		w.Accounts = append(w.Accounts, aw)
	}

	for _, id := range s.MarketIDs() {
		m := s.markets[id]
		w.Markets = append(w.Markets, marketWire{
			ID:          m.ID,
			Creator:     string(m.Creator),
			Description: m.Description,
			YesPool:     m.YesPool.Bytes(),
			NoPool:      m.NoPool.Bytes(),
			YesBettors:  stakesWire(m.YesBettors),
			NoBettors:   stakesWire(m.NoBettors),
			Status:      uint8(m.Status),
			CreatedAt:   m.CreatedAt,
		})
	}

	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("commit state: %w", err)
	}
	return data, nil
}

func stakesWire(stakes map[Identity]Amount) []stakeWire {
	out := make([]stakeWire, 0, len(stakes))
	for _, id := range sortedIdentities(stakes) {
		out = append(out, stakeWire{Identity: string(id), Amount: stakes[id].Bytes()})
	}
	return out
}

// DecodeState rebuilds a State from Commit output and checks its
// invariants.
func DecodeState(data []byte) (*State, error) {
	var w stateWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if w.Version == 0 || w.Version > StateVersion {
		return nil, fmt.Errorf("%w: state v%d", ErrUnsupportedVersion, w.Version)
	}

	s := NewState()
	s.nextMarketID = w.NextMarketID
	s.height = w.Height
	if w.Admin != nil {
		s.admin = Identity(*w.Admin)
		s.hasAdmin = true
	}

	for _, aw := range w.Accounts {
		id := Identity(aw.Identity)
		if _, dup := s.accounts[id]; dup {
			return nil, fmt.Errorf("%w: duplicate account %q", ErrMalformedState, id)
		}
		balance, err := AmountFromBytes(aw.Balance)
		if err != nil {
			return nil, fmt.Errorf("%w: account %q: %v", ErrMalformedState, id, err)
		}
		acct := &Account{Balance: balance, Initialized: aw.Initialized}
		for _, bw := range aw.Bets {
			amount, err := AmountFromBytes(bw.Amount)
			if err != nil {
				return nil, fmt.Errorf("%w: account %q: %v", ErrMalformedState, id, err)
			}
			acct.Bets = append(acct.Bets, Bet{
				MarketID: bw.MarketID,
				Side:     Side(bw.Side),
				Amount:   amount,
				Claimed:  bw.Claimed,
			})
		}
		s.accounts[id] = acct
	}

	for _, mw := range w.Markets {
		if _, dup := s.markets[mw.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate market #%d", ErrMalformedState, mw.ID)
		}
		m, err := decodeMarket(mw)
		if err != nil {
			return nil, err
		}
		if m.ID == 0 || m.ID >= s.nextMarketID {
			return nil, fmt.Errorf("%w: market #%d outside id range", ErrMalformedState, m.ID)
		}
		s.markets[m.ID] = m
	}
	return s, nil
}

func decodeMarket(mw marketWire) (*Market, error) {
	if mw.Status > uint8(StatusResolvedNo) {
		return nil, fmt.Errorf("%w: market #%d status %d", ErrMalformedState, mw.ID, mw.Status)
	}
	m := &Market{
		ID:          mw.ID,
		Creator:     Identity(mw.Creator),
		Description: mw.Description,
		Status:      MarketStatus(mw.Status),
		CreatedAt:   mw.CreatedAt,
	}
	var err error
	if m.YesPool, err = AmountFromBytes(mw.YesPool); err != nil {
		return nil, fmt.Errorf("%w: market #%d: %v", ErrMalformedState, mw.ID, err)
	}
	if m.NoPool, err = AmountFromBytes(mw.NoPool); err != nil {
		return nil, fmt.Errorf("%w: market #%d: %v", ErrMalformedState, mw.ID, err)
	}
	if m.YesBettors, err = decodeStakes(mw.YesBettors, m.YesPool); err != nil {
		return nil, fmt.Errorf("%w: market #%d yes side: %v", ErrMalformedState, mw.ID, err)
	}
	if m.NoBettors, err = decodeStakes(mw.NoBettors, m.NoPool); err != nil {
		return nil, fmt.Errorf("%w: market #%d no side: %v", ErrMalformedState, mw.ID, err)
	}
	return m, nil
}

// decodeStakes rebuilds a bettor map and checks it sums to pool.
func decodeStakes(ws []stakeWire, pool Amount) (map[Identity]Amount, error) {
	stakes := make(map[Identity]Amount, len(ws))
	var sum Amount
	for _, sw := range ws {
		amount, err := AmountFromBytes(sw.Amount)
		if err != nil {
			return nil, err
		}
		if _, dup := stakes[Identity(sw.Identity)]; dup {
			return nil, fmt.Errorf("duplicate bettor %q", sw.Identity)
		}
		var ok bool
		if sum, ok = sum.Add(amount); !ok {
			return nil, ErrAmountOverflow
		}
		stakes[Identity(sw.Identity)] = amount
	}
	if sum.Cmp(pool) != 0 {
		return nil, fmt.Errorf("stakes sum to %s, pool is %s", sum, pool)
	}
	return stakes, nil
}
