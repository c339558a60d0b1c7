package ledger

import (
	"fmt"
	"unicode/utf8"
)

// Apply runs a against s on behalf of caller and returns the human-readable
// result. On error s is unchanged: every handler validates before it
// mutates, and none of its mutations can fail.
func (s *State) Apply(caller Identity, a Action) (string, error) {
	if err := checkText(caller, a); err != nil {
		return "", err
	}
	msg, err := a.apply(s, caller)
	if err != nil {
		return "", err
	}
	if !a.ReadOnly() {
		s.height++
	}
	return msg, nil
}

// Apply is the functional form of State.Apply: it returns a new state and
// never touches prev. On error the returned state is prev itself.
func Apply(prev *State, caller Identity, a Action) (*State, string, error) {
	if a.ReadOnly() {
		msg, err := prev.Apply(caller, a)
		return prev, msg, err
	}
	next := prev.Clone()
	msg, err := next.Apply(caller, a)
	if err != nil {
		return prev, "", err
	}
	return next, msg, nil
}

// checkText rejects identities and descriptions that are not valid UTF-8.
// Commit writes them as CBOR text strings, which must decode again.
func checkText(caller Identity, a Action) error {
	if !utf8.ValidString(string(caller)) {
		return fmt.Errorf("%w: caller is not valid UTF-8", ErrMalformedAction)
	}
	switch a := a.(type) {
	case SetAdmin:
		if !utf8.ValidString(string(a.NewAdmin)) {
			return fmt.Errorf("%w: new admin is not valid UTF-8", ErrMalformedAction)
		}
	case CreateMarket:
		if !utf8.ValidString(a.Description) {
			return fmt.Errorf("%w: description is not valid UTF-8", ErrMalformedAction)
		}
	}
	return nil
}

func (a SetAdmin) apply(s *State, caller Identity) (string, error) {
	if s.hasAdmin && s.admin != caller {
		return "", fmt.Errorf("%w: only current admin can change admin", ErrUnauthorized)
	}
	s.admin = a.NewAdmin
	s.hasAdmin = true
	return fmt.Sprintf("Admin set to: %s", a.NewAdmin), nil
}

func (Initialize) apply(s *State, caller Identity) (string, error) {
	acct, ok := s.accounts[caller]
	if ok && acct.Initialized {
		return "", ErrAlreadyInitialized
	}
	if !ok {
		acct = &Account{}
		s.accounts[caller] = acct
	}
	acct.Balance = InitialBalance
	acct.Initialized = true
	return fmt.Sprintf("Initialized with %s balance", InitialBalance), nil
}

func (a CreateMarket) apply(s *State, caller Identity) (string, error) {
	if _, err := s.initialized(caller); err != nil {
		return "", err
	}

	id := s.nextMarketID
	s.nextMarketID++
	s.markets[id] = &Market{
		ID:          id,
		Creator:     caller,
		Description: a.Description,
		YesBettors:  make(map[Identity]Amount),
		NoBettors:   make(map[Identity]Amount),
		Status:      StatusOpen,
		CreatedAt:   s.height,
	}
	return fmt.Sprintf("Market #%d created", id), nil
}

func (a PlaceBet) apply(s *State, caller Identity) (string, error) {
	acct, err := s.initialized(caller)
	if err != nil {
		return "", err
	}
	remaining, ok := acct.Balance.Sub(a.Amount)
	if !ok {
		return "", fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, acct.Balance, a.Amount)
	}

	m, ok := s.markets[a.MarketID]
	if !ok {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotFound, a.MarketID)
	}
	if m.Status != StatusOpen {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotOpen, a.MarketID)
	}

	pool, ok := m.Pool(a.Side).Add(a.Amount)
	if !ok {
		return "", ErrAmountOverflow
	}
	// A stake never exceeds its pool, so this sum cannot overflow.
	stake, _ := m.Stake(caller, a.Side).Add(a.Amount)

	acct.Balance = remaining
	acct.Bets = append(acct.Bets, Bet{
		MarketID: a.MarketID,
		Side:     a.Side,
		Amount:   a.Amount,
	})
	if a.Side == Yes {
		m.YesPool = pool
		m.YesBettors[caller] = stake
	} else {
		m.NoPool = pool
		m.NoBettors[caller] = stake
	}

	return fmt.Sprintf("Bet placed: %s on %s for market #%d. Remaining balance: %s",
		a.Amount, a.Side, a.MarketID, remaining), nil
}

func (a ResolveMarket) apply(s *State, caller Identity) (string, error) {
	switch {
	case !s.hasAdmin:
		return "", fmt.Errorf("%w: no admin set", ErrUnauthorized)
	case s.admin != caller:
		return "", fmt.Errorf("%w: only admin can resolve markets", ErrUnauthorized)
	}

	m, ok := s.markets[a.MarketID]
	if !ok {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotFound, a.MarketID)
	}
	if m.Status != StatusOpen {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotOpen, a.MarketID)
	}

	m.Status = statusFor(a.Outcome)
	return fmt.Sprintf("Market #%d resolved as %s", a.MarketID, a.Outcome), nil
}

func (a ClaimWinnings) apply(s *State, caller Identity) (string, error) {
	m, ok := s.markets[a.MarketID]
	if !ok {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotFound, a.MarketID)
	}
	winner, resolved := m.Status.Winner()
	if !resolved {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotResolved, a.MarketID)
	}

	acct, ok := s.accounts[caller]
	if !ok {
		return "", ErrUserNotFound
	}
	idx := -1
	for i, b := range acct.Bets {
		if b.MarketID == a.MarketID && !b.Claimed {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("%w #%d", ErrNoUnclaimedBet, a.MarketID)
	}

	bet := &acct.Bets[idx]
	if bet.Side != winner {
		bet.Claimed = true
		return "Your bet did not win", nil
	}

	payout, err := Payout(bet.Amount, m.Pool(winner), m.Pool(!winner))
	if err != nil {
		return "", err
	}
	balance, ok := acct.Balance.Add(payout)
	if !ok {
		return "", ErrAmountOverflow
	}

	acct.Balance = balance
	bet.Claimed = true
	return fmt.Sprintf("Claimed %s winnings from market #%d", payout, a.MarketID), nil
}

func (GetBalance) apply(s *State, caller Identity) (string, error) {
	acct, ok := s.accounts[caller]
	if !ok {
		return "", ErrUserNotFound
	}
	return fmt.Sprintf("Balance: %s", acct.Balance), nil
}

func (a GetMarketInfo) apply(s *State, _ Identity) (string, error) {
	m, ok := s.markets[a.MarketID]
	if !ok {
		return "", fmt.Errorf("%w: #%d", ErrMarketNotFound, a.MarketID)
	}
	return fmt.Sprintf("Market #%d: %s\nStatus: %s\nYES pool: %s\nNO pool: %s\nTotal pool: %s",
		m.ID, m.Description, m.Status, m.YesPool, m.NoPool, m.TotalPool()), nil
}

// initialized returns caller's account if it exists and has been initialized.
func (s *State) initialized(caller Identity) (*Account, error) {
	acct, ok := s.accounts[caller]
	if !ok || !acct.Initialized {
		return nil, ErrNotInitialized
	}
	return acct, nil
}
