package ledger

// Payout returns a winning stake's share of the whole market:
//
//	floor(stake × (winningPool + losingPool) / winningPool)
//
// The product is formed in 256 bits, so it cannot overflow for 128-bit
// operands. Division truncates toward zero; the remainder ("dust") stays
// in the market and is never redistributed. Summed over every winning
// stake, payouts never exceed the total pool.
func Payout(stake, winningPool, losingPool Amount) (Amount, error) {
	if winningPool.IsZero() {
		return Amount{}, ErrNoWinningPool
	}
	total, ok := winningPool.Add(losingPool)
	if !ok {
		return Amount{}, ErrAmountOverflow
	}
	payout, ok := mulDiv(stake, total, winningPool)
	if !ok {
		return Amount{}, ErrAmountOverflow
	}
	return payout, nil
}
