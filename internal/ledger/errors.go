package ledger

import "errors"

// Rejection reasons. Every handler returns one of these (possibly wrapped
// with detail) and leaves the state untouched when it does.
var (
	ErrAlreadyInitialized  = errors.New("ledger: user already initialized")
	ErrNotInitialized      = errors.New("ledger: user not initialized")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrMarketNotFound      = errors.New("ledger: market not found")
	ErrMarketNotOpen       = errors.New("ledger: market is not open")
	ErrMarketNotResolved   = errors.New("ledger: market not resolved yet")
	ErrUnauthorized        = errors.New("ledger: unauthorized")
	ErrUserNotFound        = errors.New("ledger: user not found")
	ErrNoUnclaimedBet      = errors.New("ledger: no unclaimed bet found for this market")
	ErrNoWinningPool       = errors.New("ledger: no winning pool")

	// ErrAmountOverflow guards credits that would exceed 2^128-1.
	ErrAmountOverflow = errors.New("ledger: amount overflow")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrNotInitialized, "NotInitialized"},
	{ErrInsufficientBalance, "InsufficientBalance"},
	{ErrMarketNotFound, "MarketNotFound"},
	{ErrMarketNotOpen, "MarketNotOpen"},
	{ErrMarketNotResolved, "MarketNotResolved"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrUserNotFound, "UserNotFound"},
	{ErrNoUnclaimedBet, "NoUnclaimedBet"},
	{ErrNoWinningPool, "NoWinningPool"},
	{ErrAmountOverflow, "AmountOverflow"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrAmountTooLarge, "InvalidAmount"},
	{ErrMalformedAction, "MalformedAction"},
	{ErrUnknownAction, "MalformedAction"},
	{ErrUnsupportedVersion, "MalformedAction"},
}

// Code returns the stable name of a rejection, or "" if err is not one of
// the ledger's errors.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
