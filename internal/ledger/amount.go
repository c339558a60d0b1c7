package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AmountBits is the width of every balance, pool and stake.
const AmountBits = 128

var (
	// ErrInvalidAmount is returned when parsing a negative, fractional or
	// malformed amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrAmountTooLarge is returned when a value does not fit in 128 bits.
	ErrAmountTooLarge = errors.New("ledger: amount exceeds 128 bits")
)

// Amount is an unsigned 128-bit quantity of ledger units. It is carried in
// a 256-bit word so that the product of two amounts never overflows.
// The zero value is 0.
type Amount struct {
	u uint256.Int
}

// NewAmount returns v as an Amount.
func NewAmount(v uint64) Amount {
	var a Amount
	a.u.SetUint64(v)
	return a
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (Amount, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if u.BitLen() > AmountBits {
		return Amount{}, fmt.Errorf("%w: %s", ErrAmountTooLarge, s)
	}
	return Amount{u: *u}, nil
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromDecimal converts a non-negative integral decimal.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() || !d.IsInteger() {
		return Amount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	return ParseAmount(d.BigInt().String())
}

// AmountFromBytes decodes a big-endian byte string produced by Bytes.
func AmountFromBytes(b []byte) (Amount, error) {
	if len(b) > AmountBits/8 {
		return Amount{}, fmt.Errorf("%w: %d bytes", ErrAmountTooLarge, len(b))
	}
	var a Amount
	a.u.SetBytes(b)
	return a, nil
}

// Bytes returns the minimal big-endian encoding (empty for zero).
func (a Amount) Bytes() []byte {
	if a.u.IsZero() {
		return []byte{}
	}
	return a.u.Bytes()
}

// Add returns a+b; ok is false if the sum does not fit in 128 bits.
func (a Amount) Add(b Amount) (sum Amount, ok bool) {
	sum.u.Add(&a.u, &b.u)
	if sum.u.BitLen() > AmountBits {
		return Amount{}, false
	}
	return sum, true
}

// Sub returns a-b; ok is false if b > a.
func (a Amount) Sub(b Amount) (diff Amount, ok bool) {
	if _, underflow := diff.u.SubOverflow(&a.u, &b.u); underflow {
		return Amount{}, false
	}
	return diff, true
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.u.Cmp(&b.u)
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool {
	return a.u.Lt(&b.u)
}

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool {
	return a.u.IsZero()
}

// String returns the base-10 representation.
func (a Amount) String() string {
	return a.u.Dec()
}

// Decimal converts a to a shopspring decimal for JSON and SQL boundaries.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.u.ToBig(), 0)
}

// MarshalJSON encodes the amount as a quoted base-10 string so that values
// above 2^53 survive JavaScript clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted or bare base-10 integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// mulDiv returns floor(a*b/c) using the full 256-bit product. c must be
// non-zero and the quotient must fit in 128 bits.
func mulDiv(a, b, c Amount) (q Amount, ok bool) {
	var prod uint256.Int
	if _, overflow := prod.MulOverflow(&a.u, &b.u); overflow {
		return Amount{}, false
	}
	q.u.Div(&prod, &c.u)
	if q.u.BitLen() > AmountBits {
		return Amount{}, false
	}
	return q, true
}
