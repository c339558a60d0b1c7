// Package model defines the records the ledger harness persists and the
// read-model views it projects from ledger state.
// Amounts leave the core as shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// KindReset marks a journal entry that replaced the whole ledger state.
const KindReset = "Reset"

// JournalEntry is an accepted, state-changing action. Entries are
// immutable and form a gap-free sequence starting at 1.
type JournalEntry struct {
	Seq       uint64    `json:"seq" db:"seq"`
	ID        string    `json:"id" db:"id"`
	TxHash    string    `json:"tx_hash" db:"tx_hash"`
	Identity  string    `json:"identity" db:"identity"`
	Kind      string    `json:"kind" db:"kind"`
	Nonce     uint64    `json:"nonce" db:"nonce"`
	Payload   []byte    `json:"payload" db:"payload"` // canonical action bytes
	Result    string    `json:"result" db:"result"`
	Root      string    `json:"root" db:"root"` // state root after this entry
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Snapshot is a committed ledger state at a journal sequence number.
type Snapshot struct {
	Seq       uint64    `json:"seq" db:"seq"`
	Root      string    `json:"root" db:"root"`
	State     []byte    `json:"state" db:"state"`
	Nonces    []byte    `json:"nonces,omitempty" db:"nonces"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AccountView is the projected balance sheet of one identity.
type AccountView struct {
	Identity    string          `json:"identity" db:"identity"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	Initialized bool            `json:"initialized" db:"initialized"`
	Bets        int             `json:"bets" db:"bets"`
	Unclaimed   int             `json:"unclaimed" db:"unclaimed"`
	Seq         uint64          `json:"seq" db:"seq"` // journal seq of last change
}

// Market statuses as they appear in views.
const (
	StatusOpen        = "open"
	StatusResolvedYes = "resolved_yes"
	StatusResolvedNo  = "resolved_no"
)

// MarketView is the projected state of one market.
type MarketView struct {
	ID          uint64          `json:"id" db:"id"`
	Creator     string          `json:"creator" db:"creator"`
	Description string          `json:"description" db:"description"`
	YesPool     decimal.Decimal `json:"yes_pool" db:"yes_pool"`
	NoPool      decimal.Decimal `json:"no_pool" db:"no_pool"`
	TotalPool   decimal.Decimal `json:"total_pool" db:"total_pool"`
	YesBettors  int             `json:"yes_bettors" db:"yes_bettors"`
	NoBettors   int             `json:"no_bettors" db:"no_bettors"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   uint64          `json:"created_at" db:"created_at"` // ledger height
	Seq         uint64          `json:"seq" db:"seq"`
}
