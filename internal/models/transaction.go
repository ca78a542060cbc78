package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the escrow state of a transaction.
type Status string

const (
	StatusPending       Status = "Pending"
	StatusPartiallyPaid Status = "PartiallyPaid"
	StatusHeld          Status = "Held"
	StatusReleased      Status = "Released"
)

// Rank orders statuses along the escrow lifecycle. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusPartiallyPaid:
		return 1
	case StatusHeld:
		return 2
	case StatusReleased:
		return 3
	default:
		return -1
	}
}

// Open reports whether the transaction is still waiting for funds.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusPartiallyPaid
}

// Transaction is an escrowed payment from a buyer to a seller.
type Transaction struct {
	// ID is the unique identifier for the transaction (UUID format).
	ID string

	// OrderRef groups every row created for the same checkout. It equals the
	// ID of the first row; resubmitted rows copy it.
	OrderRef string

	// SupersedesID is the row this one replaced through a resubmission.
	// Empty for the first row of an order.
	SupersedesID string

	SellerID    string
	ProductName string

	// ExpectedAmount is the price the buyer must pay. Immutable.
	ExpectedAmount decimal.Decimal

	BuyerName  string
	BuyerEmail string

	// NormalizedPhone is the buyer's number in 2547XXXXXXXX form.
	NormalizedPhone string

	// AmountPaid accumulates reconciled payments. It never decreases.
	AmountPaid decimal.Decimal

	Status Status

	CreatedAt  time.Time
	UpdatedAt  time.Time
	ReleasedAt *time.Time

	// Version is incremented by every persisted mutation and used for
	// compare-and-set updates.
	Version int64
}

// Balance returns how much is still owed, never below zero.
func (t *Transaction) Balance() decimal.Decimal {
	remaining := t.ExpectedAmount.Sub(t.AmountPaid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Clone returns a copy that can be mutated without affecting t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.ReleasedAt != nil {
		at := *t.ReleasedAt
		c.ReleasedAt = &at
	}
	return &c
}
