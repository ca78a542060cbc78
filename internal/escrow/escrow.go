// Package escrow implements the legal status transitions of a transaction.
//
//	Pending -> PartiallyPaid -> Held -> Released
//
// Released is terminal and no transition moves backwards.
package escrow

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/models"
)

var (
	// ErrAlreadySettled is returned for any mutation of a Released transaction.
	ErrAlreadySettled = fmt.Errorf("%w: transaction already settled", models.ErrConflict)

	// ErrInvalidTransition is returned when an event is not legal in the
	// current state, e.g. releasing an unfunded transaction.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", models.ErrConflict)

	// ErrNegativeAmount is returned when a payment would reduce the total.
	ErrNegativeAmount = errors.New("payment amount must not be negative")
)

// CanTransition reports whether moving from one status to another is legal.
// Staying in the same status is allowed except for Released, which accepts
// no further events.
func CanTransition(from, to models.Status) bool {
	if from.Rank() < 0 || to.Rank() < 0 {
		return false
	}
	if from == models.StatusReleased {
		return false
	}
	if to == models.StatusReleased {
		return from == models.StatusHeld
	}
	return to.Rank() >= from.Rank()
}

// ApplyFunds returns the status that follows adding funds so that the running
// total becomes newTotal.
func ApplyFunds(current models.Status, newTotal, expected decimal.Decimal) (models.Status, error) {
	if current == models.StatusReleased {
		return current, ErrAlreadySettled
	}
	if newTotal.IsNegative() {
		return current, ErrNegativeAmount
	}

	next := models.StatusPartiallyPaid
	switch {
	case newTotal.GreaterThanOrEqual(expected):
		next = models.StatusHeld
	case newTotal.IsZero():
		// Nothing received yet; a zero credit leaves Pending as it is.
		next = current
	}
	if !CanTransition(current, next) {
		// Held stays Held when a later notification adds to a funded total.
		if current == models.StatusHeld {
			return current, nil
		}
		return current, ErrInvalidTransition
	}
	return next, nil
}

// Release moves a Held transaction to Released.
func Release(current models.Status) (models.Status, error) {
	if current == models.StatusReleased {
		return current, ErrAlreadySettled
	}
	if !CanTransition(current, models.StatusReleased) {
		return current, ErrInvalidTransition
	}
	return models.StatusReleased, nil
}

// Credit adds amount to t and advances its status. t is only modified when
// the transition is legal.
func Credit(t *models.Transaction, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	total := t.AmountPaid.Add(amount)
	next, err := ApplyFunds(t.Status, total, t.ExpectedAmount)
	if err != nil {
		return err
	}
	t.AmountPaid = total
	t.Status = next
	return nil
}
