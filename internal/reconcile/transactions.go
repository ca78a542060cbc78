package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/escrow"
	"github.com/mmynk/tillsafe/internal/metrics"
	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/notify"
	"github.com/mmynk/tillsafe/internal/phone"
)

// NewTransaction holds the checkout details for CreateTransaction.
type NewTransaction struct {
	SellerID       string
	ProductName    string
	ExpectedAmount decimal.Decimal
	BuyerName      string
	BuyerEmail     string
	Phone          string
}

func (n NewTransaction) validate() error {
	var missing []string
	if strings.TrimSpace(n.SellerID) == "" {
		missing = append(missing, "seller_id")
	}
	if strings.TrimSpace(n.ProductName) == "" {
		missing = append(missing, "product_name")
	}
	if strings.TrimSpace(n.BuyerName) == "" {
		missing = append(missing, "buyer_name")
	}
	if strings.TrimSpace(n.BuyerEmail) == "" {
		missing = append(missing, "buyer_email")
	}
	if strings.TrimSpace(n.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", models.ErrValidation, strings.Join(missing, ", "))
	}

	if _, err := mail.ParseAddress(n.BuyerEmail); err != nil {
		return fmt.Errorf("%w: buyer_email is not a valid address", models.ErrValidation)
	}
	if !n.ExpectedAmount.IsPositive() {
		return fmt.Errorf("%w: expected_amount must be greater than zero", models.ErrValidation)
	}
	if !n.ExpectedAmount.Equal(n.ExpectedAmount.Round(2)) {
		return fmt.Errorf("%w: expected_amount has more than two decimal places", models.ErrValidation)
	}
	return validatePhone(n.Phone)
}

func validatePhone(raw string) error {
	if !phone.Valid(phone.Normalize(raw)) {
		return fmt.Errorf("%w: phone %q is not a valid mobile number", models.ErrValidation, raw)
	}
	return nil
}

// CreateTransaction records a new Pending transaction for a checkout.
func (e *Engine) CreateTransaction(ctx context.Context, n NewTransaction) (*models.Transaction, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		SellerID:        strings.TrimSpace(n.SellerID),
		ProductName:     strings.TrimSpace(n.ProductName),
		ExpectedAmount:  n.ExpectedAmount,
		BuyerName:       strings.TrimSpace(n.BuyerName),
		BuyerEmail:      strings.TrimSpace(n.BuyerEmail),
		NormalizedPhone: phone.Normalize(n.Phone),
		AmountPaid:      decimal.Zero,
		Status:          models.StatusPending,
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, dependencyErr("create transaction", err)
	}

	e.logger.Info("Transaction created",
		"transaction_id", tx.ID,
		"seller_id", tx.SellerID,
		"expected", tx.ExpectedAmount.String(),
	)
	return tx, nil
}

// ResubmitPayment replaces the phone number of an unpaid transaction by
// creating a new row for the same order. The original row is kept unchanged.
func (e *Engine) ResubmitPayment(ctx context.Context, transactionID, tok, newPhone string) (*models.Transaction, error) {
	if err := e.VerifyToken(transactionID, tok); err != nil {
		return nil, err
	}
	if err := validatePhone(newPhone); err != nil {
		return nil, err
	}

	old, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, dependencyErr("get transaction", err)
	}
	if old.Status != models.StatusPending || !old.AmountPaid.IsZero() {
		return nil, fmt.Errorf("%w: payment details can only be changed before any payment is received", models.ErrConflict)
	}

	history, err := e.store.ListTransactionsByOrder(ctx, old.OrderRef)
	if err != nil {
		return nil, dependencyErr("list order history", err)
	}
	for _, row := range history {
		if row.SupersedesID == old.ID {
			return nil, fmt.Errorf("%w: transaction %s was already resubmitted as %s", models.ErrConflict, old.ID, row.ID)
		}
	}

	tx := &models.Transaction{
		OrderRef:        old.OrderRef,
		SupersedesID:    old.ID,
		SellerID:        old.SellerID,
		ProductName:     old.ProductName,
		ExpectedAmount:  old.ExpectedAmount,
		BuyerName:       old.BuyerName,
		BuyerEmail:      old.BuyerEmail,
		NormalizedPhone: phone.Normalize(newPhone),
		AmountPaid:      decimal.Zero,
		Status:          models.StatusPending,
	}
	if err := e.store.CreateTransaction(ctx, tx); err != nil {
		return nil, dependencyErr("create transaction", err)
	}

	e.logger.Info("Payment details resubmitted",
		"transaction_id", tx.ID,
		"supersedes_id", old.ID,
		"order_ref", tx.OrderRef,
	)
	return tx, nil
}

// GetTransaction returns a snapshot of a transaction. Authorisation is the
// caller's responsibility.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", models.ErrValidation)
	}
	tx, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, dependencyErr("get transaction", err)
	}
	return tx, nil
}

// OrderHistory returns every row created for an order, oldest first.
func (e *Engine) OrderHistory(ctx context.Context, orderRef string) ([]*models.Transaction, error) {
	if strings.TrimSpace(orderRef) == "" {
		return nil, fmt.Errorf("%w: order_ref is required", models.ErrValidation)
	}
	rows, err := e.store.ListTransactionsByOrder(ctx, orderRef)
	if err != nil {
		return nil, dependencyErr("list order history", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderRef)
	}
	return rows, nil
}

// ConfirmDelivery releases a Held transaction when tok is its release token.
// Confirming an already released transaction is a no-op.
func (e *Engine) ConfirmDelivery(ctx context.Context, transactionID, tok string) (*models.Transaction, error) {
	if err := e.VerifyToken(transactionID, tok); err != nil {
		e.logger.Warn("Rejected delivery confirmation", "transaction_id", transactionID)
		return nil, err
	}
	return e.release(ctx, transactionID, "buyer")
}

// ForceRelease releases a Held transaction without a token. It is an
// administrative override; callers must authorise the operator.
func (e *Engine) ForceRelease(ctx context.Context, transactionID string) (*models.Transaction, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, fmt.Errorf("%w: transaction_id is required", models.ErrValidation)
	}
	return e.release(ctx, transactionID, "admin")
}

func (e *Engine) release(ctx context.Context, transactionID, actor string) (*models.Transaction, error) {
	for attempt := 0; attempt < e.maxWriteAttempts; attempt++ {
		current, err := e.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return nil, dependencyErr("get transaction", err)
		}

		next := current.Clone()
		status, err := escrow.Release(current.Status)
		if errors.Is(err, escrow.ErrAlreadySettled) {
			return current, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: transaction is %s", err, current.Status)
		}
		now := time.Now().UTC()
		next.Status = status
		next.ReleasedAt = &now

		err = e.store.UpdateTransactionIfVersion(ctx, next)
		if err == nil {
			metrics.StatusTransitions.WithLabelValues(string(next.Status)).Inc()
			e.logger.Info("Transaction released",
				"transaction_id", next.ID,
				"actor", actor,
				"total", next.AmountPaid.String(),
			)
			e.send(ctx, next, notify.KindPaymentReleased, map[string]string{
				"transaction_id": next.ID,
				"buyer_name":     next.BuyerName,
				"product":        next.ProductName,
				"total":          next.AmountPaid.StringFixed(2),
			})
			return next, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, dependencyErr("update transaction", err)
		}
	}
	return nil, fmt.Errorf("%w: transaction %s kept changing, retry later", models.ErrConflict, transactionID)
}

// IngestResult acknowledges a stored notification. Reconciled is set when
// the notification triggered an immediate reconcile.
type IngestResult struct {
	Notification *models.Notification
	Reconciled   *Result
}

// IngestNotification stores inbound notification text. With
// WithReconcileOnIngest it then reconciles the newest open transaction whose
// phone suffix appears in the text. Reconcile failures are logged only.
func (e *Engine) IngestNotification(ctx context.Context, rawText string) (*IngestResult, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, fmt.Errorf("%w: raw_text is required", models.ErrValidation)
	}

	n, err := e.store.AppendNotification(ctx, rawText)
	if err != nil {
		return nil, dependencyErr("append notification", err)
	}
	metrics.NotificationsIngested.Inc()
	e.logger.Info("Notification ingested", "notification_id", n.ID)

	result := &IngestResult{Notification: n}
	if !e.reconcileOnIngest {
		return result, nil
	}

	tx, err := e.findOpenTransactionIn(ctx, rawText)
	if err != nil {
		e.logger.Warn("Auto-reconcile lookup failed", "notification_id", n.ID, "error", err)
		return result, nil
	}
	if tx == nil {
		return result, nil
	}

	res, err := e.Reconcile(ctx, Request{TransactionID: tx.ID})
	if err != nil {
		e.logger.Warn("Auto-reconcile failed",
			"notification_id", n.ID,
			"transaction_id", tx.ID,
			"error", err,
		)
		return result, nil
	}
	result.Reconciled = res
	return result, nil
}

func (e *Engine) findOpenTransactionIn(ctx context.Context, rawText string) (*models.Transaction, error) {
	open, err := e.store.ListOpenTransactions(ctx, e.openScanLimit)
	if err != nil {
		return nil, dependencyErr("list open transactions", err)
	}
	for _, tx := range open {
		if strings.Contains(rawText, phone.Suffix(tx.NormalizedPhone)) {
			return tx, nil
		}
	}
	return nil, nil
}
