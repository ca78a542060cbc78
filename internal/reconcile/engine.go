// Package reconcile correlates forwarded M-Pesa notifications with escrow
// transactions and drives them through the escrow lifecycle.
//
// The only synchronisation point between concurrent callers is the
// notification store's conditional consume. Transaction writes use a version
// compare-and-set, and no lock is held across storage calls.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/escrow"
	"github.com/mmynk/tillsafe/internal/extract"
	"github.com/mmynk/tillsafe/internal/metrics"
	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/notify"
	"github.com/mmynk/tillsafe/internal/phone"
	"github.com/mmynk/tillsafe/internal/storage"
)

const (
	defaultMaxWriteAttempts = 16
	defaultOpenScanLimit    = 500
)

// Tokens generates and verifies release tokens.
type Tokens interface {
	Generate(transactionID string) string
	Verify(transactionID, token string) bool
}

// Engine orchestrates phone normalization, notification consumption, amount
// extraction, the escrow state machine and buyer notifications.
type Engine struct {
	store    storage.Store
	parser   extract.Parser
	tokens   Tokens
	notifier notify.Notifier
	logger   *slog.Logger

	baseURL           string
	reconcileOnIngest bool
	maxWriteAttempts  int
	openScanLimit     int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseURL sets the public URL used to build confirm-delivery links.
func WithBaseURL(u string) Option {
	return func(e *Engine) {
		e.baseURL = strings.TrimRight(u, "/")
	}
}

// WithReconcileOnIngest makes IngestNotification immediately reconcile the
// open transaction whose phone appears in the new text.
func WithReconcileOnIngest(enabled bool) Option {
	return func(e *Engine) {
		e.reconcileOnIngest = enabled
	}
}

// WithMaxWriteAttempts bounds how often a transaction write is retried after
// losing a version race.
func WithMaxWriteAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWriteAttempts = n
		}
	}
}

// WithOpenScanLimit bounds how many open transactions are scanned on ingest.
func WithOpenScanLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.openScanLimit = n
		}
	}
}

// New creates an Engine. All collaborators are required.
func New(store storage.Store, parser extract.Parser, tokens Tokens, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		parser:           parser,
		tokens:           tokens,
		notifier:         notifier,
		logger:           logger,
		maxWriteAttempts: defaultMaxWriteAttempts,
		openScanLimit:    defaultOpenScanLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request selects the transaction to reconcile. TransactionID takes
// precedence over Phone. When Token is set it must be the release token of
// TransactionID.
type Request struct {
	TransactionID string
	Phone         string
	Token         string
}

// Result reports the outcome of a reconcile call. Matched is false whenever
// no notification was applied; that is a normal outcome.
type Result struct {
	Matched        bool
	AlreadySettled bool
	TransactionID  string
	NotificationID string
	Paid           decimal.Decimal
	NewTotal       decimal.Decimal
	Status         models.Status
}

// Reconcile applies the most recent matching notification, if any, to the
// requested transaction.
func (e *Engine) Reconcile(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, outcome, err := e.reconcile(ctx, req)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	metrics.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, req Request) (*Result, string, error) {
	tx, err := e.resolve(ctx, req)
	if err != nil {
		return nil, "error", err
	}
	if tx == nil {
		return &Result{Paid: decimal.Zero, NewTotal: decimal.Zero}, "no_transaction", nil
	}

	res := &Result{
		TransactionID: tx.ID,
		Paid:          decimal.Zero,
		NewTotal:      tx.AmountPaid,
		Status:        tx.Status,
	}
	if tx.Status == models.StatusReleased {
		res.AlreadySettled = true
		return res, "already_settled", nil
	}

	suffix := phone.Suffix(tx.NormalizedPhone)
	candidates, err := e.store.ListUnconsumedContaining(ctx, suffix, 1)
	if err != nil {
		return nil, "error", dependencyErr("query notifications", err)
	}
	if len(candidates) == 0 {
		return res, "no_notification", nil
	}
	n := candidates[0]

	claimed, err := e.store.MarkConsumedIfUnconsumed(ctx, n.ID, tx.ID)
	if err != nil {
		return nil, "error", dependencyErr("consume notification", err)
	}
	if !claimed {
		// Another caller took it. They will apply it; we report no match.
		e.logger.Debug("Notification claimed concurrently",
			"notification_id", n.ID,
			"transaction_id", tx.ID,
		)
		return res, "lost_race", nil
	}

	amount, ok := e.parser.Extract(n.RawText)
	if !ok {
		// The notification stays consumed so it can never be replayed.
		metrics.UnparsedAmounts.Inc()
		e.logger.Warn("No amount found in notification, crediting zero",
			"notification_id", n.ID,
			"transaction_id", tx.ID,
		)
		amount = decimal.Zero
	}

	updated, err := e.credit(ctx, tx, amount)
	if errors.Is(err, escrow.ErrAlreadySettled) {
		e.logger.Error("Notification consumed for a settled transaction",
			"notification_id", n.ID,
			"transaction_id", tx.ID,
			"amount", amount.String(),
		)
		res.AlreadySettled = true
		res.Status = models.StatusReleased
		return res, "already_settled", nil
	}
	if err != nil {
		e.logger.Error("Failed to record payment for consumed notification",
			"notification_id", n.ID,
			"transaction_id", tx.ID,
			"amount", amount.String(),
			"error", err,
		)
		return nil, "error", err
	}

	e.logger.Info("Payment reconciled",
		"transaction_id", updated.ID,
		"notification_id", n.ID,
		"paid", amount.String(),
		"total", updated.AmountPaid.String(),
		"status", updated.Status,
	)
	e.notifyPayment(ctx, updated, amount)

	return &Result{
		Matched:        true,
		TransactionID:  updated.ID,
		NotificationID: n.ID,
		Paid:           amount,
		NewTotal:       updated.AmountPaid,
		Status:         updated.Status,
	}, "matched", nil
}

// resolve finds the target transaction: by ID first, otherwise the newest
// open transaction for the phone. A nil transaction means nothing to do.
func (e *Engine) resolve(ctx context.Context, req Request) (*models.Transaction, error) {
	switch {
	case req.TransactionID != "":
		if req.Token != "" {
			if err := e.VerifyToken(req.TransactionID, req.Token); err != nil {
				return nil, err
			}
		}
		tx, err := e.store.GetTransaction(ctx, req.TransactionID)
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, dependencyErr("get transaction", err)
		}
		return tx, nil

	case strings.TrimSpace(req.Phone) != "":
		normalized := phone.Normalize(req.Phone)
		if !phone.Valid(normalized) {
			return nil, fmt.Errorf("%w: phone %q is not a valid mobile number", models.ErrValidation, req.Phone)
		}
		tx, err := e.store.FindOpenTransactionByPhone(ctx, normalized)
		if err != nil {
			return nil, dependencyErr("find transaction by phone", err)
		}
		return tx, nil

	default:
		return nil, fmt.Errorf("%w: transaction_id or phone is required", models.ErrValidation)
	}
}

// credit adds amount to the transaction, re-reading and retrying when a
// concurrent writer moved its version. The caller owns the consumed
// notification, so re-applying the same amount cannot double count.
func (e *Engine) credit(ctx context.Context, tx *models.Transaction, amount decimal.Decimal) (*models.Transaction, error) {
	current := tx
	for attempt := 0; attempt < e.maxWriteAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := e.store.GetTransaction(ctx, tx.ID)
			if err != nil {
				return nil, dependencyErr("reload transaction", err)
			}
			current = fresh
		}

		next := current.Clone()
		if err := escrow.Credit(next, amount); err != nil {
			return nil, err
		}

		err := e.store.UpdateTransactionIfVersion(ctx, next)
		if err == nil {
			if next.Status != current.Status {
				metrics.StatusTransitions.WithLabelValues(string(next.Status)).Inc()
			}
			return next, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, dependencyErr("update transaction", err)
		}
	}
	return nil, fmt.Errorf("%w: transaction %s kept changing, retry later", models.ErrConflict, tx.ID)
}

func (e *Engine) notifyPayment(ctx context.Context, tx *models.Transaction, paid decimal.Decimal) {
	vars := map[string]string{
		"transaction_id": tx.ID,
		"buyer_name":     tx.BuyerName,
		"product":        tx.ProductName,
		"paid":           paid.StringFixed(2),
		"total":          tx.AmountPaid.StringFixed(2),
		"expected":       tx.ExpectedAmount.StringFixed(2),
		"balance":        tx.Balance().StringFixed(2),
	}

	kind := notify.KindPartialPayment
	if tx.Status == models.StatusHeld {
		kind = notify.KindConfirmDelivery
		vars["confirm_url"] = e.ConfirmURL(tx.ID)
	}
	e.send(ctx, tx, kind, vars)
}

func (e *Engine) send(ctx context.Context, tx *models.Transaction, kind notify.Kind, vars map[string]string) {
	err := e.notifier.Send(ctx, notify.Message{To: tx.BuyerEmail, Kind: kind, Vars: vars})
	if err != nil {
		// Delivery never undoes a committed state change.
		metrics.OutboundNotifications.WithLabelValues(string(kind), "error").Inc()
		e.logger.Warn("Failed to notify buyer",
			"transaction_id", tx.ID,
			"kind", kind,
			"error", dependencyErr("notify", err),
		)
	}
}

// ConfirmURL builds the confirm-delivery link carrying a fresh release token.
func (e *Engine) ConfirmURL(transactionID string) string {
	q := url.Values{}
	q.Set("id", transactionID)
	q.Set("token", e.tokens.Generate(transactionID))
	return e.baseURL + "/confirm?" + q.Encode()
}

// ReleaseToken returns the release token for a transaction.
func (e *Engine) ReleaseToken(transactionID string) string {
	return e.tokens.Generate(transactionID)
}

// TokenMatches reports whether tok belongs to transactionID without counting
// a rejection.
func (e *Engine) TokenMatches(transactionID, tok string) bool {
	return e.tokens.Verify(transactionID, tok)
}

// VerifyToken returns models.ErrSecurity unless tok belongs to transactionID.
func (e *Engine) VerifyToken(transactionID, tok string) error {
	if !e.TokenMatches(transactionID, tok) {
		metrics.RejectedTokens.Inc()
		return models.ErrSecurity
	}
	return nil
}

// dependencyErr classifies a storage failure. Not-found and conflict errors
// keep their class; anything else is an unavailable dependency.
func dependencyErr(op string, err error) error {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", models.ErrExternalDependency, op, err)
}
