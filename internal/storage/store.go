// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/tillsafe/internal/models"
)

// TransactionStore persists escrow transactions. Rows are never deleted.
type TransactionStore interface {
	// CreateTransaction persists a new transaction.
	// The ID, OrderRef, CreatedAt and UpdatedAt fields are populated by the
	// store when empty, and Version is set to 1.
	CreateTransaction(ctx context.Context, tx *models.Transaction) error

	// GetTransaction retrieves a transaction by its ID.
	// Returns an error wrapping models.ErrNotFound if it does not exist.
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)

	// UpdateTransactionIfVersion writes the mutable fields of tx (AmountPaid,
	// Status, ReleasedAt) only if the stored version still equals
	// tx.Version. On success tx.Version and tx.UpdatedAt are advanced.
	// Returns an error wrapping models.ErrConflict when the version moved.
	UpdateTransactionIfVersion(ctx context.Context, tx *models.Transaction) error

	// FindOpenTransactionByPhone returns the most recent Pending or
	// PartiallyPaid transaction for a normalized phone, or nil if none.
	FindOpenTransactionByPhone(ctx context.Context, normalizedPhone string) (*models.Transaction, error)

	// ListOpenTransactions returns Pending and PartiallyPaid transactions,
	// most recent first, up to limit rows.
	ListOpenTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)

	// ListTransactionsByOrder returns every row of an order, oldest first.
	ListTransactionsByOrder(ctx context.Context, orderRef string) ([]*models.Transaction, error)
}

// NotificationStore is the append-only store of inbound notification text.
type NotificationStore interface {
	// AppendNotification records raw notification text as unconsumed.
	AppendNotification(ctx context.Context, rawText string) (*models.Notification, error)

	// GetNotification retrieves a notification by its ID.
	GetNotification(ctx context.Context, id string) (*models.Notification, error)

	// MarkConsumedIfUnconsumed atomically flips the consumed flag and records
	// the consuming transaction. It returns true only for the caller that
	// performed the flip; already consumed or unknown IDs return false.
	MarkConsumedIfUnconsumed(ctx context.Context, id, transactionID string) (bool, error)

	// ListUnconsumedContaining returns unconsumed notifications whose text
	// contains substr, most recent first, up to limit rows.
	ListUnconsumedContaining(ctx context.Context, substr string, limit int) ([]*models.Notification, error)
}

// Store combines both stores behind one backend.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL, etc.)
// without changing the reconciliation engine.
type Store interface {
	TransactionStore
	NotificationStore

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
