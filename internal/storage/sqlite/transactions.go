package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tillsafe/internal/models"
)

const transactionColumns = `id, order_ref, supersedes_id, seller_id, product_name, expected_amount,
	buyer_name, buyer_email, normalized_phone, amount_paid, status,
	created_at, updated_at, released_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var (
		supersedes sql.NullString
		createdAt  int64
		updatedAt  int64
		releasedAt sql.NullInt64
	)
	err := row.Scan(
		&tx.ID,
		&tx.OrderRef,
		&supersedes,
		&tx.SellerID,
		&tx.ProductName,
		&tx.ExpectedAmount,
		&tx.BuyerName,
		&tx.BuyerEmail,
		&tx.NormalizedPhone,
		&tx.AmountPaid,
		&tx.Status,
		&createdAt,
		&updatedAt,
		&releasedAt,
		&tx.Version,
	)
	if err != nil {
		return nil, err
	}
	tx.SupersedesID = supersedes.String
	tx.CreatedAt = fromUnixNano(createdAt)
	tx.UpdatedAt = fromUnixNano(updatedAt)
	tx.ReleasedAt = nullTime(releasedAt)
	return tx, nil
}

// CreateTransaction persists a new transaction to the database.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	// Generate IDs if not set
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.OrderRef == "" {
		tx.OrderRef = tx.ID
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = models.StatusPending
	}
	tx.UpdatedAt = tx.CreatedAt
	tx.Version = 1

	var supersedes any
	if tx.SupersedesID != "" {
		supersedes = tx.SupersedesID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.OrderRef, supersedes, tx.SellerID, tx.ProductName, tx.ExpectedAmount,
		tx.BuyerName, tx.BuyerEmail, tx.NormalizedPhone, tx.AmountPaid, tx.Status,
		toUnixNano(tx.CreatedAt), toUnixNano(tx.UpdatedAt), nullUnixNano(tx.ReleasedAt), tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// UpdateTransactionIfVersion writes AmountPaid, Status and ReleasedAt when the
// stored version still matches tx.Version.
func (s *SQLiteStore) UpdateTransactionIfVersion(ctx context.Context, tx *models.Transaction) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions
		 SET amount_paid = ?, status = ?, released_at = ?, updated_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		tx.AmountPaid, tx.Status, nullUnixNano(tx.ReleasedAt), toUnixNano(now),
		tx.ID, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from an unknown row
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM transactions WHERE id = ?", tx.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: transaction %s", models.ErrNotFound, tx.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check transaction existence: %w", err)
		}
		return fmt.Errorf("%w: transaction %s was modified concurrently", models.ErrConflict, tx.ID)
	}

	tx.Version++
	tx.UpdatedAt = now
	return nil
}

// FindOpenTransactionByPhone returns the newest Pending or PartiallyPaid
// transaction for the phone, or nil when there is none.
func (s *SQLiteStore) FindOpenTransactionByPhone(ctx context.Context, normalizedPhone string) (*models.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE normalized_phone = ? AND status IN (?, ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`,
		normalizedPhone, models.StatusPending, models.StatusPartiallyPaid,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open transaction: %w", err)
	}
	return tx, nil
}

// ListOpenTransactions returns open transactions, newest first.
func (s *SQLiteStore) ListOpenTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status IN (?, ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		models.StatusPending, models.StatusPartiallyPaid, limit,
	)
}

// ListTransactionsByOrder returns the rows of an order, oldest first.
func (s *SQLiteStore) ListTransactionsByOrder(ctx context.Context, orderRef string) ([]*models.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE order_ref = ?
		 ORDER BY created_at ASC, rowid ASC`,
		orderRef,
	)
}

func (s *SQLiteStore) listTransactions(ctx context.Context, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return txs, nil
}
