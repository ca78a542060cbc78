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

const notificationColumns = `id, raw_text, received_at, consumed, consumed_at, transaction_id`

func scanNotification(row rowScanner) (*models.Notification, error) {
	n := &models.Notification{}
	var (
		receivedAt    int64
		consumedAt    sql.NullInt64
		transactionID sql.NullString
	)
	if err := row.Scan(&n.ID, &n.RawText, &receivedAt, &n.Consumed, &consumedAt, &transactionID); err != nil {
		return nil, err
	}
	n.ReceivedAt = fromUnixNano(receivedAt)
	n.ConsumedAt = nullTime(consumedAt)
	n.TransactionID = transactionID.String
	return n, nil
}

// AppendNotification stores raw notification text as unconsumed.
func (s *SQLiteStore) AppendNotification(ctx context.Context, rawText string) (*models.Notification, error) {
	n := &models.Notification{
		ID:         uuid.New().String(),
		RawText:    rawText,
		ReceivedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (id, raw_text, received_at, consumed) VALUES (?, ?, ?, 0)",
		n.ID, n.RawText, toUnixNano(n.ReceivedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert notification: %w", err)
	}

	return n, nil
}

// GetNotification retrieves a notification by ID.
func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

// MarkConsumedIfUnconsumed flips consumed from 0 to 1 in a single conditional
// UPDATE. Exactly one caller can observe a row count of one.
func (s *SQLiteStore) MarkConsumedIfUnconsumed(ctx context.Context, id, transactionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET consumed = 1, consumed_at = ?, transaction_id = ?
		 WHERE id = ? AND consumed = 0`,
		toUnixNano(time.Now().UTC()), transactionID, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume notification: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result: %w", err)
	}
	return n == 1, nil
}

// ListUnconsumedContaining returns unconsumed notifications whose text
// contains substr, newest first. instr is used rather than LIKE so that
// wildcard characters in substr are matched literally.
func (s *SQLiteStore) ListUnconsumedContaining(ctx context.Context, substr string, limit int) ([]*models.Notification, error) {
	if substr == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE consumed = 0 AND instr(raw_text, ?) > 0
		 ORDER BY received_at DESC, rowid DESC
		 LIMIT ?`,
		substr, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return notifications, nil
}
