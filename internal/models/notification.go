package models

import "time"

// Notification is an inbound payment message as forwarded from the phone.
type Notification struct {
	// ID is the unique identifier for the notification (UUID format).
	ID string

	// RawText is the message body exactly as received.
	RawText string

	ReceivedAt time.Time

	// Consumed flips from false to true exactly once, when a reconciliation
	// claims the notification.
	Consumed bool

	// ConsumedAt and TransactionID record which reconciliation claimed it.
	// They are audit data only; matching always goes through the phone suffix.
	ConsumedAt    *time.Time
	TransactionID string
}
