package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// Amounts are stored as decimal TEXT and timestamps as Unix nanoseconds.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    order_ref TEXT NOT NULL,
    supersedes_id TEXT,
    seller_id TEXT NOT NULL,
    product_name TEXT NOT NULL,
    expected_amount TEXT NOT NULL,
    buyer_name TEXT NOT NULL,
    buyer_email TEXT NOT NULL,
    normalized_phone TEXT NOT NULL,
    amount_paid TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    released_at INTEGER,
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    raw_text TEXT NOT NULL,
    received_at INTEGER NOT NULL,
    consumed INTEGER NOT NULL DEFAULT 0,
    consumed_at INTEGER,
    transaction_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_phone_status ON transactions(normalized_phone, status);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
CREATE INDEX IF NOT EXISTS idx_transactions_order_ref ON transactions(order_ref);
CREATE INDEX IF NOT EXISTS idx_notifications_consumed ON notifications(consumed, received_at);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
