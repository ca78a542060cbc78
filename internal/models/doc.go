// Package models defines the core domain models for tillsafe.
//
// # Models
//
//   - Transaction: an escrowed payment a buyer owes a seller for one product
//   - Notification: the raw text of a forwarded M-Pesa message
//   - Status: the escrow state of a Transaction
//
// # Design Principles
//
// 1. **Money is decimal**: amounts use shopspring/decimal, never float64
// 2. **Append-only history**: transactions and notifications are never deleted
// 3. **Lazy association**: a Notification is linked to a Transaction only when
// reconciliation consumes it; matching never relies on that link
// 4. **Avoid circular references**: relationships are ID strings, not pointers
package models
