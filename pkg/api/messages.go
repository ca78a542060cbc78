// Package api defines the wire messages, handler and client of the
// tillsafe.v1.EscrowService Connect service.
//
// Monetary amounts are decimal strings. Timestamps are Unix seconds, zero when
// unset.
package api

type Transaction struct {
	ID             string `json:"id"`
	OrderRef       string `json:"orderRef"`
	SupersedesID   string `json:"supersedesId,omitempty"`
	SellerID       string `json:"sellerId"`
	ProductName    string `json:"productName"`
	ExpectedAmount string `json:"expectedAmount"`
	BuyerName      string `json:"buyerName"`
	BuyerEmail     string `json:"buyerEmail"`
	Phone          string `json:"phone"`
	AmountPaid     string `json:"amountPaid"`
	Balance        string `json:"balance"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"`
	UpdatedAt      int64  `json:"updatedAt"`
	ReleasedAt     int64  `json:"releasedAt,omitempty"`
	Version        int64  `json:"version"`
}

type CreateTransactionRequest struct {
	SellerID       string `json:"sellerId"`
	ProductName    string `json:"productName"`
	ExpectedAmount string `json:"expectedAmount"`
	BuyerName      string `json:"buyerName"`
	BuyerEmail     string `json:"buyerEmail"`
	Phone          string `json:"phone"`
}

// CreateTransactionResponse carries the release token the buyer needs for
// every later call on this transaction.
type CreateTransactionResponse struct {
	Transaction *Transaction `json:"transaction"`
	AccessToken string       `json:"accessToken"`
}

type IngestNotificationRequest struct {
	RawText string `json:"rawText"`
}

type IngestNotificationResponse struct {
	NotificationID string `json:"notificationId"`
	ReceivedAt     int64  `json:"receivedAt"`
	// Set when the notification was applied to a transaction on arrival.
	ReconciledTransactionID string `json:"reconciledTransactionId,omitempty"`
}

// ReconcileRequest selects a transaction by ID or, failing that, by phone.
type ReconcileRequest struct {
	TransactionID string `json:"transactionId,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Token         string `json:"token,omitempty"`
}

type ReconcileResponse struct {
	Matched        bool   `json:"matched"`
	AlreadySettled bool   `json:"alreadySettled,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
	Paid           string `json:"paid"`
	NewTotal       string `json:"newTotal"`
	Status         string `json:"status,omitempty"`
}

type GetTransactionRequest struct {
	TransactionID string `json:"transactionId"`
	Token         string `json:"token,omitempty"`
}

type GetTransactionResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type ConfirmDeliveryRequest struct {
	TransactionID string `json:"transactionId"`
	Token         string `json:"token"`
}

type ConfirmDeliveryResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type ForceReleaseRequest struct {
	TransactionID string `json:"transactionId"`
}

type ForceReleaseResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type ResubmitPaymentRequest struct {
	TransactionID string `json:"transactionId"`
	Token         string `json:"token"`
	Phone         string `json:"phone"`
}

type ResubmitPaymentResponse struct {
	Transaction *Transaction `json:"transaction"`
	AccessToken string       `json:"accessToken"`
}

type ListOrderHistoryRequest struct {
	OrderRef string `json:"orderRef"`
	Token    string `json:"token,omitempty"`
}

type ListOrderHistoryResponse struct {
	Transactions []*Transaction `json:"transactions"`
}
