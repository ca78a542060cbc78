package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/metrics"
	"github.com/mmynk/tillsafe/internal/middleware"
	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/reconcile"
	"github.com/mmynk/tillsafe/pkg/api"
)

// EscrowService implements the Connect EscrowService.
//
// Buyers authenticate per transaction with the release token; operators with
// an admin JWT attached by middleware.OptionalAuth.
type EscrowService struct {
	api.UnimplementedEscrowServiceHandler
	engine *reconcile.Engine
	logger *slog.Logger
}

// NewEscrowService creates a new EscrowService backed by engine.
func NewEscrowService(engine *reconcile.Engine, logger *slog.Logger) *EscrowService {
	return &EscrowService{engine: engine, logger: logger}
}

func (s *EscrowService) CreateTransaction(
	ctx context.Context,
	req *connect.Request[api.CreateTransactionRequest],
) (*connect.Response[api.CreateTransactionResponse], error) {
	msg := req.Msg

	expected, err := parseAmount("expected_amount", msg.ExpectedAmount)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	tx, err := s.engine.CreateTransaction(ctx, reconcile.NewTransaction{
		SellerID:       msg.SellerID,
		ProductName:    msg.ProductName,
		ExpectedAmount: expected,
		BuyerName:      msg.BuyerName,
		BuyerEmail:     msg.BuyerEmail,
		Phone:          msg.Phone,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	return connect.NewResponse(&api.CreateTransactionResponse{
		Transaction: toAPITransaction(tx),
		AccessToken: s.engine.ReleaseToken(tx.ID),
	}), nil
}

func (s *EscrowService) IngestNotification(
	ctx context.Context,
	req *connect.Request[api.IngestNotificationRequest],
) (*connect.Response[api.IngestNotificationResponse], error) {
	res, err := s.engine.IngestNotification(ctx, req.Msg.RawText)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	resp := &api.IngestNotificationResponse{
		NotificationID: res.Notification.ID,
		ReceivedAt:     res.Notification.ReceivedAt.Unix(),
	}
	if res.Reconciled != nil && res.Reconciled.Matched {
		resp.ReconciledTransactionID = res.Reconciled.TransactionID
	}
	return connect.NewResponse(resp), nil
}

// Reconcile by phone is open to anyone holding the phone number. Reconcile by
// transaction ID needs that transaction's token or an admin JWT.
func (s *EscrowService) Reconcile(
	ctx context.Context,
	req *connect.Request[api.ReconcileRequest],
) (*connect.Response[api.ReconcileResponse], error) {
	msg := req.Msg
	if msg.TransactionID != "" && msg.Token == "" && !middleware.IsAdmin(ctx) {
		return nil, s.toConnectError(ctx, models.ErrSecurity)
	}

	res, err := s.engine.Reconcile(ctx, reconcile.Request{
		TransactionID: msg.TransactionID,
		Phone:         msg.Phone,
		Token:         msg.Token,
	})
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	return connect.NewResponse(&api.ReconcileResponse{
		Matched:        res.Matched,
		AlreadySettled: res.AlreadySettled,
		TransactionID:  res.TransactionID,
		NotificationID: res.NotificationID,
		Paid:           res.Paid.StringFixed(2),
		NewTotal:       res.NewTotal.StringFixed(2),
		Status:         string(res.Status),
	}), nil
}

func (s *EscrowService) GetTransaction(
	ctx context.Context,
	req *connect.Request[api.GetTransactionRequest],
) (*connect.Response[api.GetTransactionResponse], error) {
	msg := req.Msg
	if err := s.authorize(ctx, msg.TransactionID, msg.Token); err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	tx, err := s.engine.GetTransaction(ctx, msg.TransactionID)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	return connect.NewResponse(&api.GetTransactionResponse{
		Transaction: toAPITransaction(tx),
	}), nil
}

func (s *EscrowService) ConfirmDelivery(
	ctx context.Context,
	req *connect.Request[api.ConfirmDeliveryRequest],
) (*connect.Response[api.ConfirmDeliveryResponse], error) {
	tx, err := s.engine.ConfirmDelivery(ctx, req.Msg.TransactionID, req.Msg.Token)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	return connect.NewResponse(&api.ConfirmDeliveryResponse{
		Transaction: toAPITransaction(tx),
	}), nil
}

func (s *EscrowService) ForceRelease(
	ctx context.Context,
	req *connect.Request[api.ForceReleaseRequest],
) (*connect.Response[api.ForceReleaseResponse], error) {
	if !middleware.IsAdmin(ctx) {
		return nil, s.toConnectError(ctx, models.ErrSecurity)
	}

	tx, err := s.engine.ForceRelease(ctx, req.Msg.TransactionID)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	s.logger.Info("Transaction force-released",
		"transaction_id", tx.ID,
		"operator", middleware.GetOperator(ctx),
	)
	return connect.NewResponse(&api.ForceReleaseResponse{
		Transaction: toAPITransaction(tx),
	}), nil
}

func (s *EscrowService) ResubmitPayment(
	ctx context.Context,
	req *connect.Request[api.ResubmitPaymentRequest],
) (*connect.Response[api.ResubmitPaymentResponse], error) {
	msg := req.Msg
	tx, err := s.engine.ResubmitPayment(ctx, msg.TransactionID, msg.Token, msg.Phone)
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	return connect.NewResponse(&api.ResubmitPaymentResponse{
		Transaction: toAPITransaction(tx),
		AccessToken: s.engine.ReleaseToken(tx.ID),
	}), nil
}

// ListOrderHistory is available to admins and to holders of a token for any
// row in the order.
func (s *EscrowService) ListOrderHistory(
	ctx context.Context,
	req *connect.Request[api.ListOrderHistoryRequest],
) (*connect.Response[api.ListOrderHistoryResponse], error) {
	msg := req.Msg
	admin := middleware.IsAdmin(ctx)
	if !admin && msg.Token == "" {
		return nil, s.toConnectError(ctx, models.ErrSecurity)
	}

	rows, err := s.engine.OrderHistory(ctx, msg.OrderRef)
	if errors.Is(err, models.ErrNotFound) && !admin {
		// Do not reveal which orders exist.
		return nil, s.toConnectError(ctx, models.ErrSecurity)
	}
	if err != nil {
		return nil, s.toConnectError(ctx, err)
	}

	if !admin && !s.tokenMatchesAny(rows, msg.Token) {
		metrics.RejectedTokens.Inc()
		return nil, s.toConnectError(ctx, models.ErrSecurity)
	}

	resp := &api.ListOrderHistoryResponse{
		Transactions: make([]*api.Transaction, 0, len(rows)),
	}
	for _, tx := range rows {
		resp.Transactions = append(resp.Transactions, toAPITransaction(tx))
	}
	return connect.NewResponse(resp), nil
}

// authorize admits admins and holders of the transaction's release token.
func (s *EscrowService) authorize(ctx context.Context, transactionID, tok string) error {
	if middleware.IsAdmin(ctx) {
		return nil
	}
	return s.engine.VerifyToken(transactionID, tok)
}

func (s *EscrowService) tokenMatchesAny(rows []*models.Transaction, tok string) bool {
	for _, tx := range rows {
		if s.engine.TokenMatches(tx.ID, tok) {
			return true
		}
	}
	return false
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: missing %s", models.ErrValidation, field)
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", models.ErrValidation, field, raw)
	}
	return amount, nil
}

// toConnectError maps domain error classes to Connect codes. Security and
// unexpected failures get fixed messages so no detail reaches the caller.
func (s *EscrowService) toConnectError(ctx context.Context, err error) error {
	var connectErr *connect.Error
	switch {
	case errors.As(err, &connectErr):
		return connectErr
	case errors.Is(err, models.ErrSecurity):
		return connect.NewError(connect.CodePermissionDenied, models.ErrSecurity)
	case errors.Is(err, models.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, models.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, models.ErrConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, models.ErrExternalDependency):
		s.logger.ErrorContext(ctx, "Dependency failure", "error", err)
		return connect.NewError(connect.CodeUnavailable, models.ErrExternalDependency)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		s.logger.ErrorContext(ctx, "Unexpected error", "error", err)
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}
}

func toAPITransaction(tx *models.Transaction) *api.Transaction {
	out := &api.Transaction{
		ID:             tx.ID,
		OrderRef:       tx.OrderRef,
		SupersedesID:   tx.SupersedesID,
		SellerID:       tx.SellerID,
		ProductName:    tx.ProductName,
		ExpectedAmount: tx.ExpectedAmount.StringFixed(2),
		BuyerName:      tx.BuyerName,
		BuyerEmail:     tx.BuyerEmail,
		Phone:          tx.NormalizedPhone,
		AmountPaid:     tx.AmountPaid.StringFixed(2),
		Balance:        tx.Balance().StringFixed(2),
		Status:         string(tx.Status),
		CreatedAt:      tx.CreatedAt.Unix(),
		UpdatedAt:      tx.UpdatedAt.Unix(),
		Version:        tx.Version,
	}
	if tx.ReleasedAt != nil {
		out.ReleasedAt = tx.ReleasedAt.Unix()
	}
	return out
}
