package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// EscrowServiceName is the fully-qualified name of the escrow service.
const EscrowServiceName = "tillsafe.v1.EscrowService"

// Procedure paths for each RPC.
const (
	EscrowServiceCreateTransactionProcedure  = "/tillsafe.v1.EscrowService/CreateTransaction"
	EscrowServiceIngestNotificationProcedure = "/tillsafe.v1.EscrowService/IngestNotification"
	EscrowServiceReconcileProcedure          = "/tillsafe.v1.EscrowService/Reconcile"
	EscrowServiceGetTransactionProcedure     = "/tillsafe.v1.EscrowService/GetTransaction"
	EscrowServiceConfirmDeliveryProcedure    = "/tillsafe.v1.EscrowService/ConfirmDelivery"
	EscrowServiceForceReleaseProcedure       = "/tillsafe.v1.EscrowService/ForceRelease"
	EscrowServiceResubmitPaymentProcedure    = "/tillsafe.v1.EscrowService/ResubmitPayment"
	EscrowServiceListOrderHistoryProcedure   = "/tillsafe.v1.EscrowService/ListOrderHistory"
)

// EscrowServiceHandler is implemented by the server side of the service.
type EscrowServiceHandler interface {
	CreateTransaction(context.Context, *connect.Request[CreateTransactionRequest]) (*connect.Response[CreateTransactionResponse], error)
	IngestNotification(context.Context, *connect.Request[IngestNotificationRequest]) (*connect.Response[IngestNotificationResponse], error)
	Reconcile(context.Context, *connect.Request[ReconcileRequest]) (*connect.Response[ReconcileResponse], error)
	GetTransaction(context.Context, *connect.Request[GetTransactionRequest]) (*connect.Response[GetTransactionResponse], error)
	ConfirmDelivery(context.Context, *connect.Request[ConfirmDeliveryRequest]) (*connect.Response[ConfirmDeliveryResponse], error)
	ForceRelease(context.Context, *connect.Request[ForceReleaseRequest]) (*connect.Response[ForceReleaseResponse], error)
	ResubmitPayment(context.Context, *connect.Request[ResubmitPaymentRequest]) (*connect.Response[ResubmitPaymentResponse], error)
	ListOrderHistory(context.Context, *connect.Request[ListOrderHistoryRequest]) (*connect.Response[ListOrderHistoryResponse], error)
}

// NewEscrowServiceHandler builds an HTTP handler for svc and returns the path
// prefix to mount it on.
func NewEscrowServiceHandler(svc EscrowServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)

	handlers := map[string]http.Handler{
		EscrowServiceCreateTransactionProcedure:  connect.NewUnaryHandler(EscrowServiceCreateTransactionProcedure, svc.CreateTransaction, opts...),
		EscrowServiceIngestNotificationProcedure: connect.NewUnaryHandler(EscrowServiceIngestNotificationProcedure, svc.IngestNotification, opts...),
		EscrowServiceReconcileProcedure:          connect.NewUnaryHandler(EscrowServiceReconcileProcedure, svc.Reconcile, opts...),
		EscrowServiceGetTransactionProcedure:     connect.NewUnaryHandler(EscrowServiceGetTransactionProcedure, svc.GetTransaction, opts...),
		EscrowServiceConfirmDeliveryProcedure:    connect.NewUnaryHandler(EscrowServiceConfirmDeliveryProcedure, svc.ConfirmDelivery, opts...),
		EscrowServiceForceReleaseProcedure:       connect.NewUnaryHandler(EscrowServiceForceReleaseProcedure, svc.ForceRelease, opts...),
		EscrowServiceResubmitPaymentProcedure:    connect.NewUnaryHandler(EscrowServiceResubmitPaymentProcedure, svc.ResubmitPayment, opts...),
		EscrowServiceListOrderHistoryProcedure:   connect.NewUnaryHandler(EscrowServiceListOrderHistoryProcedure, svc.ListOrderHistory, opts...),
	}

	return "/" + EscrowServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// UnimplementedEscrowServiceHandler returns CodeUnimplemented from all methods.
type UnimplementedEscrowServiceHandler struct{}

func unimplemented(procedure string) error {
	return connect.NewError(connect.CodeUnimplemented, errors.New(procedure+" is not implemented"))
}

func (UnimplementedEscrowServiceHandler) CreateTransaction(context.Context, *connect.Request[CreateTransactionRequest]) (*connect.Response[CreateTransactionResponse], error) {
	return nil, unimplemented(EscrowServiceCreateTransactionProcedure)
}

func (UnimplementedEscrowServiceHandler) IngestNotification(context.Context, *connect.Request[IngestNotificationRequest]) (*connect.Response[IngestNotificationResponse], error) {
	return nil, unimplemented(EscrowServiceIngestNotificationProcedure)
}

func (UnimplementedEscrowServiceHandler) Reconcile(context.Context, *connect.Request[ReconcileRequest]) (*connect.Response[ReconcileResponse], error) {
	return nil, unimplemented(EscrowServiceReconcileProcedure)
}

func (UnimplementedEscrowServiceHandler) GetTransaction(context.Context, *connect.Request[GetTransactionRequest]) (*connect.Response[GetTransactionResponse], error) {
	return nil, unimplemented(EscrowServiceGetTransactionProcedure)
}

func (UnimplementedEscrowServiceHandler) ConfirmDelivery(context.Context, *connect.Request[ConfirmDeliveryRequest]) (*connect.Response[ConfirmDeliveryResponse], error) {
	return nil, unimplemented(EscrowServiceConfirmDeliveryProcedure)
}

func (UnimplementedEscrowServiceHandler) ForceRelease(context.Context, *connect.Request[ForceReleaseRequest]) (*connect.Response[ForceReleaseResponse], error) {
	return nil, unimplemented(EscrowServiceForceReleaseProcedure)
}

func (UnimplementedEscrowServiceHandler) ResubmitPayment(context.Context, *connect.Request[ResubmitPaymentRequest]) (*connect.Response[ResubmitPaymentResponse], error) {
	return nil, unimplemented(EscrowServiceResubmitPaymentProcedure)
}

func (UnimplementedEscrowServiceHandler) ListOrderHistory(context.Context, *connect.Request[ListOrderHistoryRequest]) (*connect.Response[ListOrderHistoryResponse], error) {
	return nil, unimplemented(EscrowServiceListOrderHistoryProcedure)
}

// EscrowServiceClient is a client for tillsafe.v1.EscrowService.
type EscrowServiceClient interface {
	CreateTransaction(context.Context, *connect.Request[CreateTransactionRequest]) (*connect.Response[CreateTransactionResponse], error)
	IngestNotification(context.Context, *connect.Request[IngestNotificationRequest]) (*connect.Response[IngestNotificationResponse], error)
	Reconcile(context.Context, *connect.Request[ReconcileRequest]) (*connect.Response[ReconcileResponse], error)
	GetTransaction(context.Context, *connect.Request[GetTransactionRequest]) (*connect.Response[GetTransactionResponse], error)
	ConfirmDelivery(context.Context, *connect.Request[ConfirmDeliveryRequest]) (*connect.Response[ConfirmDeliveryResponse], error)
	ForceRelease(context.Context, *connect.Request[ForceReleaseRequest]) (*connect.Response[ForceReleaseResponse], error)
	ResubmitPayment(context.Context, *connect.Request[ResubmitPaymentRequest]) (*connect.Response[ResubmitPaymentResponse], error)
	ListOrderHistory(context.Context, *connect.Request[ListOrderHistoryRequest]) (*connect.Response[ListOrderHistoryResponse], error)
}

// NewEscrowServiceClient creates a client for the service mounted at baseURL,
// e.g. http://localhost:8080.
func NewEscrowServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) EscrowServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec{})}, opts...)

	return &escrowServiceClient{
		createTransaction:  connect.NewClient[CreateTransactionRequest, CreateTransactionResponse](httpClient, baseURL+EscrowServiceCreateTransactionProcedure, opts...),
		ingestNotification: connect.NewClient[IngestNotificationRequest, IngestNotificationResponse](httpClient, baseURL+EscrowServiceIngestNotificationProcedure, opts...),
		reconcile:          connect.NewClient[ReconcileRequest, ReconcileResponse](httpClient, baseURL+EscrowServiceReconcileProcedure, opts...),
		getTransaction:     connect.NewClient[GetTransactionRequest, GetTransactionResponse](httpClient, baseURL+EscrowServiceGetTransactionProcedure, opts...),
		confirmDelivery:    connect.NewClient[ConfirmDeliveryRequest, ConfirmDeliveryResponse](httpClient, baseURL+EscrowServiceConfirmDeliveryProcedure, opts...),
		forceRelease:       connect.NewClient[ForceReleaseRequest, ForceReleaseResponse](httpClient, baseURL+EscrowServiceForceReleaseProcedure, opts...),
		resubmitPayment:    connect.NewClient[ResubmitPaymentRequest, ResubmitPaymentResponse](httpClient, baseURL+EscrowServiceResubmitPaymentProcedure, opts...),
		listOrderHistory:   connect.NewClient[ListOrderHistoryRequest, ListOrderHistoryResponse](httpClient, baseURL+EscrowServiceListOrderHistoryProcedure, opts...),
	}
}

type escrowServiceClient struct {
	createTransaction  *connect.Client[CreateTransactionRequest, CreateTransactionResponse]
	ingestNotification *connect.Client[IngestNotificationRequest, IngestNotificationResponse]
	reconcile          *connect.Client[ReconcileRequest, ReconcileResponse]
	getTransaction     *connect.Client[GetTransactionRequest, GetTransactionResponse]
	confirmDelivery    *connect.Client[ConfirmDeliveryRequest, ConfirmDeliveryResponse]
	forceRelease       *connect.Client[ForceReleaseRequest, ForceReleaseResponse]
	resubmitPayment    *connect.Client[ResubmitPaymentRequest, ResubmitPaymentResponse]
	listOrderHistory   *connect.Client[ListOrderHistoryRequest, ListOrderHistoryResponse]
}

func (c *escrowServiceClient) CreateTransaction(ctx context.Context, req *connect.Request[CreateTransactionRequest]) (*connect.Response[CreateTransactionResponse], error) {
	return c.createTransaction.CallUnary(ctx, req)
}

func (c *escrowServiceClient) IngestNotification(ctx context.Context, req *connect.Request[IngestNotificationRequest]) (*connect.Response[IngestNotificationResponse], error) {
	return c.ingestNotification.CallUnary(ctx, req)
}

func (c *escrowServiceClient) Reconcile(ctx context.Context, req *connect.Request[ReconcileRequest]) (*connect.Response[ReconcileResponse], error) {
	return c.reconcile.CallUnary(ctx, req)
}

func (c *escrowServiceClient) GetTransaction(ctx context.Context, req *connect.Request[GetTransactionRequest]) (*connect.Response[GetTransactionResponse], error) {
	return c.getTransaction.CallUnary(ctx, req)
}

func (c *escrowServiceClient) ConfirmDelivery(ctx context.Context, req *connect.Request[ConfirmDeliveryRequest]) (*connect.Response[ConfirmDeliveryResponse], error) {
	return c.confirmDelivery.CallUnary(ctx, req)
}

func (c *escrowServiceClient) ForceRelease(ctx context.Context, req *connect.Request[ForceReleaseRequest]) (*connect.Response[ForceReleaseResponse], error) {
	return c.forceRelease.CallUnary(ctx, req)
}

func (c *escrowServiceClient) ResubmitPayment(ctx context.Context, req *connect.Request[ResubmitPaymentRequest]) (*connect.Response[ResubmitPaymentResponse], error) {
	return c.resubmitPayment.CallUnary(ctx, req)
}

func (c *escrowServiceClient) ListOrderHistory(ctx context.Context, req *connect.Request[ListOrderHistoryRequest]) (*connect.Response[ListOrderHistoryResponse], error) {
	return c.listOrderHistory.CallUnary(ctx, req)
}
