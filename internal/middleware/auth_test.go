package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/tillsafe/internal/auth"
	"github.com/mmynk/tillsafe/pkg/api"
)

func newRequest(authHeader string) *connect.Request[api.GetTransactionRequest] {
	req := connect.NewRequest(&api.GetTransactionRequest{TransactionID: "tx-1"})
	if authHeader != "" {
		req.Header().Set("Authorization", authHeader)
	}
	return req
}

// captureNext records the context the interceptor passed on.
func captureNext(got *context.Context) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		*got = ctx
		return connect.NewResponse(&api.GetTransactionResponse{}), nil
	}
}

func TestRequireAuth(t *testing.T) {
	manager := auth.NewJWTManager(strings.Repeat("j", 32), time.Hour)
	adminToken, err := manager.Generate("ops", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + adminToken},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctx context.Context
			handler := RequireAuth(manager)(captureNext(&ctx))

			_, err := handler(context.Background(), newRequest(tt.header))
			var connectErr *connect.Error
			if !errors.As(err, &connectErr) || connectErr.Code() != connect.CodeUnauthenticated {
				t.Fatalf("expected Unauthenticated, got %v", err)
			}
			if ctx != nil {
				t.Error("next must not run for rejected requests")
			}
		})
	}

	t.Run("valid token", func(t *testing.T) {
		var ctx context.Context
		handler := RequireAuth(manager)(captureNext(&ctx))

		if _, err := handler(context.Background(), newRequest("Bearer "+adminToken)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if GetOperator(ctx) != "ops" || !IsAdmin(ctx) {
			t.Errorf("claims not attached: operator=%q role=%q", GetOperator(ctx), GetRole(ctx))
		}
	})
}

func TestOptionalAuth(t *testing.T) {
	manager := auth.NewJWTManager(strings.Repeat("j", 32), time.Hour)
	other := auth.NewJWTManager(strings.Repeat("x", 32), time.Hour)
	forged, _ := other.Generate("mallory", auth.RoleAdmin)

	for _, header := range []string{"", "Bearer " + forged, "Bearer"} {
		var ctx context.Context
		handler := OptionalAuth(manager)(captureNext(&ctx))

		if _, err := handler(context.Background(), newRequest(header)); err != nil {
			t.Fatalf("header %q: unexpected error %v", header, err)
		}
		if IsAdmin(ctx) || GetOperator(ctx) != "" {
			t.Errorf("header %q: request must stay anonymous", header)
		}
	}
}
