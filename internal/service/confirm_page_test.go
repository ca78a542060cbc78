package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/reconcile"
)

func TestConfirmPage(t *testing.T) {
	engine, logger := newTestEngine(t)
	ctx := context.Background()
	handler := ConfirmPage(engine, logger)

	tx, err := engine.CreateTransaction(ctx, reconcile.NewTransaction{
		SellerID:       "seller-1",
		ProductName:    "Sofa",
		ExpectedAmount: decimal.NewFromInt(1000),
		BuyerName:      "Wanjiru",
		BuyerEmail:     "wanjiru@example.com",
		Phone:          "0712345678",
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := engine.IngestNotification(ctx, "Ksh 1,000 received from 254712345678"); err != nil {
		t.Fatalf("IngestNotification failed: %v", err)
	}

	confirmURL, err := url.Parse(engine.ConfirmURL(tx.ID))
	if err != nil {
		t.Fatalf("bad confirm url: %v", err)
	}
	tok := confirmURL.Query().Get("token")

	t.Run("GET with forged token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/confirm?id="+tx.ID+"&token=forged", nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rec.Code)
		}
	})

	t.Run("GET shows held payment", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/confirm?"+confirmURL.RawQuery, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body := rec.Body.String()
		if !strings.Contains(body, "KES 1000.00") || !strings.Contains(body, `<form method="post"`) {
			t.Errorf("unexpected page: %s", body)
		}

		got, _ := engine.GetTransaction(ctx, tx.ID)
		if got.Status != models.StatusHeld {
			t.Errorf("GET must not release, status %s", got.Status)
		}
	})

	t.Run("POST releases", func(t *testing.T) {
		form := url.Values{"id": {tx.ID}, "token": {tok}}
		req := httptest.NewRequest(http.MethodPost, "/confirm", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "has been released") {
			t.Errorf("unexpected page: %s", rec.Body.String())
		}

		got, _ := engine.GetTransaction(ctx, tx.ID)
		if got.Status != models.StatusReleased {
			t.Errorf("status = %s, want Released", got.Status)
		}
	})

	t.Run("unsupported method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/confirm", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})
}
