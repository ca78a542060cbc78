package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tillsafe/internal/extract"
	"github.com/mmynk/tillsafe/internal/models"
	"github.com/mmynk/tillsafe/internal/notify"
	"github.com/mmynk/tillsafe/internal/storage/sqlite"
	"github.com/mmynk/tillsafe/internal/token"
)

const buyerPhone = "254712345678"

// recordingNotifier captures every message and can be told to fail.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recordingNotifier) Send(ctx context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingNotifier) last() notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return notify.Message{}
	}
	return r.msgs[len(r.msgs)-1]
}

type testEnv struct {
	engine   *Engine
	store    *sqlite.SQLiteStore
	signer   *token.Signer
	notifier *recordingNotifier
}

func setupEngine(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "tillsafe-engine-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := sqlite.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		os.RemoveAll(tempDir)
	})

	signer, err := token.NewSigner([]byte(strings.Repeat("k", token.MinSecretLength)))
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithBaseURL("https://pay.example.com/")}, opts...)
	engine := New(store, extract.NewMarkerChain(nil), signer, notifier, logger, opts...)

	return &testEnv{engine: engine, store: store, signer: signer, notifier: notifier}
}

func (env *testEnv) createTransaction(t *testing.T, expected int64) *models.Transaction {
	t.Helper()
	tx, err := env.engine.CreateTransaction(context.Background(), NewTransaction{
		SellerID:       "seller-1",
		ProductName:    "Sofa",
		ExpectedAmount: decimal.NewFromInt(expected),
		BuyerName:      "Wanjiru",
		BuyerEmail:     "wanjiru@example.com",
		Phone:          "0712345678",
	})
	if err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	return tx
}

func (env *testEnv) ingest(t *testing.T, text string) *models.Notification {
	t.Helper()
	res, err := env.engine.IngestNotification(context.Background(), text)
	if err != nil {
		t.Fatalf("IngestNotification failed: %v", err)
	}
	return res.Notification
}

func paymentText(amount string) string {
	return "QK7ABC123 Confirmed. You have received Ksh " + amount + " from JOHN DOE " + buyerPhone + " on 1/3/25"
}

func TestScenarioFullPayment(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	tx := env.createTransaction(t, 1000)
	if tx.NormalizedPhone != buyerPhone || tx.Status != models.StatusPending {
		t.Fatalf("unexpected new transaction: %+v", tx)
	}

	env.ingest(t, paymentText("1000"))

	res, err := env.engine.Reconcile(ctx, Request{Phone: buyerPhone})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected a match")
	}
	if !res.NewTotal.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("NewTotal = %s, want 1000", res.NewTotal)
	}
	if res.Status != models.StatusHeld {
		t.Errorf("Status = %s, want Held", res.Status)
	}

	msg := env.notifier.last()
	if msg.Kind != notify.KindConfirmDelivery || msg.To != "wanjiru@example.com" {
		t.Fatalf("expected confirm delivery email, got %+v", msg)
	}
	link, err := url.Parse(msg.Vars["confirm_url"])
	if err != nil {
		t.Fatalf("bad confirm url: %v", err)
	}
	if link.Host != "pay.example.com" || link.Path != "/confirm" {
		t.Errorf("unexpected confirm url %s", link)
	}
	if !env.signer.Verify(tx.ID, link.Query().Get("token")) {
		t.Error("confirm link token does not verify")
	}
}

func TestScenarioPartialPayments(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	env.createTransaction(t, 1000)

	env.ingest(t, paymentText("400"))
	first, err := env.engine.Reconcile(ctx, Request{Phone: "0712345678"})
	if err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	if !first.Matched || first.Status != models.StatusPartiallyPaid || !first.NewTotal.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("after first payment: %+v", first)
	}
	if msg := env.notifier.last(); msg.Kind != notify.KindPartialPayment || msg.Vars["balance"] != "600.00" {
		t.Errorf("expected partial payment email with balance 600.00, got %+v", msg)
	}

	env.ingest(t, paymentText("600"))
	second, err := env.engine.Reconcile(ctx, Request{Phone: "+254 712 345 678"})
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if !second.Matched || second.Status != models.StatusHeld || !second.NewTotal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("after second payment: %+v", second)
	}
	if !second.Paid.Equal(decimal.NewFromInt(600)) {
		t.Errorf("Paid = %s, want 600", second.Paid)
	}
}

func TestScenarioConfirmDelivery(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)
	env.ingest(t, paymentText("1,000.00"))
	if _, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	t.Run("wrong token is rejected", func(t *testing.T) {
		_, err := env.engine.ConfirmDelivery(ctx, tx.ID, "not-the-token")
		if !errors.Is(err, models.ErrSecurity) {
			t.Fatalf("expected ErrSecurity, got %v", err)
		}
		got, _ := env.engine.GetTransaction(ctx, tx.ID)
		if got.Status != models.StatusHeld {
			t.Errorf("status changed to %s", got.Status)
		}
	})

	t.Run("token for another transaction is rejected", func(t *testing.T) {
		_, err := env.engine.ConfirmDelivery(ctx, tx.ID, env.signer.Generate("other-id"))
		if !errors.Is(err, models.ErrSecurity) {
			t.Fatalf("expected ErrSecurity, got %v", err)
		}
	})

	t.Run("correct token releases", func(t *testing.T) {
		got, err := env.engine.ConfirmDelivery(ctx, tx.ID, env.engine.ReleaseToken(tx.ID))
		if err != nil {
			t.Fatalf("ConfirmDelivery failed: %v", err)
		}
		if got.Status != models.StatusReleased || got.ReleasedAt == nil {
			t.Fatalf("expected Released with timestamp, got %+v", got)
		}
		if msg := env.notifier.last(); msg.Kind != notify.KindPaymentReleased {
			t.Errorf("expected released email, got %s", msg.Kind)
		}
	})

	t.Run("confirming twice is a no-op", func(t *testing.T) {
		got, err := env.engine.ConfirmDelivery(ctx, tx.ID, env.engine.ReleaseToken(tx.ID))
		if err != nil || got.Status != models.StatusReleased {
			t.Fatalf("second confirm = %+v, %v", got, err)
		}
	})
}

func TestReleasedTransactionIsFrozen(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)
	env.ingest(t, paymentText("1000"))
	env.engine.Reconcile(ctx, Request{Phone: buyerPhone})
	if _, err := env.engine.ForceRelease(ctx, tx.ID); err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}

	extra := env.ingest(t, paymentText("500"))

	res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Matched || !res.AlreadySettled {
		t.Errorf("expected already settled no-op, got %+v", res)
	}

	got, _ := env.engine.GetTransaction(ctx, tx.ID)
	if got.Status != models.StatusReleased || !got.AmountPaid.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("released transaction changed: %s %s", got.Status, got.AmountPaid)
	}

	n, _ := env.store.GetNotification(ctx, extra.ID)
	if n.Consumed {
		t.Error("a settled transaction must not consume notifications")
	}

	byPhone, err := env.engine.Reconcile(ctx, Request{Phone: buyerPhone})
	if err != nil {
		t.Fatalf("Reconcile by phone failed: %v", err)
	}
	if byPhone.Matched || byPhone.TransactionID != "" {
		t.Errorf("phone fallback should skip settled transactions, got %+v", byPhone)
	}
}

func TestReconcileNoMatch(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	res, err := env.engine.Reconcile(ctx, Request{Phone: buyerPhone})
	if err != nil || res.Matched {
		t.Fatalf("expected no match without transactions, got %+v, %v", res, err)
	}

	tx := env.createTransaction(t, 1000)
	env.ingest(t, "Ksh 1000 received from 254799999999")

	res, err = env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Matched || res.Status != models.StatusPending || !res.NewTotal.IsZero() {
		t.Errorf("expected unchanged pending transaction, got %+v", res)
	}

	res, err = env.engine.Reconcile(ctx, Request{TransactionID: "unknown-id"})
	if err != nil || res.Matched {
		t.Errorf("unknown id should be a non-match, got %+v, %v", res, err)
	}
}

func TestReconcileValidation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	if _, err := env.engine.Reconcile(ctx, Request{}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty request error = %v, want ErrValidation", err)
	}
	if _, err := env.engine.Reconcile(ctx, Request{Phone: "abc123"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad phone error = %v, want ErrValidation", err)
	}

	tx := env.createTransaction(t, 1000)
	_, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID, Token: "forged"})
	if !errors.Is(err, models.ErrSecurity) {
		t.Errorf("forged token error = %v, want ErrSecurity", err)
	}
	if err != nil && err.Error() != models.ErrSecurity.Error() {
		t.Errorf("security error leaks detail: %q", err.Error())
	}

	res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID, Token: env.signer.Generate(tx.ID)})
	if err != nil || res.TransactionID != tx.ID {
		t.Errorf("valid token reconcile = %+v, %v", res, err)
	}
}

func TestUnparseableNotificationIsRetired(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)
	n := env.ingest(t, "Payment from "+buyerPhone+" of one thousand shillings")

	res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Matched || !res.Paid.IsZero() || !res.NewTotal.IsZero() {
		t.Errorf("expected zero credit match, got %+v", res)
	}
	if res.Status != models.StatusPending {
		t.Errorf("zero credit should leave Pending, got %s", res.Status)
	}

	stored, _ := env.store.GetNotification(ctx, n.ID)
	if !stored.Consumed || stored.TransactionID != tx.ID {
		t.Errorf("notification should be consumed by %s: %+v", tx.ID, stored)
	}

	again, _ := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
	if again.Matched {
		t.Error("retired notification was reused")
	}
}

func TestNotifierFailureKeepsFunds(t *testing.T) {
	env := setupEngine(t)
	env.notifier.err = errors.New("smtp unavailable")
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)
	env.ingest(t, paymentText("250"))

	res, err := env.engine.Reconcile(ctx, Request{Phone: buyerPhone})
	if err != nil {
		t.Fatalf("Reconcile should not fail on notifier error: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected match")
	}

	got, _ := env.engine.GetTransaction(ctx, tx.ID)
	if !got.AmountPaid.Equal(decimal.NewFromInt(250)) || got.Status != models.StatusPartiallyPaid {
		t.Errorf("funds update rolled back: %s %s", got.AmountPaid, got.Status)
	}
}

func TestAmountPaidIsMonotonic(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)

	previous := decimal.Zero
	for _, text := range []string{
		paymentText("100"),
		"garbled " + buyerPhone,
		paymentText("300.50"),
		paymentText("599.50"),
		paymentText("50"),
	} {
		env.ingest(t, text)
		res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.NewTotal.LessThan(previous) {
			t.Fatalf("amount decreased from %s to %s", previous, res.NewTotal)
		}
		previous = res.NewTotal
	}

	got, _ := env.engine.GetTransaction(ctx, tx.ID)
	if !got.AmountPaid.Equal(decimal.RequireFromString("1050")) || got.Status != models.StatusHeld {
		t.Errorf("final state %s %s, want 1050 Held", got.AmountPaid, got.Status)
	}
}

func TestConcurrentReconcileConsumesOnce(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)
	env.ingest(t, paymentText("1000"))

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
			if err != nil {
				t.Errorf("Reconcile failed: %v", err)
				return
			}
			if res.Matched {
				mu.Lock()
				matched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if matched != 1 {
		t.Errorf("expected exactly one successful consumer, got %d", matched)
	}
	got, _ := env.engine.GetTransaction(ctx, tx.ID)
	if !got.AmountPaid.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("notification double counted: total %s", got.AmountPaid)
	}
}

func TestConcurrentDistinctNotificationsAllCounted(t *testing.T) {
	env := setupEngine(t, WithMaxWriteAttempts(100))
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)

	const payments = 10
	for i := 0; i < payments; i++ {
		env.ingest(t, paymentText("100"))
	}

	var wg sync.WaitGroup
	for i := 0; i < payments; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID}); err != nil {
				t.Errorf("Reconcile failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Callers that lost a claim race leave notifications behind; drain them.
	for {
		res, err := env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if !res.Matched {
			break
		}
	}

	got, _ := env.engine.GetTransaction(ctx, tx.ID)
	if !got.AmountPaid.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("total = %s, want 1000", got.AmountPaid)
	}
	if got.Status != models.StatusHeld {
		t.Errorf("status = %s, want Held", got.Status)
	}
}

func TestForceRelease(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)

	if _, err := env.engine.ForceRelease(ctx, tx.ID); !errors.Is(err, models.ErrConflict) {
		t.Errorf("releasing a Pending transaction error = %v, want ErrConflict", err)
	}
	if _, err := env.engine.ForceRelease(ctx, "unknown-id"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}

	env.ingest(t, paymentText("1000"))
	env.engine.Reconcile(ctx, Request{TransactionID: tx.ID})

	got, err := env.engine.ForceRelease(ctx, tx.ID)
	if err != nil || got.Status != models.StatusReleased {
		t.Fatalf("ForceRelease = %+v, %v", got, err)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	env := setupEngine(t)
	valid := NewTransaction{
		SellerID:       "seller-1",
		ProductName:    "Sofa",
		ExpectedAmount: decimal.NewFromInt(1000),
		BuyerName:      "Wanjiru",
		BuyerEmail:     "wanjiru@example.com",
		Phone:          "0712345678",
	}

	tests := []struct {
		name   string
		mutate func(n *NewTransaction)
	}{
		{"missing seller", func(n *NewTransaction) { n.SellerID = "" }},
		{"missing product", func(n *NewTransaction) { n.ProductName = " " }},
		{"bad email", func(n *NewTransaction) { n.BuyerEmail = "not-an-email" }},
		{"zero amount", func(n *NewTransaction) { n.ExpectedAmount = decimal.Zero }},
		{"negative amount", func(n *NewTransaction) { n.ExpectedAmount = decimal.NewFromInt(-5) }},
		{"sub-cent amount", func(n *NewTransaction) { n.ExpectedAmount = decimal.RequireFromString("10.005") }},
		{"unparseable phone", func(n *NewTransaction) { n.Phone = "abc123" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid
			tt.mutate(&n)
			if _, err := env.engine.CreateTransaction(context.Background(), n); !errors.Is(err, models.ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestResubmitPayment(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	original := env.createTransaction(t, 1000)
	tok := env.signer.Generate(original.ID)

	if _, err := env.engine.ResubmitPayment(ctx, original.ID, "bad", "0722000000"); !errors.Is(err, models.ErrSecurity) {
		t.Errorf("bad token error = %v, want ErrSecurity", err)
	}

	replacement, err := env.engine.ResubmitPayment(ctx, original.ID, tok, "0722000000")
	if err != nil {
		t.Fatalf("ResubmitPayment failed: %v", err)
	}
	if replacement.ID == original.ID || replacement.OrderRef != original.OrderRef || replacement.SupersedesID != original.ID {
		t.Errorf("unexpected replacement row: %+v", replacement)
	}
	if replacement.NormalizedPhone != "254722000000" {
		t.Errorf("phone = %s", replacement.NormalizedPhone)
	}

	unchanged, _ := env.engine.GetTransaction(ctx, original.ID)
	if unchanged.NormalizedPhone != buyerPhone || unchanged.Version != original.Version {
		t.Errorf("original row was mutated: %+v", unchanged)
	}

	if _, err := env.engine.ResubmitPayment(ctx, original.ID, tok, "0733000000"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("second resubmit of same row error = %v, want ErrConflict", err)
	}

	history, err := env.engine.OrderHistory(ctx, original.OrderRef)
	if err != nil || len(history) != 2 {
		t.Fatalf("OrderHistory = %d rows, %v", len(history), err)
	}

	env.ingest(t, "Ksh 100 received from 254722000000")
	env.engine.Reconcile(ctx, Request{TransactionID: replacement.ID})
	if _, err := env.engine.ResubmitPayment(ctx, replacement.ID, env.signer.Generate(replacement.ID), "0744000000"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("resubmit after payment error = %v, want ErrConflict", err)
	}
}

func TestIngestReconcilesImmediately(t *testing.T) {
	env := setupEngine(t, WithReconcileOnIngest(true))
	ctx := context.Background()
	tx := env.createTransaction(t, 1000)

	res, err := env.engine.IngestNotification(ctx, paymentText("400"))
	if err != nil {
		t.Fatalf("IngestNotification failed: %v", err)
	}
	if res.Reconciled == nil || !res.Reconciled.Matched || res.Reconciled.TransactionID != tx.ID {
		t.Fatalf("expected immediate reconcile of %s, got %+v", tx.ID, res.Reconciled)
	}
	if !res.Reconciled.NewTotal.Equal(decimal.NewFromInt(400)) {
		t.Errorf("NewTotal = %s, want 400", res.Reconciled.NewTotal)
	}

	unrelated, err := env.engine.IngestNotification(ctx, "Ksh 50 received from 254700000000")
	if err != nil {
		t.Fatalf("IngestNotification failed: %v", err)
	}
	if unrelated.Reconciled != nil {
		t.Errorf("unrelated notification reconciled: %+v", unrelated.Reconciled)
	}

	if _, err := env.engine.IngestNotification(ctx, "   "); !errors.Is(err, models.ErrValidation) {
		t.Errorf("blank text error = %v, want ErrValidation", err)
	}
}
