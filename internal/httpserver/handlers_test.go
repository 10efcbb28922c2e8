package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/VigilPay/server/internal/config"
	"github.com/VigilPay/server/internal/storage"
)

// Well-known program keys double as valid base58 fixtures.
const (
	testRecipient = "11111111111111111111111111111111"
	testPayer     = "So11111111111111111111111111111111111111112"
	testMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testReference = "Vote111111111111111111111111111111111111111"
)

func paymentConfig() *config.Config {
	return &config.Config{
		Solana: config.SolanaConfig{
			RecipientAddress: testRecipient,
			TokenMint:        testMint,
			TokenDecimals:    6,
			Network:          "devnet",
		},
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error response: %v (body %s)", err, rec.Body.String())
	}
	return resp.Error.Code
}

// TestHealthEndpoint verifies the health check endpoint returns appropriate status.
// Without a ledger client, RPC connectivity cannot be verified, so the check
// reports "degraded" (503).
func TestHealthEndpoint(t *testing.T) {
	h := &handlers{
		cfg: &config.Config{},
	}

	req := httptest.NewRequest("GET", "/vigil-health", nil)
	rec := httptest.NewRecorder()

	h.health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 (degraded without ledger), got %d", rec.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if response["status"] != "degraded" {
		t.Errorf("expected status 'degraded' without ledger, got %v", response["status"])
	}
}

// TestHealthFeatures verifies the feature list tracks what is enabled in config.
func TestHealthFeatures(t *testing.T) {
	h := &handlers{
		cfg: &config.Config{
			Monitor: config.MonitorConfig{Enabled: true},
			Live:    config.LiveConfig{Enabled: true},
			Callbacks: config.CallbacksConfig{
				PaymentConfirmedURL: "http://localhost:9090/hook",
			},
		},
	}

	req := httptest.NewRequest("GET", "/vigil-health", nil)
	rec := httptest.NewRecorder()

	h.health(rec, req)

	var response map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	features, ok := response["features"].([]interface{})
	if !ok {
		t.Fatalf("expected features array, got %T", response["features"])
	}
	got := make(map[string]bool, len(features))
	for _, f := range features {
		got[f.(string)] = true
	}
	for _, want := range []string{"monitor", "live", "webhooks"} {
		if !got[want] {
			t.Errorf("expected feature %q in %v", want, features)
		}
	}
	if got["email"] {
		t.Errorf("email feature reported but not enabled")
	}
}

// TestCreatePaymentValidation walks the request validation failures.
func TestCreatePaymentValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed_json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_payload",
		},
		{
			name:       "unknown_field",
			body:       `{"amount":"1","flavor":"grape"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_payload",
		},
		{
			name:       "missing_amount",
			body:       `{"kind":"native"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_field",
		},
		{
			name:       "unknown_kind",
			body:       `{"amount":"1","kind":"wire"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_field",
		},
		{
			name:       "bad_recipient",
			body:       `{"amount":"1","recipient":"not-base58!!"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_wallet",
		},
		{
			name:       "bad_amount",
			body:       `{"amount":"1.2.3"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_amount",
		},
		{
			name:       "too_many_decimals",
			body:       `{"amount":"0.0000000001"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_amount",
		},
		{
			name:       "bad_email",
			body:       `{"amount":"1","customerEmail":"not-an-email"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_email",
		},
		{
			name:       "bad_token_mint",
			body:       `{"amount":"1","kind":"token","tokenMint":"bogus"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_token_mint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &handlers{
				cfg:   paymentConfig(),
				store: storage.NewMemoryStore(),
			}

			req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.createPayment(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (body %s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected error code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

// TestCreatePayment verifies the happy path stores a pending intent and
// returns a parseable reference.
func TestCreatePayment(t *testing.T) {
	store := storage.NewMemoryStore()
	h := &handlers{
		cfg:   paymentConfig(),
		store: store,
	}

	body := `{"amount":"0.5","kind":"native","memo":"order 42"}`
	req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.createPayment(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	var view paymentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if _, err := solana.PublicKeyFromBase58(view.Reference); err != nil {
		t.Errorf("reference %q is not a valid public key: %v", view.Reference, err)
	}
	if view.Status != string(storage.PaymentStatusPending) {
		t.Errorf("expected pending status, got %q", view.Status)
	}
	if view.BaseUnits != 500_000_000 {
		t.Errorf("expected 500000000 base units for 0.5 SOL, got %d", view.BaseUnits)
	}
	if view.Recipient != testRecipient {
		t.Errorf("expected default recipient, got %q", view.Recipient)
	}

	stored, err := store.GetPayment(context.Background(), view.Reference)
	if err != nil {
		t.Fatalf("payment not stored: %v", err)
	}
	if stored.Memo != "order 42" {
		t.Errorf("memo not persisted, got %q", stored.Memo)
	}
}

// TestCreateTokenPayment verifies mint and decimals default from config.
func TestCreateTokenPayment(t *testing.T) {
	h := &handlers{
		cfg:   paymentConfig(),
		store: storage.NewMemoryStore(),
	}

	req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(`{"amount":"2.5","kind":"token"}`))
	rec := httptest.NewRecorder()

	h.createPayment(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (body %s)", rec.Code, rec.Body.String())
	}

	var view paymentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if view.TokenMint != testMint {
		t.Errorf("expected config mint, got %q", view.TokenMint)
	}
	if view.TokenDecimals != 6 {
		t.Errorf("expected 6 decimals, got %d", view.TokenDecimals)
	}
	if view.BaseUnits != 2_500_000 {
		t.Errorf("expected 2500000 base units for 2.5 at 6 decimals, got %d", view.BaseUnits)
	}
}

// TestCreatePaymentRequiresMerchantKey verifies creation is rejected when API
// keys are enforced and the request carries none.
func TestCreatePaymentRequiresMerchantKey(t *testing.T) {
	cfg := paymentConfig()
	cfg.APIKey.Enabled = true
	h := &handlers{
		cfg:   cfg,
		store: storage.NewMemoryStore(),
	}

	req := httptest.NewRequest("POST", "/api/v1/payments", strings.NewReader(`{"amount":"1"}`))
	rec := httptest.NewRecorder()

	h.createPayment(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "unauthorized" {
		t.Errorf("expected error code unauthorized, got %q", code)
	}
}

// TestGetPayment covers lookup validation, not-found, and the happy path.
func TestGetPayment(t *testing.T) {
	store := storage.NewMemoryStore()
	seeded := storage.Payment{
		Reference: testReference,
		Kind:      storage.PaymentKindNative,
		Amount:    "0.5",
		BaseUnits: 500_000_000,
		Recipient: testRecipient,
		Status:    storage.PaymentStatusPending,
	}
	if err := store.CreatePayment(context.Background(), seeded); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	h := &handlers{cfg: paymentConfig(), store: store}
	router := chi.NewRouter()
	router.Get("/api/v1/payments/{reference}", h.getPayment)

	tests := []struct {
		name       string
		reference  string
		wantStatus int
		wantCode   string
	}{
		{"invalid_reference", "not-base58!!", http.StatusBadRequest, "invalid_reference"},
		{"unknown_reference", testPayer, http.StatusNotFound, "payment_not_found"},
		{"found", testReference, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/payments/"+tt.reference, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (body %s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantCode != "" {
				if code := errorCode(t, rec); code != tt.wantCode {
					t.Errorf("expected error code %q, got %q", tt.wantCode, code)
				}
				return
			}

			var view paymentView
			if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if view.Reference != testReference || view.Amount != "0.5" {
				t.Errorf("unexpected payment view: %+v", view)
			}
		})
	}
}

// TestBuildTransactionChecks covers the request validation that runs before
// any RPC call. The ledger client is nil, so a request that passes all checks
// fails with rpc_error instead of dialing out.
func TestBuildTransactionChecks(t *testing.T) {
	store := storage.NewMemoryStore()
	pending := storage.Payment{
		Reference: testReference,
		Kind:      storage.PaymentKindNative,
		Amount:    "0.5",
		BaseUnits: 500_000_000,
		Recipient: testRecipient,
		Status:    storage.PaymentStatusPending,
	}
	if err := store.CreatePayment(context.Background(), pending); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	confirmedRef := testMint // any distinct valid key
	confirmed := storage.Payment{
		Reference: confirmedRef,
		Kind:      storage.PaymentKindNative,
		Amount:    "1",
		BaseUnits: 1_000_000_000,
		Recipient: testRecipient,
		Status:    storage.PaymentStatusConfirmed,
	}
	if err := store.CreatePayment(context.Background(), confirmed); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	h := &handlers{cfg: paymentConfig(), store: store}
	router := chi.NewRouter()
	router.Post("/api/v1/payments/{reference}/transaction", h.buildPaymentTransaction)

	tests := []struct {
		name       string
		reference  string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"invalid_reference", "nope", `{"account":"` + testPayer + `"}`, http.StatusBadRequest, "invalid_reference"},
		{"missing_account", testReference, `{}`, http.StatusBadRequest, "missing_field"},
		{"invalid_account", testReference, `{"account":"zz!!"}`, http.StatusBadRequest, "invalid_wallet"},
		{"unknown_payment", testPayer, `{"account":"` + testPayer + `"}`, http.StatusNotFound, "payment_not_found"},
		{"not_pending", confirmedRef, `{"account":"` + testPayer + `"}`, http.StatusConflict, "payment_not_pending"},
		{"ledger_unavailable", testReference, `{"account":"` + testPayer + `"}`, http.StatusBadGateway, "rpc_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/payments/"+tt.reference+"/transaction", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d (body %s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("expected error code %q, got %q", tt.wantCode, code)
			}
		})
	}
}

// seedFailedWebhook walks a queued webhook through processing into the
// terminal failed state the DLQ endpoints operate on.
func seedFailedWebhook(t *testing.T, store storage.Store) string {
	t.Helper()
	id, err := store.EnqueueWebhook(context.Background(), storage.PendingWebhook{
		URL:         "http://localhost:9090/hook",
		Payload:     json.RawMessage(`{"eventType":"payment.confirmed"}`),
		EventType:   "payment.confirmed",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("enqueue webhook: %v", err)
	}
	if err := store.MarkWebhookProcessing(context.Background(), id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := store.MarkWebhookFailed(context.Background(), id, "connection refused", time.Now()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	return id
}

// TestAdminDLQList verifies the DLQ listing and its limit validation.
func TestAdminDLQList(t *testing.T) {
	store := storage.NewMemoryStore()
	id := seedFailedWebhook(t, store)

	h := &handlers{cfg: paymentConfig(), store: store}

	req := httptest.NewRequest("GET", "/api/v1/admin/webhooks/dlq", nil)
	rec := httptest.NewRecorder()
	h.listDLQWebhooks(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Webhooks []storage.PendingWebhook `json:"webhooks"`
		Count    int                      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Count != 1 || len(resp.Webhooks) != 1 || resp.Webhooks[0].ID != id {
		t.Errorf("expected the seeded webhook, got %+v", resp)
	}

	req = httptest.NewRequest("GET", "/api/v1/admin/webhooks/dlq?limit=zero", nil)
	rec = httptest.NewRecorder()
	h.listDLQWebhooks(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for bad limit, got %d", rec.Code)
	}
}

// TestAdminDLQRetry verifies a failed webhook is re-queued and edge cases are rejected.
func TestAdminDLQRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	id := seedFailedWebhook(t, store)

	h := &handlers{cfg: paymentConfig(), store: store}
	router := chi.NewRouter()
	router.Post("/api/v1/admin/webhooks/dlq/{id}/retry", h.retryDLQWebhook)

	req := httptest.NewRequest("POST", "/api/v1/admin/webhooks/dlq/"+id+"/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (body %s)", rec.Code, rec.Body.String())
	}
	hook, err := store.GetWebhook(context.Background(), id)
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	if hook.Status != storage.WebhookStatusPending {
		t.Errorf("expected webhook re-queued as pending, got %q", hook.Status)
	}

	// Already pending now, so a second retry is rejected.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/admin/webhooks/dlq/"+id+"/retry", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 retrying a non-failed webhook, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/admin/webhooks/dlq/missing/retry", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for unknown webhook, got %d", rec.Code)
	}
}

// TestAdminAuth verifies the bearer key gate on the admin surface.
func TestAdminAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		key        string
		authHeader string
		wantStatus int
	}{
		{"open_when_unset", "", "", http.StatusOK},
		{"missing_header", "secret", "", http.StatusUnauthorized},
		{"wrong_key", "secret", "Bearer nope", http.StatusUnauthorized},
		{"wrong_scheme", "secret", "secret", http.StatusUnauthorized},
		{"valid", "secret", "Bearer secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/metrics", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()

			adminAuth(tt.key)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
