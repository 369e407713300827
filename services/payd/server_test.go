package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"interpay/gateway/middleware"
	"interpay/pay"
)

const testBearer = "test-token"

type mockLedger struct {
	quote    pay.Quote
	quoteErr error
	sendErr  error
	onSend   func(params pay.PaymentParams)

	quoteCalls atomic.Int32
	sendCalls  atomic.Int32

	stream chan pay.FulfillmentNotification
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		quote: pay.Quote{
			ConnectorAccount: "https://blue.ilpdemo.example/ledger/accounts/connie",
			SourceAmount:     "2",
		},
		stream: make(chan pay.FulfillmentNotification, 8),
	}
}

func (m *mockLedger) Quote(_ context.Context, _ pay.QuoteRequest) (pay.Quote, error) {
	m.quoteCalls.Add(1)
	if m.quoteErr != nil {
		return pay.Quote{}, m.quoteErr
	}
	return m.quote, nil
}

func (m *mockLedger) SendQuotedPayment(_ context.Context, params pay.PaymentParams) error {
	m.sendCalls.Add(1)
	if m.sendErr != nil {
		return m.sendErr
	}
	if m.onSend != nil {
		m.onSend(params)
	}
	return nil
}

func (m *mockLedger) SubscribeFulfillments(context.Context) (<-chan pay.FulfillmentNotification, func(), error) {
	return m.stream, func() {}, nil
}

type serverHarness struct {
	server *Server
	ledger *mockLedger
	store  *SQLiteStore
	timer  chan time.Time
}

func newHarness(t *testing.T) *serverHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:payd_%s?mode=memory&cache=shared", t.Name())
	store, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := newMockLedger()
	timer := make(chan time.Time, 1)
	executor := pay.NewPayExecutor(ledger, ledger).
		WithTimer(func(time.Duration) (<-chan time.Time, func() bool) {
			return timer, func() bool { return true }
		})
	server := NewServer(ServerConfig{
		BearerToken: testBearer,
		RateLimit:   middleware.RateLimit{RequestsPerMinute: 6000, Burst: 100},
	}, pay.NewQuoter(ledger), executor, store, nil)
	return &serverHarness{server: server, ledger: ledger, store: store, timer: timer}
}

func (h *serverHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testBearer)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func quoteBody(condition string) pay.PaymentRequest {
	return pay.PaymentRequest{
		ID:                 "req-1",
		DestinationLedger:  "https://red.ilpdemo.example/ledger",
		DestinationAccount: "https://red.ilpdemo.example/ledger/accounts/alice",
		DestinationAmount:  "1",
		ExecutionCondition: condition,
		ExpiresAt:          pay.NewTransferTime(time.Now().Add(time.Minute)),
	}
}

func payBody(condition string) pay.PaymentParams {
	return pay.PaymentParams{
		ConnectorAccount:   "connie",
		DestinationAccount: "alice",
		DestinationLedger:  "https://red.ilpdemo.example/ledger",
		SourceAmount:       "2",
		DestinationAmount:  "1",
		DestinationMemo:    pay.Memo{RequestID: "req-1", ExpiresAt: "2026-03-12T09:30:15Z"},
		ExecutionCondition: condition,
		ExpiresAt:          pay.NewTransferTime(time.Now().Add(time.Minute)),
	}
}

func TestQuoteEndpoint(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/quotes", quoteBody("cc:0:3:abc:1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var params pay.PaymentParams
	if err := json.Unmarshal(rec.Body.Bytes(), &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.SourceAmount != "2" || params.ConnectorAccount != h.ledger.quote.ConnectorAccount {
		t.Fatalf("quote not merged into params: %+v", params)
	}
	if params.DestinationMemo.RequestID != "req-1" {
		t.Fatalf("memo request id missing: %+v", params.DestinationMemo)
	}
}

func TestQuoteEndpointRejectsMissingCondition(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/quotes", quoteBody(""), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if h.ledger.quoteCalls.Load() != 0 {
		t.Fatalf("ledger quoted despite invalid request")
	}
}

func TestQuoteEndpointLedgerFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.quoteErr = errors.New("connector unreachable")
	rec := h.do(t, http.MethodPost, "/v1/quotes", quoteBody("cc:0:3:abc:1"), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestQuoteEndpointRequiresAuth(t *testing.T) {
	h := newHarness(t)
	body, _ := json.Marshal(quoteBody("cc:0:3:abc:1"))
	req := httptest.NewRequest(http.MethodPost, "/v1/quotes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status without bearer: %d", rec.Code)
	}
}

func TestPayEndpointFulfilled(t *testing.T) {
	h := newHarness(t)
	h.ledger.onSend = func(params pay.PaymentParams) {
		go func() {
			h.ledger.stream <- pay.FulfillmentNotification{
				ExecutionCondition: params.ExecutionCondition,
				Fulfillment:        "cf:0:proof",
			}
		}()
	}
	rec := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["fulfillment"] != "cf:0:proof" || resp["status"] != StatusFulfilled {
		t.Fatalf("unexpected response: %v", resp)
	}

	stored, err := h.store.GetPayment(context.Background(), resp["payment_id"])
	if err != nil {
		t.Fatalf("load payment record: %v", err)
	}
	if stored.Status != StatusFulfilled || stored.Fulfillment != "cf:0:proof" {
		t.Fatalf("record not settled: %+v", stored)
	}
}

func TestPayEndpointExpired(t *testing.T) {
	h := newHarness(t)
	h.ledger.onSend = func(pay.PaymentParams) {
		h.timer <- time.Now()
	}
	rec := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != "Transfer expired, money returned" {
		t.Fatalf("unexpected expiry message: %v", resp)
	}
}

func TestPayEndpointSendFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.sendErr = errors.New("ledger rejected transfer")
	rec := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestPayEndpointIdempotencyReplay(t *testing.T) {
	h := newHarness(t)
	h.ledger.onSend = func(params pay.PaymentParams) {
		go func() {
			h.ledger.stream <- pay.FulfillmentNotification{
				ExecutionCondition: params.ExecutionCondition,
				Fulfillment:        "cf:0:proof",
			}
		}()
	}
	headers := map[string]string{headerIdempotencyKey: "key-1"}
	first := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first call failed: %d", first.Code)
	}
	second := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("replay failed: %d", second.Code)
	}
	if h.ledger.sendCalls.Load() != 1 {
		t.Fatalf("replay re-sent the transfer: sends=%d", h.ledger.sendCalls.Load())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs:\n first=%s\nsecond=%s", first.Body.String(), second.Body.String())
	}
}

func TestPayEndpointIdempotencyConflict(t *testing.T) {
	h := newHarness(t)
	h.ledger.onSend = func(params pay.PaymentParams) {
		go func() {
			h.ledger.stream <- pay.FulfillmentNotification{
				ExecutionCondition: params.ExecutionCondition,
				Fulfillment:        "cf:0:proof",
			}
		}()
	}
	headers := map[string]string{headerIdempotencyKey: "key-1"}
	if rec := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:abc:1"), headers); rec.Code != http.StatusOK {
		t.Fatalf("first call failed: %d", rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/v1/payments", payBody("cc:0:3:other:1"), headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for reused key, got %d", rec.Code)
	}
}

func TestGetPaymentNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/payments/unknown", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
