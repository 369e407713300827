package pay

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubQuoteClient struct {
	quote   Quote
	err     error
	calls   int
	lastReq QuoteRequest
}

func (s *stubQuoteClient) Quote(_ context.Context, req QuoteRequest) (Quote, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return Quote{}, s.err
	}
	return s.quote, nil
}

func testRequest(expires time.Time) PaymentRequest {
	return PaymentRequest{
		ID:                 "3cb34c81-5104-415d-8be8-138a22158a48",
		DestinationLedger:  "https://red.ilpdemo.example/ledger",
		DestinationAccount: "https://red.ilpdemo.example/ledger/accounts/alice",
		DestinationAmount:  "1",
		ExecutionCondition: "cc:0:3:vmvf6B7EpFalN6RGDx9F4f4z0wtOIgsIdCmbgv06ceI:7",
		ExpiresAt:          NewTransferTime(expires),
	}
}

func TestQuoteRequestRequiresExecutionCondition(t *testing.T) {
	ledger := &stubQuoteClient{}
	quoter := NewQuoter(ledger)
	req := testRequest(time.Now().Add(10 * time.Second))
	req.ExecutionCondition = ""

	_, err := quoter.QuoteRequest(context.Background(), req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Reason != "Payment requests must have execution conditions" {
		t.Fatalf("unexpected validation message: %q", verr.Reason)
	}
	if ledger.calls != 0 {
		t.Fatalf("quote call made for invalid request: %d", ledger.calls)
	}
}

func TestQuoteRequestMergesQuoteAndRequest(t *testing.T) {
	expires := time.Date(2026, time.March, 12, 9, 30, 15, 250_000_000, time.UTC)
	ledger := &stubQuoteClient{quote: Quote{
		ConnectorAccount: "https://blue.ilpdemo.example/ledger/accounts/connie",
		SourceAmount:     "2",
	}}
	quoter := NewQuoter(ledger)
	req := testRequest(expires)

	params, err := quoter.QuoteRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("quote request: %v", err)
	}
	if ledger.lastReq.DestinationLedger != req.DestinationLedger {
		t.Fatalf("quote asked for wrong ledger: %s", ledger.lastReq.DestinationLedger)
	}
	if ledger.lastReq.DestinationAmount != "1" {
		t.Fatalf("quote asked for wrong amount: %s", ledger.lastReq.DestinationAmount)
	}
	if params.SourceAmount != "2" {
		t.Fatalf("source amount not taken from quote: %s", params.SourceAmount)
	}
	if params.ConnectorAccount != ledger.quote.ConnectorAccount {
		t.Fatalf("connector account not taken from quote: %s", params.ConnectorAccount)
	}
	if params.ExecutionCondition != req.ExecutionCondition {
		t.Fatalf("execution condition not copied: %s", params.ExecutionCondition)
	}
	if params.DestinationMemo.RequestID != req.ID {
		t.Fatalf("memo request id mismatch: %s", params.DestinationMemo.RequestID)
	}
	if params.DestinationMemo.ExpiresAt != "2026-03-12T09:30:15Z" {
		t.Fatalf("memo expiry not second precision: %s", params.DestinationMemo.ExpiresAt)
	}
	if !params.ExpiresAt.Equal(expires) {
		t.Fatalf("params expiry drifted: %s", params.ExpiresAt)
	}

	// Quoting is a pure transform over the quote result: repeating the call
	// must yield the identical record.
	again, err := quoter.QuoteRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("repeat quote request: %v", err)
	}
	if again != params {
		t.Fatalf("quote result not stable across calls:\n first=%+v\nsecond=%+v", params, again)
	}
}

func TestQuoteRequestPropagatesLedgerError(t *testing.T) {
	ledgerErr := errors.New("connector unreachable")
	ledger := &stubQuoteClient{err: ledgerErr}
	quoter := NewQuoter(ledger)

	_, err := quoter.QuoteRequest(context.Background(), testRequest(time.Now().Add(time.Minute)))
	if !errors.Is(err, ledgerErr) {
		t.Fatalf("ledger error not propagated verbatim: %v", err)
	}
}

func TestQuoteRequestMaxHoldDuration(t *testing.T) {
	base := time.Date(2026, time.March, 12, 9, 0, 0, 0, time.UTC)
	ledger := &stubQuoteClient{quote: Quote{ConnectorAccount: "connie", SourceAmount: "2"}}
	quoter := NewQuoter(ledger).
		WithClock(func() time.Time { return base }).
		WithMaxHoldDuration(30 * time.Second)

	_, err := quoter.QuoteRequest(context.Background(), testRequest(base.Add(time.Minute)))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected hold duration rejection, got %v", err)
	}
	if ledger.calls != 0 {
		t.Fatalf("quote call made for over-long hold: %d", ledger.calls)
	}

	if _, err := quoter.QuoteRequest(context.Background(), testRequest(base.Add(20*time.Second))); err != nil {
		t.Fatalf("hold within bound rejected: %v", err)
	}
}

func TestQuoteRequestNoBoundByDefault(t *testing.T) {
	ledger := &stubQuoteClient{quote: Quote{ConnectorAccount: "connie", SourceAmount: "2"}}
	quoter := NewQuoter(ledger)
	// A year-long hold passes when no maximum is configured.
	if _, err := quoter.QuoteRequest(context.Background(), testRequest(time.Now().Add(365*24*time.Hour))); err != nil {
		t.Fatalf("unbounded hold rejected: %v", err)
	}
}
