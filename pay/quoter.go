package pay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QuoteClient is the single ledger operation the quoting phase depends on.
type QuoteClient interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// Quoter turns a payment request into fully-specified payment parameters by
// asking the ledger for a price quote. It performs no side effects beyond
// that one call.
type Quoter struct {
	ledger  QuoteClient
	maxHold time.Duration
	nowFn   func() time.Time
}

// NewQuoter constructs a quoter bound to the supplied ledger client.
func NewQuoter(ledger QuoteClient) *Quoter {
	return &Quoter{ledger: ledger, nowFn: time.Now}
}

// WithClock overrides the time source used for hold-duration checks.
func (q *Quoter) WithClock(now func() time.Time) *Quoter {
	if now != nil {
		q.nowFn = now
	}
	return q
}

// WithMaxHoldDuration bounds the window between quoting and expiry. Zero
// disables the check; there is no default bound.
func (q *Quoter) WithMaxHoldDuration(d time.Duration) *Quoter {
	q.maxHold = d
	return q
}

// QuoteRequest validates the request, obtains a quote from the ledger and
// merges the two into payment parameters. Ledger errors are propagated
// unchanged.
func (q *Quoter) QuoteRequest(ctx context.Context, req PaymentRequest) (PaymentParams, error) {
	if strings.TrimSpace(req.ExecutionCondition) == "" {
		return PaymentParams{}, errMissingCondition()
	}
	if q.maxHold > 0 {
		if hold := req.ExpiresAt.Sub(q.nowFn()); hold > q.maxHold {
			return PaymentParams{}, &ValidationError{Reason: fmt.Sprintf(
				"requested hold duration %s exceeds the configured maximum %s", hold, q.maxHold)}
		}
	}

	quote, err := q.ledger.Quote(ctx, QuoteRequest{
		DestinationLedger: req.DestinationLedger,
		DestinationAmount: req.DestinationAmount,
	})
	if err != nil {
		return PaymentParams{}, err
	}

	return PaymentParams{
		ConnectorAccount:   quote.ConnectorAccount,
		DestinationAccount: req.DestinationAccount,
		DestinationLedger:  req.DestinationLedger,
		SourceAmount:       quote.SourceAmount,
		DestinationAmount:  req.DestinationAmount,
		DestinationMemo: Memo{
			RequestID: req.ID,
			ExpiresAt: req.ExpiresAt.MemoString(),
		},
		ExecutionCondition: req.ExecutionCondition,
		ExpiresAt:          req.ExpiresAt,
	}, nil
}
