package pay

import (
	"context"
	"strings"
	"time"
)

// SendClient issues the quoted transfer on the ledger. Completion of the
// send call does not imply fulfillment; that arrives out-of-band on the
// notification stream.
type SendClient interface {
	SendQuotedPayment(ctx context.Context, params PaymentParams) error
}

// FulfillmentStream hands out independent subscriptions onto the ledger's
// multiplexed fulfillment broadcast. The returned cancel func must release
// the subscription; it is safe to call more than once.
type FulfillmentStream interface {
	SubscribeFulfillments(ctx context.Context) (<-chan FulfillmentNotification, func(), error)
}

// PayExecutor executes quoted payments and waits for the matching
// fulfillment, racing it against the transfer's expiry. Each PayRequest
// invocation keeps all of its state local, so any number of calls may wait
// on distinct conditions over the same shared stream.
type PayExecutor struct {
	ledger  SendClient
	stream  FulfillmentStream
	nowFn   func() time.Time
	afterFn func(d time.Duration) (<-chan time.Time, func() bool)
}

// NewPayExecutor constructs an executor over the given send client and
// notification stream.
func NewPayExecutor(ledger SendClient, stream FulfillmentStream) *PayExecutor {
	return &PayExecutor{
		ledger:  ledger,
		stream:  stream,
		nowFn:   time.Now,
		afterFn: timerAfter,
	}
}

// WithClock overrides the time source used to arm the expiry deadline.
func (e *PayExecutor) WithClock(now func() time.Time) *PayExecutor {
	if now != nil {
		e.nowFn = now
	}
	return e
}

// WithTimer overrides the deadline timer factory. The returned stop func
// disarms the timer.
func (e *PayExecutor) WithTimer(after func(d time.Duration) (<-chan time.Time, func() bool)) *PayExecutor {
	if after != nil {
		e.afterFn = after
	}
	return e
}

// PayRequest sends the quoted transfer and resolves with the fulfillment
// payload of the first notification whose condition matches
// params.ExecutionCondition, or fails with ErrTransferExpired once the
// deadline passes. Exactly one of the two outcomes terminates the call; the
// subscription and timer are released on every exit path. Send failures
// propagate unchanged after teardown.
func (e *PayExecutor) PayRequest(ctx context.Context, params PaymentParams) (string, error) {
	if strings.TrimSpace(params.ExecutionCondition) == "" {
		return "", &ValidationError{Reason: "Payment parameters must have execution conditions"}
	}

	// Subscribe before sending so a fulfillment racing the send call's own
	// completion cannot be missed.
	notifications, cancel, err := e.stream.SubscribeFulfillments(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	if err := e.ledger.SendQuotedPayment(ctx, params); err != nil {
		return "", err
	}

	expiry, stop := e.afterFn(params.ExpiresAt.Sub(e.nowFn()))
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case note, ok := <-notifications:
			if !ok {
				return "", ErrStreamClosed
			}
			if note.ExecutionCondition != params.ExecutionCondition {
				continue
			}
			return note.Fulfillment, nil
		case <-expiry:
			return "", ErrTransferExpired
		}
	}
}

func timerAfter(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}
