package pay

import "errors"

// ValidationError marks a request that was rejected locally, before any
// ledger call was made. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

var (
	// ErrTransferExpired terminates a pay attempt whose deadline passed
	// before a matching fulfillment arrived. The ledger's own timeout has
	// (or will have) returned the held funds.
	ErrTransferExpired = errors.New("Transfer expired, money returned")

	// ErrStreamClosed is returned when the fulfillment stream shuts down
	// while a pay attempt is still waiting.
	ErrStreamClosed = errors.New("fulfillment notification stream closed")
)

func errMissingCondition() error {
	return &ValidationError{Reason: "Payment requests must have execution conditions"}
}
