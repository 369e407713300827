package pay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Ledger timestamp layouts. Transfer expiries carry millisecond precision
// while memo expiries are truncated to whole seconds; both must render the
// same instant bit-exact at the wire.
const (
	MemoTimeLayout     = "2006-01-02T15:04:05Z"
	TransferTimeLayout = "2006-01-02T15:04:05.000Z"
)

// TransferTime is a UTC instant that marshals in the ledger's canonical
// millisecond-precision representation.
type TransferTime struct {
	time.Time
}

// NewTransferTime normalises t to UTC millisecond precision.
func NewTransferTime(t time.Time) TransferTime {
	return TransferTime{t.UTC().Truncate(time.Millisecond)}
}

func (t TransferTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TransferTimeLayout))
}

func (t *TransferTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(TransferTimeLayout, raw)
	if err != nil {
		// Accept plain RFC 3339 from callers that do not render milliseconds.
		parsed, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parse transfer timestamp %q: %w", raw, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// MemoString renders the instant in the memo's second-precision layout.
func (t TransferTime) MemoString() string {
	return t.UTC().Format(MemoTimeLayout)
}

// PaymentRequest is an inbound request for a conditional payment. It is
// immutable once received; a request without an execution condition is
// invalid and never reaches the ledger.
type PaymentRequest struct {
	ID                 string       `json:"id"`
	DestinationLedger  string       `json:"destination_ledger"`
	DestinationAccount string       `json:"destination_account"`
	DestinationAmount  string       `json:"destination_amount"`
	ExecutionCondition string       `json:"execution_condition"`
	ExpiresAt          TransferTime `json:"expires_at"`
}

// QuoteRequest carries the two fields the ledger needs to price a payment.
type QuoteRequest struct {
	DestinationLedger string `json:"destination_ledger"`
	DestinationAmount string `json:"destination_amount"`
}

// Quote is the ledger's answer to a quote request. It is ephemeral and is
// folded into PaymentParams immediately.
type Quote struct {
	ConnectorAccount string `json:"connector_account"`
	SourceAmount     string `json:"source_amount"`
}

// Memo travels with the transfer and is returned verbatim on fulfillment.
// The ledger treats it as opaque.
type Memo struct {
	RequestID string `json:"request_id"`
	ExpiresAt string `json:"expires_at"`
}

// PaymentParams is the fully-specified contract handed from the quoting
// phase to the paying phase. It is self-describing; PayExecutor performs no
// further lookups. The execution condition is the sole correlation key
// between a pay attempt and its fulfillment.
type PaymentParams struct {
	ConnectorAccount   string       `json:"connector_account"`
	DestinationAccount string       `json:"destination_account"`
	DestinationLedger  string       `json:"destination_ledger"`
	SourceAmount       string       `json:"source_amount"`
	DestinationAmount  string       `json:"destination_amount"`
	DestinationMemo    Memo         `json:"destination_memo"`
	ExecutionCondition string       `json:"execution_condition"`
	ExpiresAt          TransferTime `json:"expires_at"`
}

// FulfillmentNotification is emitted by the ledger's notification stream
// when a held transfer is executed. Notifications for conditions other than
// the one being awaited are filtered, never treated as errors.
type FulfillmentNotification struct {
	ExecutionCondition string `json:"execution_condition"`
	Fulfillment        string `json:"fulfillment"`
}
