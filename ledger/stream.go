package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"interpay/pay"
)

const (
	dialTimeout      = 10 * time.Second
	reconnectBackoff = 2 * time.Second
	maxBackoff       = 30 * time.Second
)

// Stream maintains a websocket connection to the ledger's notification feed
// and republishes decoded fulfillment notifications through a Hub. It
// reconnects with backoff until its context is cancelled.
type Stream struct {
	url          string
	authToken    string
	hub          *Hub
	logger       *slog.Logger
	onDisconnect func()
}

// wireNotification is the ledger's fulfillment event shape: the transfer
// descriptor carries the execution condition used for correlation.
type wireNotification struct {
	Transfer struct {
		ID                 string `json:"id"`
		ExecutionCondition string `json:"execution_condition"`
	} `json:"transfer"`
	Fulfillment string `json:"fulfillment"`
}

// NewStream constructs a stream for the given websocket endpoint. Run must
// be called before subscriptions observe anything.
func NewStream(url, authToken string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		url:       strings.TrimSpace(url),
		authToken: authToken,
		hub:       NewHub(),
		logger:    logger,
	}
}

// WithDisconnectHook registers a callback invoked whenever the connection
// drops and a reconnect is scheduled. Used for metrics.
func (s *Stream) WithDisconnectHook(fn func()) *Stream {
	s.onDisconnect = fn
	return s
}

// SubscribeFulfillments implements pay.FulfillmentStream.
func (s *Stream) SubscribeFulfillments(ctx context.Context) (<-chan pay.FulfillmentNotification, func(), error) {
	return s.hub.SubscribeFulfillments(ctx)
}

// Run drives the connect/read loop until the context is cancelled, then
// closes the hub so waiting subscribers unblock.
func (s *Stream) Run(ctx context.Context) error {
	defer s.hub.Close()
	backoff := reconnectBackoff
	for {
		connected, err := s.readOnce(ctx)
		if connected {
			backoff = reconnectBackoff
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("fulfillment stream disconnected", "error", err, "retry_in", backoff.String())
			if s.onDisconnect != nil {
				s.onDisconnect()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (s *Stream) readOnce(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	opts := &websocket.DialOptions{}
	if strings.TrimSpace(s.authToken) != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.authToken}}
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, opts)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	s.logger.Info("fulfillment stream connected", "url", s.url)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		if typ != websocket.MessageText {
			continue
		}
		var wire wireNotification
		if err := json.Unmarshal(data, &wire); err != nil {
			s.logger.Warn("discarding malformed notification", "error", err)
			continue
		}
		if strings.TrimSpace(wire.Transfer.ExecutionCondition) == "" {
			continue
		}
		s.hub.Publish(pay.FulfillmentNotification{
			ExecutionCondition: wire.Transfer.ExecutionCondition,
			Fulfillment:        wire.Fulfillment,
		})
	}
}

// IsClosed reports whether err is the normal closure status, which callers
// can treat as a clean shutdown.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
