// Package ledger implements the client side of the ledger network: a
// JSON-RPC client for quoting and sending transfers, and a websocket
// fulfillment stream fanned out through a broadcast hub.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"interpay/pay"
)

const defaultRPCTimeout = 10 * time.Second

// Client is a lightweight JSON-RPC client for the ledger node. It satisfies
// pay.QuoteClient and pay.SendClient.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewClient constructs a ledger RPC client for the given endpoint. The auth
// token is optional; when set it is presented as a bearer credential.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: authToken,
		http: &http.Client{
			Timeout:   defaultRPCTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Quote asks the ledger to price a payment of the requested destination
// amount, returning the connector account and source amount to use.
func (c *Client) Quote(ctx context.Context, req pay.QuoteRequest) (pay.Quote, error) {
	var quote pay.Quote
	if err := c.call(ctx, "ledger_quote", []interface{}{req}, &quote); err != nil {
		return pay.Quote{}, err
	}
	return quote, nil
}

// SendQuotedPayment instructs the ledger to execute the quoted transfer.
// Completion of the RPC does not imply fulfillment.
func (c *Client) SendQuotedPayment(ctx context.Context, params pay.PaymentParams) error {
	return c.call(ctx, "ledger_sendQuotedPayment", []interface{}{params}, nil)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
