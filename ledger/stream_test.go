package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"interpay/pay"
)

func notificationServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		ctx := r.Context()
		for _, msg := range messages {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamDeliversNotifications(t *testing.T) {
	payload, _ := json.Marshal(map[string]interface{}{
		"transfer": map[string]interface{}{
			"id":                  "transfer-1",
			"execution_condition": "cc:0:3:abc:1",
		},
		"fulfillment": "cf:0:proof",
	})
	srv := notificationServer(t, []string{
		`{"not":"a notification"}`,
		string(payload),
	})
	defer srv.Close()

	stream := NewStream(wsURL(srv), "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()

	notifications, release, err := stream.SubscribeFulfillments(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	select {
	case note := <-notifications:
		want := pay.FulfillmentNotification{ExecutionCondition: "cc:0:3:abc:1", Fulfillment: "cf:0:proof"}
		if note != want {
			t.Fatalf("unexpected notification: %+v", note)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("notification never delivered")
	}
}

func TestStreamShutdownClosesSubscribers(t *testing.T) {
	srv := notificationServer(t, nil)
	defer srv.Close()

	stream := NewStream(wsURL(srv), "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = stream.Run(ctx)
		close(done)
	}()

	notifications, release, err := stream.SubscribeFulfillments(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream did not stop on cancellation")
	}
	select {
	case _, ok := <-notifications:
		if ok {
			t.Fatalf("expected closed subscriber channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber channel not closed after shutdown")
	}
}
