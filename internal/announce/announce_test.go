package announce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

func TestMessages(t *testing.T) {
	if got := CalledMessage("A-001", "Loket 1"); got != "Nomor Antrian A-001 Segera Ke Loket 1" {
		t.Fatalf("unexpected called message: %s", got)
	}
	if got := EmptyMessage("Loket 1"); got != "Tidak ada antrean saat ini di Loket 1" {
		t.Fatalf("unexpected empty message: %s", got)
	}
}

func TestHubRoutesBySubscription(t *testing.T) {
	h := NewHub(zerolog.Nop())
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	umum := &Client{ID: "umum", Send: make(chan []byte, 4), Subscription: Subscription{ServiceID: "umum"}}
	loket2 := &Client{ID: "loket-2", Send: make(chan []byte, 4), Subscription: Subscription{ServiceID: "umum", CounterID: "loket-2"}}
	for _, c := range []*Client{all, umum, loket2} {
		h.Register(c)
	}

	h.Publish(context.Background(), Event{Type: TypeTicketCalled, ServiceID: "umum", CounterID: "loket-1", TicketNumber: "A-001"})
	h.Publish(context.Background(), Event{Type: TypeTicketCreated, ServiceID: "umum", TicketNumber: "A-002"})
	h.Publish(context.Background(), Event{Type: TypeTicketCreated, ServiceID: "gigi", TicketNumber: "B-001"})

	tests := []struct {
		client *Client
		want   int
	}{
		{all, 3},
		{umum, 2},
		{loket2, 1},
	}
	for _, tt := range tests {
		if got := len(tt.client.Send); got != tt.want {
			t.Fatalf("client %s: expected %d messages, got %d", tt.client.ID, tt.want, got)
		}
	}

	var event Event
	if err := json.Unmarshal(<-loket2.Send, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.TicketNumber != "A-002" {
		t.Fatalf("expected service-wide event for counter display, got %s", event.TicketNumber)
	}
}

func TestHubDropsForSlowClient(t *testing.T) {
	h := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)
	h.Broadcast([]byte("one"), Subscription{})
	h.Broadcast([]byte("two"), Subscription{})
	if len(slow.Send) != 1 {
		t.Fatalf("expected buffer to stay at 1, got %d", len(slow.Send))
	}

	h.Unregister(slow)
	h.Unregister(slow)
	if h.Clients() != 0 {
		t.Fatalf("expected no clients, got %d", h.Clients())
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","service_id":"umum","counter_id":"loket-1"}`))
	if !ok || msg.ServiceID != "umum" || msg.CounterID != "loket-1" {
		t.Fatalf("unexpected parse result: %+v ok=%v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"shout"}`)); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatalf("expected invalid json to be rejected")
	}
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Publish(ctx context.Context, event Event) {
	r.events = append(r.events, event)
}

func TestMultiPublishesToAll(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, Nop{}, b}.Publish(context.Background(), Event{Type: TypeQueueEmpty})
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event")
	}
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls int32
	bodies := make(chan map[string]interface{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, "secret", zerolog.Nop())
	sink.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	sink.Publish(ctx, Event{Type: TypeTicketCalled, TicketNumber: "A-001", Message: CalledMessage("A-001", "Loket 1")})

	select {
	case body := <-bodies:
		if body["message"] != "Nomor Antrian A-001 Segera Ke Loket 1" {
			t.Fatalf("unexpected message: %v", body["message"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected webhook delivery")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, "", zerolog.Nop())
	sink.backOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	if err := sink.deliver(context.Background(), Event{Type: TypeQueueEmpty}); err == nil {
		t.Fatalf("expected delivery error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}
