package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

const webhookQueueSize = 256

// WebhookSink forwards events to an HTTP endpoint (speaker box, messaging
// gateway). Delivery happens on Run's goroutine; Publish only enqueues.
type WebhookSink struct {
	url      string
	token    string
	client   *http.Client
	queue    chan Event
	maxTries uint
	backOff  func() backoff.BackOff
	logger   zerolog.Logger
}

func NewWebhookSink(url, token string, logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		url:      url,
		token:    token,
		client:   &http.Client{Timeout: 5 * time.Second},
		queue:    make(chan Event, webhookQueueSize),
		maxTries: 3,
		backOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

func (s *WebhookSink) Publish(ctx context.Context, event Event) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn().Str("type", event.Type).Str("ticket_number", event.TicketNumber).Msg("webhook queue full, dropping event")
	}
}

// Run delivers queued events until ctx is done.
func (s *WebhookSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			if err := s.deliver(ctx, event); err != nil {
				s.logger.Error().Err(err).Str("type", event.Type).Str("ticket_number", event.TicketNumber).Msg("webhook delivery failed")
			}
		}
	}
}

func (s *WebhookSink) deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"channel": "announcement",
		"message": event.Message,
		"event":   event,
	})
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	}, backoff.WithBackOff(s.backOff()), backoff.WithMaxTries(s.maxTries))
	return err
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("webhook rejected request: %d", resp.StatusCode))
	}
	return nil
}
