package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	TypeTicketCreated  = "ticket.created"
	TypeTicketCalled   = "ticket.called"
	TypeTicketRecalled = "ticket.recalled"
	TypeTicketServed   = "ticket.served"
	TypeTicketFinished = "ticket.finished"
	TypeTicketCanceled = "ticket.canceled"
	TypeQueueEmpty     = "queue.empty"
)

// Event is what display boards, speakers and webhooks receive.
type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	TicketID     string    `json:"ticket_id,omitempty"`
	TicketNumber string    `json:"ticket_number,omitempty"`
	ServiceID    string    `json:"service_id"`
	CounterID    string    `json:"counter_id,omitempty"`
	CounterName  string    `json:"counter_name,omitempty"`
	Message      string    `json:"message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Sink receives queue events. Publish must not block and has no error:
// a lost announcement never fails the queue operation behind it.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

func CalledMessage(ticketNumber, counterName string) string {
	return fmt.Sprintf("Nomor Antrian %s Segera Ke %s", ticketNumber, counterName)
}

func EmptyMessage(counterName string) string {
	return fmt.Sprintf("Tidak ada antrean saat ini di %s", counterName)
}

type Multi []Sink

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, sink := range m {
		sink.Publish(ctx, event)
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{logger: logger.With().Str("component", "announce").Logger()}
}

func (s LogSink) Publish(ctx context.Context, event Event) {
	s.logger.Info().
		Str("type", event.Type).
		Str("ticket_number", event.TicketNumber).
		Str("service_id", event.ServiceID).
		Str("counter_id", event.CounterID).
		Msg(event.Message)
}
