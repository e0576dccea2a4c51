package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
)

// TicketEvent is one entry of a ticket's append-only history. Each entry
// carries the hash of its predecessor so edits to the log are detectable.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber string     `json:"ticket_number"`
	Status       string     `json:"status"`
	ServiceID    string     `json:"service_id"`
	CounterID    *string    `json:"counter_id"`
	PatientID    *string    `json:"patient_id"`
	CreatedAt    *time.Time `json:"created_at"`
	CalledAt     *time.Time `json:"called_at"`
	ServedAt     *time.Time `json:"served_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	CanceledAt   *time.Time `json:"canceled_at"`
}

// EventPayload snapshots the ticket fields recorded with every event.
func EventPayload(ticket models.Ticket) (json.RawMessage, error) {
	created := ticket.CreatedAt
	return json.Marshal(eventPayload{
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.TicketNumber,
		Status:       ticket.Status,
		ServiceID:    ticket.ServiceID,
		CounterID:    ticket.CounterID,
		PatientID:    ticket.PatientID,
		CreatedAt:    &created,
		CalledAt:     ticket.CalledAt,
		ServedAt:     ticket.ServedAt,
		FinishedAt:   ticket.FinishedAt,
		CanceledAt:   ticket.CanceledAt,
	})
}

// NextTicketEvent chains a new event after prev (nil for the first one).
// createdAt is cut to microseconds, the precision postgres keeps, so the hash
// still verifies after a round trip through any store.
func NextTicketEvent(prev *TicketEvent, ticketID, eventType string, payload json.RawMessage, createdAt time.Time) TicketEvent {
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	return TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticketID, eventType, payload, createdAt, seq),
	}
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents checks sequence numbers and the hash chain.
func VerifyTicketEvents(events []TicketEvent) error {
	prevHash := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("event %d: expected seq %d, got %d", i, i+1, event.TicketSeq)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("event %d: broken chain", event.TicketSeq)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", event.TicketSeq)
		}
		prevHash = event.Hash
	}
	return nil
}

// RehydrateTicket folds the event payloads back into a ticket.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.TicketNumber != "" {
			ticket.TicketNumber = payload.TicketNumber
		}
		if payload.ServiceID != "" {
			ticket.ServiceID = payload.ServiceID
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CounterID != nil {
			ticket.CounterID = payload.CounterID
		}
		if payload.PatientID != nil {
			ticket.PatientID = payload.PatientID
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.ServedAt != nil {
			ticket.ServedAt = payload.ServedAt
		}
		if payload.FinishedAt != nil {
			ticket.FinishedAt = payload.FinishedAt
		}
		if payload.CanceledAt != nil {
			ticket.CanceledAt = payload.CanceledAt
		}
	}
	return ticket, nil
}
