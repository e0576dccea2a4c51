package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	Seq          int64      `json:"seq"`
	TicketNumber string     `json:"ticket_number"`
	ServiceID    string     `json:"service_id"`
	CounterID    *string    `json:"counter_id,omitempty"`
	PatientID    *string    `json:"patient_id,omitempty"`
	Status       string     `json:"status"`
	RequestID    string     `json:"request_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	ServedAt     *time.Time `json:"served_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
}

const (
	StatusWaiting  = "waiting"
	StatusServing  = "serving"
	StatusFinished = "finished"
	StatusCanceled = "canceled"
)

// Assigned reports whether a counter has picked the ticket up.
func (t Ticket) Assigned() bool {
	return t.CounterID != nil && *t.CounterID != ""
}

// AssignedTo reports whether the ticket is bound to counterID.
func (t Ticket) AssignedTo(counterID string) bool {
	return t.Assigned() && *t.CounterID == counterID
}

// Active reports whether the ticket still occupies its counter.
func (t Ticket) Active() bool {
	return t.Assigned() && (t.Status == StatusWaiting || t.Status == StatusServing)
}

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusServing, StatusFinished, StatusCanceled:
		return true
	}
	return false
}
