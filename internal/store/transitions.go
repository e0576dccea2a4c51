package store

import (
	"time"

	"qms/clinic-queue/internal/models"
)

const (
	ActionAssign = "assign"
	ActionServe  = "serve"
	ActionFinish = "finish"
	ActionCancel = "cancel"
)

var transitionMap = map[string][]string{
	ActionAssign: {models.StatusWaiting},
	ActionServe:  {models.StatusWaiting},
	ActionFinish: {models.StatusServing},
	ActionCancel: {models.StatusWaiting, models.StatusServing},
}

var eventTypes = map[string]string{
	ActionAssign: "ticket.assigned",
	ActionServe:  "ticket.served",
	ActionFinish: "ticket.finished",
	ActionCancel: "ticket.canceled",
}

const (
	EventTicketCreated = "ticket.created"
	EventPatientLinked = "ticket.patient_linked"
)

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

func EventType(action string) string {
	return eventTypes[action]
}

// CheckTransition applies the guard for action to ticket. counterID is the
// counter asking for the change; it matters for assign and serve only.
func CheckTransition(action string, ticket models.Ticket, counterID string) error {
	if !ValidTransition(action, ticket.Status) {
		return &TransitionError{Action: action, From: ticket.Status}
	}
	switch action {
	case ActionAssign:
		if ticket.Assigned() {
			return &TransitionError{Action: action, From: "assigned"}
		}
		if counterID == "" {
			return ErrCounterRequired
		}
	case ActionServe:
		if !ticket.Assigned() && counterID == "" {
			return ErrCounterRequired
		}
		if ticket.Assigned() && counterID != "" && !ticket.AssignedTo(counterID) {
			return ErrCounterMismatch
		}
	}
	return nil
}

// ApplyTransition mutates ticket as action prescribes. Callers run
// CheckTransition first. Serving an unassigned ticket assigns it in the same step.
func ApplyTransition(ticket *models.Ticket, action, counterID string, at time.Time) {
	stamp := at
	switch action {
	case ActionAssign:
		assign(ticket, counterID, stamp)
	case ActionServe:
		if !ticket.Assigned() {
			assign(ticket, counterID, stamp)
		}
		ticket.Status = models.StatusServing
		ticket.ServedAt = &stamp
	case ActionFinish:
		ticket.Status = models.StatusFinished
		ticket.FinishedAt = &stamp
	case ActionCancel:
		ticket.Status = models.StatusCanceled
		ticket.CanceledAt = &stamp
	}
}

func assign(ticket *models.Ticket, counterID string, at time.Time) {
	id := counterID
	ticket.CounterID = &id
	if ticket.CalledAt == nil {
		called := at
		ticket.CalledAt = &called
	}
}
