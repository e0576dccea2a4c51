package store

import (
	"context"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
)

// NumberFunc picks the number for a new ticket. Stores call it while holding
// the service's numbering lock, with the most recent ticket of the service
// (nil when the service has none) and the creation time of the new ticket.
type NumberFunc func(svc models.Service, last *models.Ticket, now time.Time) (string, error)

type CreateTicketInput struct {
	RequestID string
	ServiceID string
	PatientID string
	CreatedAt time.Time
}

type CallNextInput struct {
	CounterID string
	CalledAt  time.Time
	// Only tickets created in [DayStart, DayEnd) are eligible. Tickets the
	// counter still holds from before DayStart are canceled first.
	DayStart time.Time
	DayEnd   time.Time
}

type TicketActionInput struct {
	TicketID   string
	CounterID  string
	OccurredAt time.Time
	// DayStart, when set, lets serve cancel tickets the counter still holds
	// from earlier days instead of reporting the counter busy.
	DayStart time.Time
}

type TicketFilter struct {
	Status    string
	ServiceID string
	CounterID string
	From      time.Time
	To        time.Time
	Limit     int
}

type PatientFilter struct {
	Query string
	Limit int
}

type Catalog interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error)
	UpsertService(ctx context.Context, service models.Service) error
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error)
	UpsertCounter(ctx context.Context, counter models.Counter) error
}

type TicketStore interface {
	// CreateTicket numbers and inserts a waiting ticket atomically. The bool is
	// false when RequestID matched an earlier ticket, which is returned as is.
	CreateTicket(ctx context.Context, input CreateTicketInput, next NumberFunc) (models.Ticket, bool, error)
	LastTicket(ctx context.Context, serviceID string) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// ListTickets returns matching tickets newest first, so a limit keeps the
	// most recent ones.
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	LinkPatient(ctx context.Context, ticketID, patientID string, at time.Time) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, bool, error)
	ServeTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	FinishTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type PatientStore interface {
	// CreatePatient stores p, allocating a medical record number when p has none.
	CreatePatient(ctx context.Context, p models.Patient) (models.Patient, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	UpdatePatient(ctx context.Context, p models.Patient) (models.Patient, error)
	ListPatients(ctx context.Context, filter PatientFilter) ([]models.Patient, error)
	CreateMedicalRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error)
	ListMedicalRecords(ctx context.Context, patientID string) ([]models.MedicalRecord, error)
}

type Store interface {
	Catalog
	TicketStore
	PatientStore
}

const DefaultListLimit = 200

// MedicalRecordNumber formats the seq-th record number issued on day.
func MedicalRecordNumber(day time.Time, seq int) string {
	return fmt.Sprintf("RM-%s-%04d", day.Format("20060102"), seq)
}
