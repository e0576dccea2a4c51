// Package queue runs the clinic queue: kiosk ticket issue, counter calls and
// the ticket lifecycle, with announcements for every change.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/announce"
	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/metrics"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/numbering"
	"qms/clinic-queue/internal/receipt"
	"qms/clinic-queue/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the part of the storage layer the queue needs.
type Store interface {
	store.Catalog
	store.TicketStore
}

// PatientRegistry creates the walk-in patient for a new ticket.
type PatientRegistry interface {
	CreatePlaceholder(ctx context.Context, serviceName, ticketNumber string) (models.Patient, error)
}

type Options struct {
	Clinic receipt.Clinic
	// ConflictRetries bounds attempts for writes that lose a concurrent update.
	ConflictRetries uint
}

type Manager struct {
	store    Store
	numbers  *numbering.Engine
	patients PatientRegistry
	sink     announce.Sink
	clock    clock.Clock
	loc      *time.Location
	clinic   receipt.Clinic
	retries  uint
	backOff  func() backoff.BackOff
	tracer   trace.Tracer
	logger   zerolog.Logger
}

type AddTicketInput struct {
	ServiceID string
	RequestID string
	PatientID string
}

type AddTicketResult struct {
	Ticket  models.Ticket  `json:"ticket"`
	Receipt []receipt.Line `json:"receipt"`
	// Created is false when RequestID replayed an earlier ticket.
	Created bool `json:"created"`
}

type CallResult struct {
	Ticket  *models.Ticket `json:"ticket"`
	Counter models.Counter `json:"counter"`
	Message string         `json:"message"`
}

type TicketQuery struct {
	Status    string
	ServiceID string
	CounterID string
	// Date selects one local day; zero means no date filter.
	Date  time.Time
	Limit int
}

func NewManager(st Store, numbers *numbering.Engine, patients PatientRegistry, sink announce.Sink, clk clock.Clock, logger zerolog.Logger, opts Options) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = announce.Nop{}
	}
	retries := opts.ConflictRetries
	if retries == 0 {
		retries = 3
	}
	return &Manager{
		store:    st,
		numbers:  numbers,
		patients: patients,
		sink:     sink,
		clock:    clk,
		loc:      numbers.Location(),
		clinic:   opts.Clinic,
		retries:  retries,
		backOff:  conflictBackOff,
		tracer:   otel.Tracer("qms/clinic-queue/queue"),
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

func conflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func (m *Manager) Location() *time.Location { return m.loc }

// AddTicket issues the next number of a service and prints its receipt.
// A walk-in patient is registered for the ticket unless PatientID is given;
// failing to do so does not take the number back.
func (m *Manager) AddTicket(ctx context.Context, input AddTicketInput) (AddTicketResult, error) {
	input.ServiceID = strings.TrimSpace(input.ServiceID)
	input.RequestID = strings.TrimSpace(input.RequestID)
	input.PatientID = strings.TrimSpace(input.PatientID)

	ctx, span := m.tracer.Start(ctx, "queue.AddTicket", trace.WithAttributes(attribute.String("service_id", input.ServiceID)))
	defer span.End()

	if input.ServiceID == "" {
		return AddTicketResult{}, fail(span, fmt.Errorf("%w: service_id is required", store.ErrInvalidInput))
	}
	svc, err := m.store.GetService(ctx, input.ServiceID)
	if err != nil {
		return AddTicketResult{}, fail(span, err)
	}

	type created struct {
		ticket models.Ticket
		ok     bool
	}
	res, err := retry(ctx, m, func() (created, error) {
		ticket, ok, err := m.store.CreateTicket(ctx, store.CreateTicketInput{
			RequestID: input.RequestID,
			ServiceID: svc.ServiceID,
			PatientID: input.PatientID,
			CreatedAt: m.clock.Now(),
		}, m.numbers.Assign)
		return created{ticket, ok}, err
	})
	if err != nil {
		return AddTicketResult{}, fail(span, err)
	}
	ticket := res.ticket
	span.SetAttributes(attribute.String("ticket_number", ticket.TicketNumber))

	if res.ok {
		metrics.RecordTicketIssued(svc.ServiceID)
		if ticket.PatientID == nil && m.patients != nil {
			ticket = m.attachPlaceholder(ctx, svc, ticket)
		}
		m.logger.Info().Str("ticket_id", ticket.TicketID).Str("ticket_number", ticket.TicketNumber).Str("service_id", svc.ServiceID).Msg("ticket issued")
		m.publish(ctx, announce.TypeTicketCreated, ticket, models.Counter{}, "")
	}

	return AddTicketResult{
		Ticket:  ticket,
		Receipt: receipt.ForTicket(m.clinic, ticket, svc.Name, m.loc),
		Created: res.ok,
	}, nil
}

func (m *Manager) attachPlaceholder(ctx context.Context, svc models.Service, ticket models.Ticket) models.Ticket {
	p, err := m.patients.CreatePlaceholder(ctx, svc.Name, ticket.TicketNumber)
	if err != nil {
		m.logger.Error().Err(err).Str("ticket_id", ticket.TicketID).Msg("create walk-in patient")
		return ticket
	}
	linked, err := m.store.LinkPatient(ctx, ticket.TicketID, p.PatientID, m.clock.Now())
	if err != nil {
		m.logger.Error().Err(err).Str("ticket_id", ticket.TicketID).Str("patient_id", p.PatientID).Msg("link walk-in patient")
		return ticket
	}
	return linked
}

// CallNext assigns the oldest eligible waiting ticket of today to the counter.
// Result.Ticket is nil when nothing is waiting or the counter still holds an
// active ticket.
func (m *Manager) CallNext(ctx context.Context, counterID string) (CallResult, error) {
	ctx, span := m.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(attribute.String("counter_id", counterID)))
	defer span.End()

	counter, err := m.store.GetCounter(ctx, counterID)
	if err != nil {
		metrics.RecordCallNext("error")
		return CallResult{}, fail(span, err)
	}

	type called struct {
		ticket models.Ticket
		ok     bool
	}
	res, err := retry(ctx, m, func() (called, error) {
		now := m.clock.Now()
		start, end := clock.Day(now, m.loc)
		ticket, ok, err := m.store.CallNext(ctx, store.CallNextInput{
			CounterID: counter.CounterID,
			CalledAt:  now,
			DayStart:  start,
			DayEnd:    end,
		})
		return called{ticket, ok}, err
	})
	if err != nil {
		metrics.RecordCallNext("error")
		return CallResult{}, fail(span, err)
	}

	if !res.ok {
		metrics.RecordCallNext("empty")
		message := announce.EmptyMessage(counter.Name)
		m.sink.Publish(ctx, announce.Event{
			ID:          uuid.NewString(),
			Type:        announce.TypeQueueEmpty,
			ServiceID:   counter.ServiceID,
			CounterID:   counter.CounterID,
			CounterName: counter.Name,
			Message:     message,
			OccurredAt:  m.clock.Now(),
		})
		return CallResult{Counter: counter, Message: message}, nil
	}

	metrics.RecordCallNext("assigned")
	metrics.RecordTransition(store.ActionAssign)
	ticket := res.ticket
	span.SetAttributes(attribute.String("ticket_number", ticket.TicketNumber))
	m.logger.Info().Str("ticket_number", ticket.TicketNumber).Str("counter_id", counter.CounterID).Msg("ticket called")
	message := m.publish(ctx, announce.TypeTicketCalled, ticket, counter, announce.CalledMessage(ticket.TicketNumber, counter.Name))
	return CallResult{Ticket: &ticket, Counter: counter, Message: message}, nil
}

// Recall announces the counter's active ticket again.
func (m *Manager) Recall(ctx context.Context, counterID string) (CallResult, error) {
	ctx, span := m.tracer.Start(ctx, "queue.Recall", trace.WithAttributes(attribute.String("counter_id", counterID)))
	defer span.End()

	counter, err := m.store.GetCounter(ctx, counterID)
	if err != nil {
		return CallResult{}, fail(span, err)
	}
	ticket, ok, err := m.ActiveTicket(ctx, counter.CounterID)
	if err != nil {
		return CallResult{}, fail(span, err)
	}
	if !ok {
		return CallResult{Counter: counter, Message: announce.EmptyMessage(counter.Name)}, nil
	}
	message := m.publish(ctx, announce.TypeTicketRecalled, ticket, counter, announce.CalledMessage(ticket.TicketNumber, counter.Name))
	return CallResult{Ticket: &ticket, Counter: counter, Message: message}, nil
}

// Serve starts service of a ticket. An unassigned ticket needs counterID and
// is assigned to it in the same step.
func (m *Manager) Serve(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return m.transition(ctx, store.ActionServe, ticketID, counterID, m.store.ServeTicket)
}

func (m *Manager) Finish(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return m.transition(ctx, store.ActionFinish, ticketID, counterID, m.store.FinishTicket)
}

func (m *Manager) Cancel(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return m.transition(ctx, store.ActionCancel, ticketID, counterID, m.store.CancelTicket)
}

func (m *Manager) transition(ctx context.Context, action, ticketID, counterID string, apply func(context.Context, store.TicketActionInput) (models.Ticket, error)) (models.Ticket, error) {
	ctx, span := m.tracer.Start(ctx, "queue."+action, trace.WithAttributes(
		attribute.String("ticket_id", ticketID),
		attribute.String("counter_id", counterID),
	))
	defer span.End()

	ticketID = strings.TrimSpace(ticketID)
	counterID = strings.TrimSpace(counterID)
	if ticketID == "" {
		return models.Ticket{}, fail(span, fmt.Errorf("%w: ticket id is required", store.ErrInvalidInput))
	}

	ticket, err := retry(ctx, m, func() (models.Ticket, error) {
		now := m.clock.Now()
		start, _ := clock.Day(now, m.loc)
		return apply(ctx, store.TicketActionInput{TicketID: ticketID, CounterID: counterID, OccurredAt: now, DayStart: start})
	})
	if err != nil {
		return models.Ticket{}, fail(span, err)
	}

	metrics.RecordTransition(action)
	var counter models.Counter
	if ticket.CounterID != nil {
		if counter, err = m.store.GetCounter(ctx, *ticket.CounterID); err != nil {
			m.logger.Warn().Err(err).Str("counter_id", *ticket.CounterID).Msg("load counter for announcement")
		}
	}
	m.logger.Info().Str("ticket_number", ticket.TicketNumber).Str("action", action).Str("status", ticket.Status).Msg("ticket transition")
	m.publish(ctx, store.EventType(action), ticket, counter, "")
	return ticket, nil
}

func (m *Manager) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.store.GetTicket(ctx, ticketID)
}

func (m *Manager) ListTickets(ctx context.Context, query TicketQuery) ([]models.Ticket, error) {
	if query.Status != "" && !models.ValidStatus(query.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidInput, query.Status)
	}
	filter := store.TicketFilter{
		Status:    query.Status,
		ServiceID: query.ServiceID,
		CounterID: query.CounterID,
		Limit:     query.Limit,
	}
	if !query.Date.IsZero() {
		filter.From, filter.To = clock.Day(query.Date, m.loc)
	}
	return m.store.ListTickets(ctx, filter)
}

// ActiveTicket returns the ticket the counter holds today. A ticket left over
// from an earlier day is not reported; the next call or serve cancels it.
func (m *Manager) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	ticket, ok, err := m.store.ActiveTicket(ctx, counterID)
	if err != nil || !ok {
		return models.Ticket{}, false, err
	}
	if !clock.SameDay(ticket.CreatedAt, m.clock.Now(), m.loc) {
		return models.Ticket{}, false, nil
	}
	return ticket, true, nil
}

func (m *Manager) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	return m.store.ListTicketEvents(ctx, ticketID)
}

// Receipt rebuilds the printed slip of an issued ticket.
func (m *Manager) Receipt(ctx context.Context, ticketID string) ([]receipt.Line, error) {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	svc, err := m.store.GetService(ctx, ticket.ServiceID)
	if err != nil {
		return nil, err
	}
	return receipt.ForTicket(m.clinic, ticket, svc.Name, m.loc), nil
}

// NextNumber previews the number the service would issue now.
func (m *Manager) NextNumber(ctx context.Context, serviceID string) (string, error) {
	return m.numbers.GenerateNumber(ctx, serviceID)
}

func (m *Manager) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	return m.store.ListServices(ctx, activeOnly)
}

func (m *Manager) ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error) {
	return m.store.ListCounters(ctx, serviceID)
}

func (m *Manager) publish(ctx context.Context, eventType string, ticket models.Ticket, counter models.Counter, message string) string {
	m.sink.Publish(ctx, announce.Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		TicketID:     ticket.TicketID,
		TicketNumber: ticket.TicketNumber,
		ServiceID:    ticket.ServiceID,
		CounterID:    counter.CounterID,
		CounterName:  counter.Name,
		Message:      message,
		OccurredAt:   m.clock.Now(),
	})
	return message
}

// retry repeats op while it loses concurrent updates. Any other error stops it.
func retry[T any](ctx context.Context, m *Manager, op func() (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		if attempt > 0 {
			metrics.RecordConflictRetry()
		}
		attempt++
		v, err := op()
		if err != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(m.backOff()), backoff.WithMaxTries(m.retries))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
