// Package memory keeps the whole queue in process. Every operation takes the
// store lock for its full read-check-write, which serializes numbering and
// call-next across all terminals talking to this process.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu          sync.Mutex
	services    map[string]models.Service
	counters    map[string]models.Counter
	tickets     []models.Ticket
	ticketIndex map[string]int
	requests    map[string]string
	events      map[string][]store.TicketEvent
	patients    map[string]models.Patient
	mrnSeq      map[string]int
	records     []models.MedicalRecord
	version     uint64
	newID       func() string
}

// Snapshot is the serializable form of the store.
type Snapshot struct {
	Services     []models.Service               `json:"services"`
	Counters     []models.Counter               `json:"counters"`
	Tickets      []models.Ticket                `json:"tickets"`
	Requests     map[string]string              `json:"requests"`
	Events       map[string][]store.TicketEvent `json:"events"`
	Patients     []models.Patient               `json:"patients"`
	MRNSequences map[string]int                 `json:"mrn_sequences"`
	Records      []models.MedicalRecord         `json:"records"`
}

func New() *Store {
	return &Store{
		services:    make(map[string]models.Service),
		counters:    make(map[string]models.Counter),
		ticketIndex: make(map[string]int),
		requests:    make(map[string]string),
		events:      make(map[string][]store.TicketEvent),
		patients:    make(map[string]models.Patient),
		mrnSeq:      make(map[string]int),
		newID:       uuid.NewString,
	}
}

// Version increases with every committed mutation.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return svc, nil
}

func (s *Store) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make([]models.Service, 0, len(s.services))
	for _, svc := range s.services {
		if activeOnly && !svc.Active {
			continue
		}
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
	s.version++
	return nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		if serviceID != "" && counter.ServiceID != serviceID {
			continue
		}
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })
	return counters, nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[counter.ServiceID]; !ok {
		return store.ErrServiceNotFound
	}
	s.counters[counter.CounterID] = counter
	s.version++
	return nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput, next store.NumberFunc) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if id, ok := s.requests[input.RequestID]; ok {
			return cloneTicket(s.tickets[s.ticketIndex[id]]), false, nil
		}
	}

	svc, ok := s.services[input.ServiceID]
	if !ok {
		return models.Ticket{}, false, store.ErrServiceNotFound
	}
	if !svc.Active {
		return models.Ticket{}, false, store.ErrServiceInactive
	}
	if input.PatientID != "" {
		if _, ok := s.patients[input.PatientID]; !ok {
			return models.Ticket{}, false, store.ErrPatientNotFound
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var last *models.Ticket
	for i := len(s.tickets) - 1; i >= 0; i-- {
		if s.tickets[i].ServiceID == svc.ServiceID {
			t := cloneTicket(s.tickets[i])
			last = &t
			break
		}
	}
	number, err := next(svc, last, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}

	var seq int64 = 1
	if n := len(s.tickets); n > 0 {
		seq = s.tickets[n-1].Seq + 1
	}
	ticket := models.Ticket{
		TicketID:     s.newID(),
		Seq:          seq,
		TicketNumber: number,
		ServiceID:    svc.ServiceID,
		Status:       models.StatusWaiting,
		RequestID:    input.RequestID,
		CreatedAt:    createdAt,
	}
	if input.PatientID != "" {
		patientID := input.PatientID
		ticket.PatientID = &patientID
	}
	if err := s.appendEvent(ticket, store.EventTicketCreated, createdAt); err != nil {
		return models.Ticket{}, false, err
	}
	s.ticketIndex[ticket.TicketID] = len(s.tickets)
	s.tickets = append(s.tickets, ticket)
	if input.RequestID != "" {
		s.requests[input.RequestID] = ticket.TicketID
	}
	s.version++
	return cloneTicket(ticket), true, nil
}

func (s *Store) LastTicket(ctx context.Context, serviceID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.tickets) - 1; i >= 0; i-- {
		if s.tickets[i].ServiceID == serviceID {
			return cloneTicket(s.tickets[i]), true, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ticketIndex[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return cloneTicket(s.tickets[idx]), nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var tickets []models.Ticket
	for i := len(s.tickets) - 1; i >= 0; i-- {
		t := s.tickets[i]
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.ServiceID != "" && t.ServiceID != filter.ServiceID {
			continue
		}
		if filter.CounterID != "" && !t.AssignedTo(filter.CounterID) {
			continue
		}
		if !filter.From.IsZero() && t.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !t.CreatedAt.Before(filter.To) {
			continue
		}
		tickets = append(tickets, cloneTicket(t))
		if len(tickets) == limit {
			break
		}
	}
	return tickets, nil
}

func (s *Store) LinkPatient(ctx context.Context, ticketID, patientID string, at time.Time) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ticketIndex[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if _, ok := s.patients[patientID]; !ok {
		return models.Ticket{}, store.ErrPatientNotFound
	}
	updated := cloneTicket(s.tickets[idx])
	id := patientID
	updated.PatientID = &id
	if err := s.appendEvent(updated, store.EventPatientLinked, at); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[idx] = updated
	s.version++
	return cloneTicket(updated), nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[input.CounterID]
	if !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	if !counter.Active {
		return models.Ticket{}, false, store.ErrCounterInactive
	}
	if err := s.releaseStale(counter.CounterID, "", input.DayStart, input.CalledAt); err != nil {
		return models.Ticket{}, false, err
	}
	if _, busy := s.activeTicket(counter.CounterID); busy {
		return models.Ticket{}, false, nil
	}

	for idx, t := range s.tickets {
		if t.Status != models.StatusWaiting || t.ServiceID != counter.ServiceID {
			continue
		}
		if t.Assigned() && !t.AssignedTo(counter.CounterID) {
			continue
		}
		if t.CreatedAt.Before(input.DayStart) || !t.CreatedAt.Before(input.DayEnd) {
			continue
		}
		if t.Assigned() {
			return cloneTicket(t), true, nil
		}
		updated, err := s.transition(idx, store.ActionAssign, counter.CounterID, input.CalledAt)
		if err != nil {
			return models.Ticket{}, false, err
		}
		return updated, true, nil
	}
	return models.Ticket{}, false, nil
}

func (s *Store) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.ticketIndex[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ticket := s.tickets[idx]
	if err := store.CheckTransition(store.ActionServe, ticket, input.CounterID); err != nil {
		return models.Ticket{}, err
	}

	counterID := input.CounterID
	if ticket.Assigned() {
		counterID = *ticket.CounterID
	}
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}
	if !ticket.Assigned() {
		if !counter.Active {
			return models.Ticket{}, store.ErrCounterInactive
		}
		if counter.ServiceID != ticket.ServiceID {
			return models.Ticket{}, store.ErrCounterMismatch
		}
	}
	if err := s.releaseStale(counterID, ticket.TicketID, input.DayStart, input.OccurredAt); err != nil {
		return models.Ticket{}, err
	}
	if active, busy := s.activeTicket(counterID); busy && active.TicketID != ticket.TicketID {
		return models.Ticket{}, store.ErrCounterBusy
	}
	return s.transition(idx, store.ActionServe, counterID, input.OccurredAt)
}

func (s *Store) FinishTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.simpleTransition(input, store.ActionFinish)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.simpleTransition(input, store.ActionCancel)
}

func (s *Store) simpleTransition(input store.TicketActionInput, action string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.ticketIndex[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	ticket := s.tickets[idx]
	if err := store.CheckTransition(action, ticket, ""); err != nil {
		return models.Ticket{}, err
	}
	if input.CounterID != "" && ticket.Assigned() && !ticket.AssignedTo(input.CounterID) {
		return models.Ticket{}, store.ErrCounterMismatch
	}
	return s.transition(idx, action, "", input.OccurredAt)
}

func (s *Store) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[counterID]; !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	ticket, ok := s.activeTicket(counterID)
	return ticket, ok, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ticketIndex[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := make([]store.TicketEvent, len(s.events[ticketID]))
	copy(events, s.events[ticketID])
	return events, nil
}

// transition applies action to the ticket at idx and records the event.
// The caller holds the lock and has already checked the guard.
func (s *Store) transition(idx int, action, counterID string, at time.Time) (models.Ticket, error) {
	if at.IsZero() {
		at = time.Now()
	}
	updated := cloneTicket(s.tickets[idx])
	store.ApplyTransition(&updated, action, counterID, at)
	if err := s.appendEvent(updated, store.EventType(action), at); err != nil {
		return models.Ticket{}, err
	}
	s.tickets[idx] = updated
	s.version++
	return cloneTicket(updated), nil
}

func (s *Store) activeTicket(counterID string) (models.Ticket, bool) {
	for i := len(s.tickets) - 1; i >= 0; i-- {
		t := s.tickets[i]
		if t.Active() && t.AssignedTo(counterID) {
			return cloneTicket(t), true
		}
	}
	return models.Ticket{}, false
}

// releaseStale cancels tickets counterID still holds from before dayStart,
// except exceptID. A zero dayStart releases nothing.
func (s *Store) releaseStale(counterID, exceptID string, dayStart, at time.Time) error {
	if dayStart.IsZero() {
		return nil
	}
	for idx, t := range s.tickets {
		if t.TicketID == exceptID || !t.Active() || !t.AssignedTo(counterID) || !t.CreatedAt.Before(dayStart) {
			continue
		}
		if _, err := s.transition(idx, store.ActionCancel, "", at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendEvent(ticket models.Ticket, eventType string, at time.Time) error {
	payload, err := store.EventPayload(ticket)
	if err != nil {
		return err
	}
	history := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	s.events[ticket.TicketID] = append(history, store.NextTicketEvent(prev, ticket.TicketID, eventType, payload, at))
	return nil
}

func (s *Store) CreatePatient(ctx context.Context, p models.Patient) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.MedicalRecordNumber == "" {
		day := p.CreatedAt.Format("20060102")
		s.mrnSeq[day]++
		p.MedicalRecordNumber = store.MedicalRecordNumber(p.CreatedAt, s.mrnSeq[day])
	}
	if s.mrnTaken(p.MedicalRecordNumber, "") {
		return models.Patient{}, store.ErrDuplicateMRN
	}
	if p.PatientID == "" {
		p.PatientID = s.newID()
	}
	p.UpdatedAt = p.CreatedAt
	s.patients[p.PatientID] = p
	s.version++
	return p, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return p, nil
}

func (s *Store) UpdatePatient(ctx context.Context, p models.Patient) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.patients[p.PatientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	if p.MedicalRecordNumber == "" {
		p.MedicalRecordNumber = existing.MedicalRecordNumber
	}
	if s.mrnTaken(p.MedicalRecordNumber, p.PatientID) {
		return models.Patient{}, store.ErrDuplicateMRN
	}
	p.CreatedAt = existing.CreatedAt
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.patients[p.PatientID] = p
	s.version++
	return p, nil
}

func (s *Store) ListPatients(ctx context.Context, filter store.PatientFilter) ([]models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	var patients []models.Patient
	for _, p := range s.patients {
		if query != "" &&
			!strings.Contains(strings.ToLower(p.Name), query) &&
			!strings.Contains(strings.ToLower(p.MedicalRecordNumber), query) {
			continue
		}
		patients = append(patients, p)
	}
	sort.Slice(patients, func(i, j int) bool {
		if !patients[i].CreatedAt.Equal(patients[j].CreatedAt) {
			return patients[i].CreatedAt.After(patients[j].CreatedAt)
		}
		return patients[i].MedicalRecordNumber > patients[j].MedicalRecordNumber
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(patients) > limit {
		patients = patients[:limit]
	}
	return patients, nil
}

func (s *Store) CreateMedicalRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[record.PatientID]; !ok {
		return models.MedicalRecord{}, store.ErrPatientNotFound
	}
	if record.TicketID != nil {
		if _, ok := s.ticketIndex[*record.TicketID]; !ok {
			return models.MedicalRecord{}, store.ErrTicketNotFound
		}
	}
	if record.RecordID == "" {
		record.RecordID = s.newID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.records = append(s.records, record)
	s.version++
	return record, nil
}

func (s *Store) ListMedicalRecords(ctx context.Context, patientID string) ([]models.MedicalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[patientID]; !ok {
		return nil, store.ErrPatientNotFound
	}
	var records []models.MedicalRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].PatientID == patientID {
			records = append(records, s.records[i])
		}
	}
	return records, nil
}

func (s *Store) mrnTaken(mrn, exceptID string) bool {
	for id, p := range s.patients {
		if id != exceptID && p.MedicalRecordNumber == mrn {
			return true
		}
	}
	return false
}

// Export copies the full state.
func (s *Store) Export() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Requests:     make(map[string]string, len(s.requests)),
		Events:       make(map[string][]store.TicketEvent, len(s.events)),
		MRNSequences: make(map[string]int, len(s.mrnSeq)),
	}
	for _, svc := range s.services {
		snap.Services = append(snap.Services, svc)
	}
	for _, counter := range s.counters {
		snap.Counters = append(snap.Counters, counter)
	}
	for _, t := range s.tickets {
		snap.Tickets = append(snap.Tickets, cloneTicket(t))
	}
	for k, v := range s.requests {
		snap.Requests[k] = v
	}
	for k, v := range s.events {
		snap.Events[k] = append([]store.TicketEvent(nil), v...)
	}
	for _, p := range s.patients {
		snap.Patients = append(snap.Patients, p)
	}
	for k, v := range s.mrnSeq {
		snap.MRNSequences[k] = v
	}
	snap.Records = append(snap.Records, s.records...)
	return snap
}

// Import replaces the state with snap.
func (s *Store) Import(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = make(map[string]models.Service, len(snap.Services))
	for _, svc := range snap.Services {
		s.services[svc.ServiceID] = svc
	}
	s.counters = make(map[string]models.Counter, len(snap.Counters))
	for _, counter := range snap.Counters {
		s.counters[counter.CounterID] = counter
	}
	tickets := append([]models.Ticket(nil), snap.Tickets...)
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Seq < tickets[j].Seq })
	s.tickets = tickets
	s.ticketIndex = make(map[string]int, len(tickets))
	for i, t := range tickets {
		s.ticketIndex[t.TicketID] = i
	}
	s.requests = make(map[string]string, len(snap.Requests))
	for k, v := range snap.Requests {
		s.requests[k] = v
	}
	s.events = make(map[string][]store.TicketEvent, len(snap.Events))
	for k, v := range snap.Events {
		s.events[k] = append([]store.TicketEvent(nil), v...)
	}
	s.patients = make(map[string]models.Patient, len(snap.Patients))
	for _, p := range snap.Patients {
		s.patients[p.PatientID] = p
	}
	s.mrnSeq = make(map[string]int, len(snap.MRNSequences))
	for k, v := range snap.MRNSequences {
		s.mrnSeq[k] = v
	}
	s.records = append([]models.MedicalRecord(nil), snap.Records...)
	s.version++
}

func cloneTicket(t models.Ticket) models.Ticket {
	t.CounterID = cloneString(t.CounterID)
	t.PatientID = cloneString(t.PatientID)
	t.CalledAt = cloneTime(t.CalledAt)
	t.ServedAt = cloneTime(t.ServedAt)
	t.FinishedAt = cloneTime(t.FinishedAt)
	t.CanceledAt = cloneTime(t.CanceledAt)
	return t
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
