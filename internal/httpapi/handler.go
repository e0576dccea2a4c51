package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/clinic-queue/internal/announce"
	"qms/clinic-queue/internal/metrics"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/patient"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/receipt"
	"qms/clinic-queue/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Queue interface {
	AddTicket(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error)
	CallNext(ctx context.Context, counterID string) (queue.CallResult, error)
	Recall(ctx context.Context, counterID string) (queue.CallResult, error)
	Serve(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	Finish(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context, query queue.TicketQuery) ([]models.Ticket, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	Receipt(ctx context.Context, ticketID string) ([]receipt.Line, error)
	NextNumber(ctx context.Context, serviceID string) (string, error)
	ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error)
	ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error)
	Snapshot(ctx context.Context, serviceID string) (queue.Snapshot, error)
	Location() *time.Location
}

type Patients interface {
	Register(ctx context.Context, p models.Patient) (models.Patient, error)
	Update(ctx context.Context, p models.Patient) (models.Patient, error)
	Get(ctx context.Context, patientID string) (models.Patient, error)
	List(ctx context.Context, query string, limit int) ([]models.Patient, error)
}

type Records interface {
	Create(ctx context.Context, input patient.CreateRecordInput) (patient.RecordResult, error)
	List(ctx context.Context, patientID string) ([]models.MedicalRecord, error)
}

type Handler struct {
	queue    Queue
	patients Patients
	records  Records
	hub      *announce.Hub
	logger   zerolog.Logger
}

type Deps struct {
	Queue    Queue
	Patients Patients
	Records  Records
	// Hub feeds the /realtime stream; nil disables it.
	Hub    *announce.Hub
	Logger zerolog.Logger
}

type createTicketRequest struct {
	RequestID string `json:"request_id"`
	ServiceID string `json:"service_id"`
	PatientID string `json:"patient_id"`
}

type ticketActionRequest struct {
	CounterID string `json:"counter_id"`
}

type receiptResponse struct {
	Lines []receipt.Line `json:"lines"`
	Text  string         `json:"text"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(deps Deps) *Handler {
	return &Handler{
		queue:    deps.Queue,
		patients: deps.Patients,
		records:  deps.Records,
		hub:      deps.Hub,
		logger:   deps.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/services", h.handleListServices)
		r.Get("/services/{id}/next-number", h.handleNextNumber)
		r.Get("/counters", h.handleListCounters)
		r.Post("/counters/{id}/call-next", h.handleCallNext)
		r.Post("/counters/{id}/recall", h.handleRecall)
		r.Get("/counters/{id}/active", h.handleActiveTicket)
		r.Get("/snapshot", h.handleSnapshot)

		r.Post("/tickets", h.handleCreateTicket)
		r.Get("/tickets", h.handleListTickets)
		r.Get("/tickets/{id}", h.handleGetTicket)
		r.Get("/tickets/{id}/receipt", h.handleReceipt)
		r.Get("/tickets/{id}/events", h.handleTicketEvents)
		r.Post("/tickets/{id}/serve", h.handleTicketAction(h.queue.Serve))
		r.Post("/tickets/{id}/finish", h.handleTicketAction(h.queue.Finish))
		r.Post("/tickets/{id}/cancel", h.handleTicketAction(h.queue.Cancel))

		r.Post("/patients", h.handleRegisterPatient)
		r.Get("/patients", h.handleListPatients)
		r.Get("/patients/{id}", h.handleGetPatient)
		r.Put("/patients/{id}", h.handleUpdatePatient)
		r.Get("/patients/{id}/medical-records", h.handleListMedicalRecords)
		r.Post("/medical-records", h.handleCreateMedicalRecord)
	})

	if h.hub != nil {
		r.Handle("/realtime/*", newRealtimeHandler(h.hub, h.logger))
	}
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("all") != "true"
	services, err := h.queue.ListServices(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(services))
}

func (h *Handler) handleNextNumber(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "id")
	number, err := h.queue.NextNumber(r.Context(), serviceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service_id": serviceID, "next_number": number})
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.queue.ListCounters(r.Context(), strings.TrimSpace(r.URL.Query().Get("service_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(counters))
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.CallNext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.Recall(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	ticket, ok, err := h.queue.ActiveTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queue.Snapshot(r.Context(), strings.TrimSpace(r.URL.Query().Get("service_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = requestID(r)
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "service_id is required")
		return
	}

	res, err := h.queue.AddTicket(r.Context(), queue.AddTicketInput{
		ServiceID: req.ServiceID,
		RequestID: req.RequestID,
		PatientID: req.PatientID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := queue.TicketQuery{
		Status:    strings.TrimSpace(q.Get("status")),
		ServiceID: strings.TrimSpace(q.Get("service_id")),
		CounterID: strings.TrimSpace(q.Get("counter_id")),
	}
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		date, err := time.ParseInLocation(time.DateOnly, raw, h.queue.Location())
		if err != nil {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		query.Date = date
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		query.Limit = limit
	}

	tickets, err := h.queue.ListTickets(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(tickets))
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queue.GetTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	lines, err := h.queue.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	width := receipt.DefaultWidth
	if raw := r.URL.Query().Get("width"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			width = n
		}
	}
	writeJSON(w, http.StatusOK, receiptResponse{Lines: lines, Text: receipt.Render(lines, width)})
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.queue.TicketHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

type ticketAction func(ctx context.Context, ticketID, counterID string) (models.Ticket, error)

func (h *Handler) handleTicketAction(action ticketAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ticketActionRequest
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
		ticket, err := action(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.CounterID))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, requestID(r), status, code, msg)
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	return decodeBody(w, r, target, false)
}

// decodeOptionalJSON accepts a missing body, including an empty chunked one.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	return decodeBody(w, r, target, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}, optional bool) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string, string) {
	var transition *store.TransitionError
	switch {
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter already has an active ticket"
	case errors.As(err, &transition):
		return http.StatusConflict, "invalid_transition", transition.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrCounterMismatch):
		return http.StatusConflict, "counter_mismatch", "ticket assigned to different counter"
	case errors.Is(err, store.ErrCounterInactive):
		return http.StatusConflict, "counter_inactive", "counter is not active"
	case errors.Is(err, store.ErrServiceInactive):
		return http.StatusConflict, "service_inactive", "service is not active"
	case errors.Is(err, store.ErrSequenceExhausted):
		return http.StatusConflict, "sequence_exhausted", "no ticket numbers left for today"
	case errors.Is(err, store.ErrDuplicateMRN):
		return http.StatusConflict, "duplicate_medical_record_number", "medical record number already in use"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	case errors.Is(err, store.ErrCounterRequired):
		return http.StatusBadRequest, "counter_required", "counter_id is required for an unassigned ticket"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func parseDate(raw string) (time.Time, error) {
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: birth_date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	return date, nil
}
