package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/clinic-queue/internal/announce"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/patient"
	"qms/clinic-queue/internal/queue"
	"qms/clinic-queue/internal/receipt"
	"qms/clinic-queue/internal/store"

	"github.com/rs/zerolog"
)

type fakeQueue struct {
	addFn      func(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error)
	callFn     func(ctx context.Context, counterID string) (queue.CallResult, error)
	recallFn   func(ctx context.Context, counterID string) (queue.CallResult, error)
	serveFn    func(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	finishFn   func(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	cancelFn   func(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
	getFn      func(ctx context.Context, ticketID string) (models.Ticket, error)
	listFn     func(ctx context.Context, query queue.TicketQuery) ([]models.Ticket, error)
	activeFn   func(ctx context.Context, counterID string) (models.Ticket, bool, error)
	historyFn  func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	receiptFn  func(ctx context.Context, ticketID string) ([]receipt.Line, error)
	nextFn     func(ctx context.Context, serviceID string) (string, error)
	servicesFn func(ctx context.Context, activeOnly bool) ([]models.Service, error)
	countersFn func(ctx context.Context, serviceID string) ([]models.Counter, error)
	snapshotFn func(ctx context.Context, serviceID string) (queue.Snapshot, error)
}

func (f fakeQueue) AddTicket(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error) {
	if f.addFn == nil {
		return queue.AddTicketResult{}, nil
	}
	return f.addFn(ctx, input)
}

func (f fakeQueue) CallNext(ctx context.Context, counterID string) (queue.CallResult, error) {
	if f.callFn == nil {
		return queue.CallResult{}, nil
	}
	return f.callFn(ctx, counterID)
}

func (f fakeQueue) Recall(ctx context.Context, counterID string) (queue.CallResult, error) {
	if f.recallFn == nil {
		return queue.CallResult{}, nil
	}
	return f.recallFn(ctx, counterID)
}

func (f fakeQueue) Serve(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	if f.serveFn == nil {
		return models.Ticket{}, nil
	}
	return f.serveFn(ctx, ticketID, counterID)
}

func (f fakeQueue) Finish(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	if f.finishFn == nil {
		return models.Ticket{}, nil
	}
	return f.finishFn(ctx, ticketID, counterID)
}

func (f fakeQueue) Cancel(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, nil
	}
	return f.cancelFn(ctx, ticketID, counterID)
}

func (f fakeQueue) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeQueue) ListTickets(ctx context.Context, query queue.TicketQuery) ([]models.Ticket, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, query)
}

func (f fakeQueue) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if f.activeFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.activeFn(ctx, counterID)
}

func (f fakeQueue) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, ticketID)
}

func (f fakeQueue) Receipt(ctx context.Context, ticketID string) ([]receipt.Line, error) {
	if f.receiptFn == nil {
		return nil, nil
	}
	return f.receiptFn(ctx, ticketID)
}

func (f fakeQueue) NextNumber(ctx context.Context, serviceID string) (string, error) {
	if f.nextFn == nil {
		return "", nil
	}
	return f.nextFn(ctx, serviceID)
}

func (f fakeQueue) ListServices(ctx context.Context, activeOnly bool) ([]models.Service, error) {
	if f.servicesFn == nil {
		return nil, nil
	}
	return f.servicesFn(ctx, activeOnly)
}

func (f fakeQueue) ListCounters(ctx context.Context, serviceID string) ([]models.Counter, error) {
	if f.countersFn == nil {
		return nil, nil
	}
	return f.countersFn(ctx, serviceID)
}

func (f fakeQueue) Snapshot(ctx context.Context, serviceID string) (queue.Snapshot, error) {
	if f.snapshotFn == nil {
		return queue.Snapshot{}, nil
	}
	return f.snapshotFn(ctx, serviceID)
}

func (f fakeQueue) Location() *time.Location { return time.UTC }

type fakePatients struct {
	registerFn func(ctx context.Context, p models.Patient) (models.Patient, error)
	updateFn   func(ctx context.Context, p models.Patient) (models.Patient, error)
	getFn      func(ctx context.Context, patientID string) (models.Patient, error)
	listFn     func(ctx context.Context, query string, limit int) ([]models.Patient, error)
}

func (f fakePatients) Register(ctx context.Context, p models.Patient) (models.Patient, error) {
	if f.registerFn == nil {
		return p, nil
	}
	return f.registerFn(ctx, p)
}

func (f fakePatients) Update(ctx context.Context, p models.Patient) (models.Patient, error) {
	if f.updateFn == nil {
		return p, nil
	}
	return f.updateFn(ctx, p)
}

func (f fakePatients) Get(ctx context.Context, patientID string) (models.Patient, error) {
	if f.getFn == nil {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return f.getFn(ctx, patientID)
}

func (f fakePatients) List(ctx context.Context, query string, limit int) ([]models.Patient, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, query, limit)
}

type fakeRecords struct {
	createFn func(ctx context.Context, input patient.CreateRecordInput) (patient.RecordResult, error)
	listFn   func(ctx context.Context, patientID string) ([]models.MedicalRecord, error)
}

func (f fakeRecords) Create(ctx context.Context, input patient.CreateRecordInput) (patient.RecordResult, error) {
	if f.createFn == nil {
		return patient.RecordResult{}, nil
	}
	return f.createFn(ctx, input)
}

func (f fakeRecords) List(ctx context.Context, patientID string) ([]models.MedicalRecord, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, patientID)
}

func newTestHandler(q fakeQueue) http.Handler {
	return NewHandler(Deps{
		Queue:    q,
		Patients: fakePatients{},
		Records:  fakeRecords{},
		Logger:   zerolog.Nop(),
	}).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeErrorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload.Error.Code
}

func TestCreateTicketSuccess(t *testing.T) {
	createdAt := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	var got queue.AddTicketInput
	h := newTestHandler(fakeQueue{
		addFn: func(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error) {
			got = input
			return queue.AddTicketResult{
				Ticket: models.Ticket{
					TicketID:     "ticket-1",
					TicketNumber: "A001",
					ServiceID:    input.ServiceID,
					Status:       models.StatusWaiting,
					CreatedAt:    createdAt,
				},
				Created: true,
			}, nil
		},
	})

	resp := do(t, h, http.MethodPost, "/api/tickets", map[string]string{
		"request_id": "req-1",
		"service_id": " umum ",
	})

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	if got.ServiceID != "umum" || got.RequestID != "req-1" {
		t.Fatalf("unexpected input: %+v", got)
	}
	var res queue.AddTicketResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Ticket.TicketNumber != "A001" || res.Ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket response: %+v", res.Ticket)
	}
}

func TestCreateTicketReplayReturnsOK(t *testing.T) {
	h := newTestHandler(fakeQueue{
		addFn: func(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error) {
			return queue.AddTicketResult{Ticket: models.Ticket{TicketID: "ticket-1"}, Created: false}, nil
		},
	})

	resp := do(t, h, http.MethodPost, "/api/tickets", map[string]string{"request_id": "req-1", "service_id": "umum"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestCreateTicketUsesRequestIDHeader(t *testing.T) {
	var got string
	h := newTestHandler(fakeQueue{
		addFn: func(ctx context.Context, input queue.AddTicketInput) (queue.AddTicketResult, error) {
			got = input.RequestID
			return queue.AddTicketResult{Created: true}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tickets", strings.NewReader(`{"service_id":"umum"}`))
	req.Header.Set("X-Request-ID", "hdr-1")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	if got != "hdr-1" {
		t.Fatalf("expected request id hdr-1, got %q", got)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	h := newTestHandler(fakeQueue{})

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "missing service", body: `{"request_id":"r"}`, code: "invalid_request"},
		{name: "unknown field", body: `{"service_id":"umum","tenant_id":"x"}`, code: "invalid_json"},
		{name: "malformed", body: `{`, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tickets", strings.NewReader(tc.body))
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)
			if resp.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", resp.Code)
			}
			if code := decodeErrorCode(t, resp); code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, code)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: store.ErrServiceNotFound, status: http.StatusNotFound, code: "service_not_found"},
		{err: store.ErrCounterNotFound, status: http.StatusNotFound, code: "counter_not_found"},
		{err: store.ErrTicketNotFound, status: http.StatusNotFound, code: "ticket_not_found"},
		{err: store.ErrPatientNotFound, status: http.StatusNotFound, code: "patient_not_found"},
		{err: store.ErrCounterBusy, status: http.StatusConflict, code: "counter_busy"},
		{err: &store.TransitionError{Action: "serve", From: models.StatusFinished}, status: http.StatusConflict, code: "invalid_transition"},
		{err: store.ErrCounterMismatch, status: http.StatusConflict, code: "counter_mismatch"},
		{err: store.ErrCounterInactive, status: http.StatusConflict, code: "counter_inactive"},
		{err: store.ErrServiceInactive, status: http.StatusConflict, code: "service_inactive"},
		{err: store.ErrSequenceExhausted, status: http.StatusConflict, code: "sequence_exhausted"},
		{err: store.ErrDuplicateMRN, status: http.StatusConflict, code: "duplicate_medical_record_number"},
		{err: store.ErrConcurrencyConflict, status: http.StatusConflict, code: "conflict"},
		{err: store.ErrCounterRequired, status: http.StatusBadRequest, code: "counter_required"},
		{err: fmt.Errorf("%w: name is required", store.ErrInvalidInput), status: http.StatusBadRequest, code: "invalid_request"},
		{err: fmt.Errorf("wrapped: %w", store.ErrTicketNotFound), status: http.StatusNotFound, code: "ticket_not_found"},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		status, code, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestCallNextSuccess(t *testing.T) {
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, counterID string) (queue.CallResult, error) {
			if counterID != "loket-1" {
				t.Fatalf("expected counter loket-1, got %s", counterID)
			}
			return queue.CallResult{
				Ticket:  &models.Ticket{TicketID: "ticket-1", TicketNumber: "A001", CounterID: &counterID},
				Counter: models.Counter{CounterID: counterID, Name: "Loket 1"},
				Message: "Nomor antrian A001 silakan menuju Loket 1",
			}, nil
		},
	})

	resp := do(t, h, http.MethodPost, "/api/counters/loket-1/call-next", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var res queue.CallResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Ticket == nil || res.Ticket.TicketNumber != "A001" {
		t.Fatalf("unexpected call response: %+v", res)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, counterID string) (queue.CallResult, error) {
			return queue.CallResult{Counter: models.Counter{CounterID: counterID}}, nil
		},
	})

	resp := do(t, h, http.MethodPost, "/api/counters/loket-1/call-next", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(payload["ticket"]) != "null" {
		t.Fatalf("expected null ticket, got %s", payload["ticket"])
	}
}

func TestCallNextUnknownCounter(t *testing.T) {
	h := newTestHandler(fakeQueue{
		callFn: func(ctx context.Context, counterID string) (queue.CallResult, error) {
			return queue.CallResult{}, store.ErrCounterNotFound
		},
	})

	resp := do(t, h, http.MethodPost, "/api/counters/nope/call-next", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestTicketActionsPassCounter(t *testing.T) {
	var gotTicket, gotCounter string
	action := func(status string) func(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
		return func(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
			gotTicket, gotCounter = ticketID, counterID
			return models.Ticket{TicketID: ticketID, Status: status}, nil
		}
	}
	h := newTestHandler(fakeQueue{
		serveFn:  action(models.StatusServing),
		finishFn: action(models.StatusFinished),
		cancelFn: action(models.StatusCanceled),
	})

	cases := []struct {
		path   string
		status string
	}{
		{path: "/api/tickets/ticket-1/serve", status: models.StatusServing},
		{path: "/api/tickets/ticket-1/finish", status: models.StatusFinished},
		{path: "/api/tickets/ticket-1/cancel", status: models.StatusCanceled},
	}
	for _, tc := range cases {
		gotTicket, gotCounter = "", ""
		resp := do(t, h, http.MethodPost, tc.path, map[string]string{"counter_id": "loket-1"})
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", tc.path, resp.Code)
		}
		var ticket models.Ticket
		if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if ticket.Status != tc.status || gotTicket != "ticket-1" || gotCounter != "loket-1" {
			t.Fatalf("%s: unexpected result status=%s ticket=%s counter=%s", tc.path, ticket.Status, gotTicket, gotCounter)
		}
	}
}

func TestCancelWithoutBody(t *testing.T) {
	h := newTestHandler(fakeQueue{
		cancelFn: func(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
			if counterID != "" {
				t.Fatalf("expected empty counter, got %s", counterID)
			}
			return models.Ticket{TicketID: ticketID, Status: models.StatusCanceled}, nil
		},
	})

	resp := do(t, h, http.MethodPost, "/api/tickets/ticket-1/cancel", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
}

func TestTicketActionBodies(t *testing.T) {
	h := newTestHandler(fakeQueue{
		cancelFn: func(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
			return models.Ticket{TicketID: ticketID, Status: models.StatusCanceled}, nil
		},
	})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "chunked empty", body: "", status: http.StatusOK},
		{name: "whitespace only", body: "\n", status: http.StatusOK},
		{name: "counter id", body: `{"counter_id":"loket-1"}`, status: http.StatusOK},
		{name: "truncated", body: `{"counter_id":`, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"counter":"loket-1"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tickets/ticket-1/cancel", strings.NewReader(tt.body))
			req.ContentLength = -1
			req.TransferEncoding = []string{"chunked"}
			resp := httptest.NewRecorder()
			h.ServeHTTP(resp, req)
			if resp.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
		})
	}
}

func TestFinishWaitingTicketRejected(t *testing.T) {
	h := newTestHandler(fakeQueue{
		finishFn: func(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
			return models.Ticket{}, &store.TransitionError{Action: "finish", From: models.StatusWaiting}
		},
	})

	resp := do(t, h, http.MethodPost, "/api/tickets/ticket-1/finish", map[string]string{"counter_id": "loket-1"})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}
}

func TestListTicketsFilters(t *testing.T) {
	var got queue.TicketQuery
	h := newTestHandler(fakeQueue{
		listFn: func(ctx context.Context, query queue.TicketQuery) ([]models.Ticket, error) {
			got = query
			return nil, nil
		},
	})

	resp := do(t, h, http.MethodGet, "/api/tickets?status=waiting&service_id=umum&date=2024-07-01&limit=5", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", resp.Body.String())
	}
	want := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if got.Status != "waiting" || got.ServiceID != "umum" || got.Limit != 5 || !got.Date.Equal(want) {
		t.Fatalf("unexpected query: %+v", got)
	}
}

func TestListTicketsBadParams(t *testing.T) {
	h := newTestHandler(fakeQueue{})
	for _, path := range []string{"/api/tickets?date=07-01-2024", "/api/tickets?limit=0", "/api/tickets?limit=abc"} {
		resp := do(t, h, http.MethodGet, path, nil)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected status 400, got %d", path, resp.Code)
		}
	}
}

func TestGetTicketNotFound(t *testing.T) {
	h := newTestHandler(fakeQueue{})
	resp := do(t, h, http.MethodGet, "/api/tickets/missing", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
	if code := decodeErrorCode(t, resp); code != "ticket_not_found" {
		t.Fatalf("expected ticket_not_found, got %s", code)
	}
}

func TestReceiptRendersText(t *testing.T) {
	h := newTestHandler(fakeQueue{
		receiptFn: func(ctx context.Context, ticketID string) ([]receipt.Line, error) {
			return []receipt.Line{{Text: "A001", Align: receipt.AlignCenter, Style: receipt.StyleDouble}}, nil
		},
	})

	resp := do(t, h, http.MethodGet, "/api/tickets/ticket-1/receipt", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var res receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(res.Lines) != 1 || !strings.Contains(res.Text, "A001") {
		t.Fatalf("unexpected receipt: %+v", res)
	}
}

func TestActiveTicketNone(t *testing.T) {
	h := newTestHandler(fakeQueue{})
	resp := do(t, h, http.MethodGet, "/api/counters/loket-1/active", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"ticket":null`) {
		t.Fatalf("expected null ticket, got %s", resp.Body.String())
	}
}

func TestNextNumber(t *testing.T) {
	h := newTestHandler(fakeQueue{
		nextFn: func(ctx context.Context, serviceID string) (string, error) {
			return "A004", nil
		},
	})
	resp := do(t, h, http.MethodGet, "/api/services/umum/next-number", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["next_number"] != "A004" || payload["service_id"] != "umum" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestListServicesAllFlag(t *testing.T) {
	var gotActiveOnly bool
	h := newTestHandler(fakeQueue{
		servicesFn: func(ctx context.Context, activeOnly bool) ([]models.Service, error) {
			gotActiveOnly = activeOnly
			return []models.Service{{ServiceID: "umum"}}, nil
		},
	})

	do(t, h, http.MethodGet, "/api/services", nil)
	if !gotActiveOnly {
		t.Fatalf("expected active services by default")
	}
	do(t, h, http.MethodGet, "/api/services?all=true", nil)
	if gotActiveOnly {
		t.Fatalf("expected all services with all=true")
	}
}

func TestRegisterPatient(t *testing.T) {
	var got models.Patient
	h := NewHandler(Deps{
		Queue: fakeQueue{},
		Patients: fakePatients{
			registerFn: func(ctx context.Context, p models.Patient) (models.Patient, error) {
				got = p
				p.PatientID = "patient-1"
				p.MedicalRecordNumber = "RM-20240701-0001"
				return p, nil
			},
		},
		Records: fakeRecords{},
		Logger:  zerolog.Nop(),
	}).Routes()

	resp := do(t, h, http.MethodPost, "/api/patients", map[string]string{
		"name":       "Siti",
		"birth_date": "1990-05-17",
		"gender":     "female",
		"address":    "Jl. Merdeka 1",
		"phone":      "081234567890",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	if !got.BirthDate.Equal(time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected birth date: %v", got.BirthDate)
	}
	if got.Phone == nil || *got.Phone != "081234567890" {
		t.Fatalf("expected phone to be passed through, got %v", got.Phone)
	}
}

func TestRegisterPatientBadBirthDate(t *testing.T) {
	h := newTestHandler(fakeQueue{})
	resp := do(t, h, http.MethodPost, "/api/patients", map[string]string{"name": "Siti", "birth_date": "17/05/1990"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestUpdatePatientUsesPathID(t *testing.T) {
	var gotID string
	h := NewHandler(Deps{
		Queue: fakeQueue{},
		Patients: fakePatients{
			updateFn: func(ctx context.Context, p models.Patient) (models.Patient, error) {
				gotID = p.PatientID
				return p, nil
			},
		},
		Records: fakeRecords{},
		Logger:  zerolog.Nop(),
	}).Routes()

	resp := do(t, h, http.MethodPut, "/api/patients/patient-9", map[string]string{
		"name": "Siti", "birth_date": "1990-05-17", "gender": "female", "address": "Jl. Merdeka 1",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if gotID != "patient-9" {
		t.Fatalf("expected patient-9, got %s", gotID)
	}
}

func TestCreateMedicalRecordFinishesTicket(t *testing.T) {
	h := NewHandler(Deps{
		Queue:    fakeQueue{},
		Patients: fakePatients{},
		Records: fakeRecords{
			createFn: func(ctx context.Context, input patient.CreateRecordInput) (patient.RecordResult, error) {
				if input.TicketID != "ticket-1" || input.Diagnosis != "ISPA" {
					t.Fatalf("unexpected input: %+v", input)
				}
				return patient.RecordResult{
					Record: models.MedicalRecord{RecordID: "rec-1", PatientID: input.PatientID},
					Ticket: &models.Ticket{TicketID: "ticket-1", Status: models.StatusFinished},
				}, nil
			},
		},
		Logger: zerolog.Nop(),
	}).Routes()

	resp := do(t, h, http.MethodPost, "/api/medical-records", map[string]string{
		"patient_id":      "patient-1",
		"doctor_id":       "dr-1",
		"ticket_id":       "ticket-1",
		"chief_complaint": "batuk",
		"diagnosis":       "ISPA",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}
	var res patient.RecordResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Ticket == nil || res.Ticket.Status != models.StatusFinished {
		t.Fatalf("expected finished ticket, got %+v", res.Ticket)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestHandler(fakeQueue{})
	if resp := do(t, h, http.MethodGet, "/healthz", nil); resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	resp := do(t, h, http.MethodGet, "/metrics", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "clinic_queue_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestRealtimeInfoEndpoint(t *testing.T) {
	h := NewHandler(Deps{
		Queue:    fakeQueue{},
		Patients: fakePatients{},
		Records:  fakeRecords{},
		Hub:      announce.NewHub(zerolog.Nop()),
		Logger:   zerolog.Nop(),
	}).Routes()

	resp := do(t, h, http.MethodGet, "/realtime/info", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "websocket") {
		t.Fatalf("expected sockjs info payload, got %s", resp.Body.String())
	}
}
