package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/rs/zerolog"
)

// TicketFinisher closes the visit a medical record was written for.
type TicketFinisher interface {
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	Finish(ctx context.Context, ticketID, counterID string) (models.Ticket, error)
}

type Records struct {
	patients store.PatientStore
	tickets  TicketFinisher
	clock    clock.Clock
	logger   zerolog.Logger
}

type CreateRecordInput struct {
	PatientID       string
	DoctorID        string
	TicketID        string
	ChiefComplaint  string
	VitalSigns      *string
	Diagnosis       string
	Prescription    *string
	AdditionalNotes *string
	TreatmentPlan   *string
}

type RecordResult struct {
	Record models.MedicalRecord `json:"record"`
	// Ticket is set when writing the record finished the patient's visit.
	Ticket *models.Ticket `json:"ticket,omitempty"`
}

func NewRecords(patients store.PatientStore, tickets TicketFinisher, clk clock.Clock, logger zerolog.Logger) *Records {
	if clk == nil {
		clk = clock.Real()
	}
	return &Records{
		patients: patients,
		tickets:  tickets,
		clock:    clk,
		logger:   logger.With().Str("component", "medical_records").Logger(),
	}
}

// Create stores a medical record. When it references a ticket that is being
// served, the ticket is finished; a ticket in any other status is left alone.
func (r *Records) Create(ctx context.Context, input CreateRecordInput) (RecordResult, error) {
	input.PatientID = strings.TrimSpace(input.PatientID)
	input.DoctorID = strings.TrimSpace(input.DoctorID)
	input.TicketID = strings.TrimSpace(input.TicketID)
	input.ChiefComplaint = strings.TrimSpace(input.ChiefComplaint)
	input.Diagnosis = strings.TrimSpace(input.Diagnosis)

	switch {
	case input.PatientID == "":
		return RecordResult{}, fmt.Errorf("%w: patient_id is required", store.ErrInvalidInput)
	case input.DoctorID == "":
		return RecordResult{}, fmt.Errorf("%w: doctor_id is required", store.ErrInvalidInput)
	case input.ChiefComplaint == "":
		return RecordResult{}, fmt.Errorf("%w: chief_complaint is required", store.ErrInvalidInput)
	case input.Diagnosis == "":
		return RecordResult{}, fmt.Errorf("%w: diagnosis is required", store.ErrInvalidInput)
	}

	if _, err := r.patients.GetPatient(ctx, input.PatientID); err != nil {
		return RecordResult{}, err
	}

	record := models.MedicalRecord{
		PatientID:       input.PatientID,
		DoctorID:        input.DoctorID,
		ChiefComplaint:  input.ChiefComplaint,
		VitalSigns:      trimOptional(input.VitalSigns),
		Diagnosis:       input.Diagnosis,
		Prescription:    trimOptional(input.Prescription),
		AdditionalNotes: trimOptional(input.AdditionalNotes),
		TreatmentPlan:   trimOptional(input.TreatmentPlan),
		CreatedAt:       r.clock.Now(),
	}

	var ticket models.Ticket
	if input.TicketID != "" {
		var err error
		if ticket, err = r.tickets.GetTicket(ctx, input.TicketID); err != nil {
			return RecordResult{}, err
		}
		record.TicketID = &input.TicketID
	}

	created, err := r.patients.CreateMedicalRecord(ctx, record)
	if err != nil {
		return RecordResult{}, err
	}
	result := RecordResult{Record: created}

	if input.TicketID == "" || ticket.Status != models.StatusServing {
		return result, nil
	}
	finished, err := r.tickets.Finish(ctx, input.TicketID, "")
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Finished or canceled by staff in the meantime.
			r.logger.Info().Str("ticket_id", input.TicketID).Msg("ticket no longer serving, left as is")
			return result, nil
		}
		r.logger.Error().Err(err).Str("ticket_id", input.TicketID).Msg("finish ticket after medical record")
		return result, nil
	}
	result.Ticket = &finished
	return result, nil
}

func (r *Records) List(ctx context.Context, patientID string) ([]models.MedicalRecord, error) {
	return r.patients.ListMedicalRecords(ctx, patientID)
}
