package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/patient"

	"github.com/go-chi/chi/v5"
)

type patientRequest struct {
	MedicalRecordNumber string  `json:"medical_record_number"`
	Name                string  `json:"name"`
	BirthDate           string  `json:"birth_date"`
	Gender              string  `json:"gender"`
	Address             string  `json:"address"`
	Phone               *string `json:"phone"`
	EmergencyContact    *string `json:"emergency_contact"`
	BloodType           *string `json:"blood_type"`
	Allergies           *string `json:"allergies"`
}

type medicalRecordRequest struct {
	PatientID       string  `json:"patient_id"`
	DoctorID        string  `json:"doctor_id"`
	TicketID        string  `json:"ticket_id"`
	ChiefComplaint  string  `json:"chief_complaint"`
	VitalSigns      *string `json:"vital_signs"`
	Diagnosis       string  `json:"diagnosis"`
	Prescription    *string `json:"prescription"`
	AdditionalNotes *string `json:"additional_notes"`
	TreatmentPlan   *string `json:"treatment_plan"`
}

func (req patientRequest) patient() (models.Patient, error) {
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		return models.Patient{}, err
	}
	return models.Patient{
		MedicalRecordNumber: strings.TrimSpace(req.MedicalRecordNumber),
		Name:                req.Name,
		BirthDate:           birth,
		Gender:              req.Gender,
		Address:             req.Address,
		Phone:               req.Phone,
		EmergencyContact:    req.EmergencyContact,
		BloodType:           req.BloodType,
		Allergies:           req.Allergies,
	}, nil
}

func (h *Handler) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.patient()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	created, err := h.patients.Register(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdatePatient(w http.ResponseWriter, r *http.Request) {
	var req patientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.patient()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p.PatientID = chi.URLParam(r, "id")
	updated, err := h.patients.Update(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleGetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.patients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleListPatients(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	patients, err := h.patients.List(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(patients))
}

func (h *Handler) handleCreateMedicalRecord(w http.ResponseWriter, r *http.Request) {
	var req medicalRecordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.records.Create(r.Context(), patient.CreateRecordInput(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleListMedicalRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.records.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}
