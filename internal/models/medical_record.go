package models

import "time"

type MedicalRecord struct {
	RecordID        string    `json:"record_id"`
	PatientID       string    `json:"patient_id"`
	DoctorID        string    `json:"doctor_id"`
	TicketID        *string   `json:"ticket_id,omitempty"`
	ChiefComplaint  string    `json:"chief_complaint"`
	VitalSigns      *string   `json:"vital_signs,omitempty"`
	Diagnosis       string    `json:"diagnosis"`
	Prescription    *string   `json:"prescription,omitempty"`
	AdditionalNotes *string   `json:"additional_notes,omitempty"`
	TreatmentPlan   *string   `json:"treatment_plan,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
