package models

import "time"

type Patient struct {
	PatientID           string    `json:"patient_id"`
	MedicalRecordNumber string    `json:"medical_record_number"`
	Name                string    `json:"name"`
	BirthDate           time.Time `json:"birth_date"`
	Gender              string    `json:"gender"`
	Address             string    `json:"address"`
	Phone               *string   `json:"phone,omitempty"`
	EmergencyContact    *string   `json:"emergency_contact,omitempty"`
	BloodType           *string   `json:"blood_type,omitempty"`
	Allergies           *string   `json:"allergies,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// GenderLabel is the Indonesian label printed on forms.
func (p Patient) GenderLabel() string {
	if p.Gender == GenderMale {
		return "Laki-laki"
	}
	return "Perempuan"
}

// Age in whole years at now.
func (p Patient) Age(now time.Time) int {
	born := p.BirthDate
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}
