package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const placeholderAddress = "Alamat belum diisi"

var placeholderBirthDate = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

// Registry owns patient registration and the walk-in placeholders created at the kiosk.
type Registry struct {
	patients store.PatientStore
	clock    clock.Clock
}

func NewRegistry(patients store.PatientStore, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{patients: patients, clock: clk}
}

// CreatePlaceholder registers an anonymous patient for a freshly printed ticket.
// Front desk staff complete the data later.
func (r *Registry) CreatePlaceholder(ctx context.Context, serviceName, ticketNumber string) (models.Patient, error) {
	return r.patients.CreatePatient(ctx, models.Patient{
		Name:      fmt.Sprintf("Pasien %s - %s", serviceName, ticketNumber),
		BirthDate: placeholderBirthDate,
		Gender:    models.GenderMale,
		Address:   placeholderAddress,
		CreatedAt: r.clock.Now(),
	})
}

func (r *Registry) Register(ctx context.Context, p models.Patient) (models.Patient, error) {
	p = normalize(p)
	if err := validate(p, r.clock.Now()); err != nil {
		return models.Patient{}, err
	}
	p.PatientID = ""
	p.CreatedAt = r.clock.Now()
	return r.patients.CreatePatient(ctx, p)
}

func (r *Registry) Update(ctx context.Context, p models.Patient) (models.Patient, error) {
	p = normalize(p)
	if err := validate(p, r.clock.Now()); err != nil {
		return models.Patient{}, err
	}
	p.UpdatedAt = r.clock.Now()
	return r.patients.UpdatePatient(ctx, p)
}

func (r *Registry) Get(ctx context.Context, patientID string) (models.Patient, error) {
	return r.patients.GetPatient(ctx, patientID)
}

func (r *Registry) List(ctx context.Context, query string, limit int) ([]models.Patient, error) {
	return r.patients.ListPatients(ctx, store.PatientFilter{Query: query, Limit: limit})
}

func normalize(p models.Patient) models.Patient {
	p.Name = strings.TrimSpace(p.Name)
	p.Address = strings.TrimSpace(p.Address)
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	p.MedicalRecordNumber = strings.TrimSpace(p.MedicalRecordNumber)
	p.Phone = trimOptional(p.Phone)
	p.EmergencyContact = trimOptional(p.EmergencyContact)
	p.BloodType = trimOptional(p.BloodType)
	p.Allergies = trimOptional(p.Allergies)
	return p
}

func validate(p models.Patient, now time.Time) error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", store.ErrInvalidInput)
	case p.BirthDate.IsZero():
		return fmt.Errorf("%w: birth_date is required", store.ErrInvalidInput)
	case p.BirthDate.After(now):
		return fmt.Errorf("%w: birth_date is in the future", store.ErrInvalidInput)
	case p.Gender != models.GenderMale && p.Gender != models.GenderFemale:
		return fmt.Errorf("%w: gender must be male or female", store.ErrInvalidInput)
	case p.Address == "":
		return fmt.Errorf("%w: address is required", store.ErrInvalidInput)
	}
	if p.Phone != nil && !isValidPhone(*p.Phone) {
		return fmt.Errorf("%w: phone must be 8-16 digits", store.ErrInvalidInput)
	}
	return nil
}

func isValidPhone(value string) bool {
	value = strings.TrimPrefix(value, "+")
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
