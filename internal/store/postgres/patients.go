package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const patientColumns = `patient_id, medical_record_number, name, birth_date, gender, address,
	phone, emergency_contact, blood_type, allergies, created_at, updated_at`

const recordColumns = `record_id, patient_id, doctor_id, ticket_id, chief_complaint, vital_signs,
	diagnosis, prescription, additional_notes, treatment_plan, created_at`

func (s *Store) CreatePatient(ctx context.Context, p models.Patient) (models.Patient, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.PatientID == "" {
		p.PatientID = uuid.NewString()
	}
	p.UpdatedAt = p.CreatedAt

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if p.MedicalRecordNumber == "" {
		var seq int
		seq, err = nextMedicalRecordSeq(ctx, tx, p.CreatedAt)
		if err != nil {
			return models.Patient{}, err
		}
		p.MedicalRecordNumber = store.MedicalRecordNumber(p.CreatedAt, seq)
	}

	var created models.Patient
	created, err = scanPatient(tx.QueryRow(ctx, `
		INSERT INTO patients (`+patientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+patientColumns,
		p.PatientID, p.MedicalRecordNumber, p.Name, p.BirthDate, p.Gender, p.Address,
		p.Phone, p.EmergencyContact, p.BloodType, p.Allergies, p.CreatedAt, p.UpdatedAt))
	if err != nil {
		err = mapPatientError(err)
		return models.Patient{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapPatientError(err)
		return models.Patient{}, err
	}
	return created, nil
}

// nextMedicalRecordSeq bumps the per-day counter; the row lock taken by the
// upsert serializes concurrent registrations on the same day.
func nextMedicalRecordSeq(ctx context.Context, tx pgx.Tx, at time.Time) (int, error) {
	var seq int
	err := tx.QueryRow(ctx, `
		INSERT INTO patient_mrn_sequences (day, next_number)
		VALUES ($1, 2)
		ON CONFLICT (day)
		DO UPDATE SET next_number = patient_mrn_sequences.next_number + 1
		RETURNING next_number - 1
	`, at.Format("2006-01-02")).Scan(&seq)
	return seq, err
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	if _, err := uuid.Parse(patientID); err != nil {
		return models.Patient{}, store.ErrPatientNotFound
	}
	p, err := scanPatient(s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE patient_id = $1`, patientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return p, nil
}

func (s *Store) UpdatePatient(ctx context.Context, p models.Patient) (models.Patient, error) {
	if _, err := uuid.Parse(p.PatientID); err != nil {
		return models.Patient{}, store.ErrPatientNotFound
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	updated, err := scanPatient(s.pool.QueryRow(ctx, `
		UPDATE patients
		SET medical_record_number = COALESCE(NULLIF($2, ''), medical_record_number),
			name = $3, birth_date = $4, gender = $5, address = $6,
			phone = $7, emergency_contact = $8, blood_type = $9, allergies = $10, updated_at = $11
		WHERE patient_id = $1
		RETURNING `+patientColumns,
		p.PatientID, p.MedicalRecordNumber, p.Name, p.BirthDate, p.Gender, p.Address,
		p.Phone, p.EmergencyContact, p.BloodType, p.Allergies, p.UpdatedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, mapPatientError(err)
	}
	return updated, nil
}

func (s *Store) ListPatients(ctx context.Context, filter store.PatientFilter) ([]models.Patient, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	query := strings.TrimSpace(filter.Query)
	rows, err := s.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE $1 = '' OR name ILIKE '%' || $1 || '%' OR medical_record_number ILIKE '%' || $1 || '%'
		ORDER BY created_at DESC, medical_record_number DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *Store) CreateMedicalRecord(ctx context.Context, record models.MedicalRecord) (models.MedicalRecord, error) {
	if err := ensurePatient(ctx, s.pool, record.PatientID); err != nil {
		return models.MedicalRecord{}, err
	}
	if record.TicketID != nil {
		if _, err := s.GetTicket(ctx, *record.TicketID); err != nil {
			return models.MedicalRecord{}, err
		}
	}
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	return scanRecord(s.pool.QueryRow(ctx, `
		INSERT INTO medical_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+recordColumns,
		record.RecordID, record.PatientID, record.DoctorID, record.TicketID, record.ChiefComplaint, record.VitalSigns,
		record.Diagnosis, record.Prescription, record.AdditionalNotes, record.TreatmentPlan, record.CreatedAt))
}

func (s *Store) ListMedicalRecords(ctx context.Context, patientID string) ([]models.MedicalRecord, error) {
	if err := ensurePatient(ctx, s.pool, patientID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM medical_records
		WHERE patient_id = $1
		ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.MedicalRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanPatient(row pgx.Row) (models.Patient, error) {
	var p models.Patient
	err := row.Scan(&p.PatientID, &p.MedicalRecordNumber, &p.Name, &p.BirthDate, &p.Gender, &p.Address,
		&p.Phone, &p.EmergencyContact, &p.BloodType, &p.Allergies, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanRecord(row pgx.Row) (models.MedicalRecord, error) {
	var r models.MedicalRecord
	err := row.Scan(&r.RecordID, &r.PatientID, &r.DoctorID, &r.TicketID, &r.ChiefComplaint, &r.VitalSigns,
		&r.Diagnosis, &r.Prescription, &r.AdditionalNotes, &r.TreatmentPlan, &r.CreatedAt)
	return r, err
}

func mapPatientError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "medical_record_number") {
		return store.ErrDuplicateMRN
	}
	return err
}
