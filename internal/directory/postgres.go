// Package directory resolves staff, patients, and medical records from PostgreSQL.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/medrex/emergency-access/pkg/database"
	"github.com/medrex/emergency-access/pkg/emergency"
)

// IdentityDirectory implements emergency.IdentityLookup over the users table
type IdentityDirectory struct {
	db              *database.DB
	supervisorRoles []string
}

// NewIdentityDirectory creates an identity lookup. Supervisors are active
// users holding one of supervisorRoles.
func NewIdentityDirectory(db *database.DB, supervisorRoles []string) *IdentityDirectory {
	return &IdentityDirectory{db: db, supervisorRoles: supervisorRoles}
}

// Resolve implements emergency.IdentityLookup
func (d *IdentityDirectory) Resolve(ctx context.Context, userID string) (*emergency.Identity, error) {
	query := `
		SELECT id, display_name, role, COALESCE(department, '')
		FROM users
		WHERE id = $1 AND is_active = TRUE`

	ctx, cancel := context.WithTimeout(ctx, d.db.QueryTimeout())
	defer cancel()

	var identity emergency.Identity
	err := d.db.QueryRowContext(ctx, query, userID).Scan(
		&identity.ID,
		&identity.DisplayName,
		&identity.Role,
		&identity.Department,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, emergency.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	return &identity, nil
}

// ListSupervisors implements emergency.IdentityLookup
func (d *IdentityDirectory) ListSupervisors(ctx context.Context, facility, department string) ([]string, error) {
	query := `
		SELECT id
		FROM users
		WHERE facility = $1 AND department = $2 AND role = ANY($3) AND is_active = TRUE
		ORDER BY id`

	ctx, cancel := context.WithTimeout(ctx, d.db.QueryTimeout())
	defer cancel()

	rows, err := d.db.QueryContext(ctx, query, facility, department, pq.Array(d.supervisorRoles))
	if err != nil {
		return nil, fmt.Errorf("failed to list supervisors: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan supervisor: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PatientDirectory implements emergency.PatientRegistry
type PatientDirectory struct {
	db *database.DB
}

// NewPatientDirectory creates a patient registry
func NewPatientDirectory(db *database.DB) *PatientDirectory {
	return &PatientDirectory{db: db}
}

// Resolve implements emergency.PatientRegistry
func (d *PatientDirectory) Resolve(ctx context.Context, patientID string) (*emergency.Patient, error) {
	query := `SELECT id, display_name, date_of_birth, record_number FROM patients WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, d.db.QueryTimeout())
	defer cancel()

	var patient emergency.Patient
	err := d.db.QueryRowContext(ctx, query, patientID).Scan(
		&patient.ID,
		&patient.DisplayName,
		&patient.DateOfBirth,
		&patient.RecordNumber,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, emergency.ErrPatientNotFound
		}
		return nil, fmt.Errorf("failed to resolve patient: %w", err)
	}
	return &patient, nil
}

// RecordRepository implements emergency.MedicalRecordStore
type RecordRepository struct {
	db *database.DB
}

// NewRecordRepository creates a medical record store
func NewRecordRepository(db *database.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Fetch implements emergency.MedicalRecordStore. A record belonging to a
// different patient is reported as not found.
func (r *RecordRepository) Fetch(ctx context.Context, recordID string, access emergency.RecordAccessContext) (*emergency.MedicalRecord, error) {
	query := `
		SELECT id, patient_id, record_type, content, created_at
		FROM medical_records
		WHERE id = $1 AND patient_id = $2`

	ctx, cancel := context.WithTimeout(ctx, r.db.QueryTimeout())
	defer cancel()

	var (
		record  emergency.MedicalRecord
		content []byte
	)
	err := r.db.QueryRowContext(ctx, query, recordID, access.PatientID).Scan(
		&record.ID,
		&record.PatientID,
		&record.RecordType,
		&content,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, emergency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to fetch medical record: %w", err)
	}

	if len(content) > 0 {
		if err := json.Unmarshal(content, &record.Content); err != nil {
			return nil, fmt.Errorf("failed to decode medical record %s: %w", recordID, err)
		}
	}
	return &record, nil
}
