package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables and indexes used by the emergency access service
func (db *DB) CreateSchema(ctx context.Context) error {
	log := db.logger.WithComponent("database")
	log.Info("Creating database schema...")

	tables := []string{
		createUsersTable,
		createPatientsTable,
		createMedicalRecordsTable,
		createEmergencyAccessTable,
		createEmergencyAccessLogsTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		createUsersIndexes,
		createMedicalRecordsIndexes,
		createEmergencyAccessIndexes,
		createEmergencyAccessLogsIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	log.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation
const (
	createUsersTable = `
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(100) PRIMARY KEY,
			display_name VARCHAR(200) NOT NULL,
			role VARCHAR(50) NOT NULL,
			facility VARCHAR(100),
			department VARCHAR(100),
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createPatientsTable = `
		CREATE TABLE IF NOT EXISTS patients (
			id VARCHAR(100) PRIMARY KEY,
			display_name VARCHAR(200) NOT NULL,
			date_of_birth DATE NOT NULL,
			record_number VARCHAR(50) UNIQUE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createMedicalRecordsTable = `
		CREATE TABLE IF NOT EXISTS medical_records (
			id VARCHAR(100) PRIMARY KEY,
			patient_id VARCHAR(100) NOT NULL REFERENCES patients(id),
			record_type VARCHAR(50) NOT NULL,
			content JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createEmergencyAccessTable = `
		CREATE TABLE IF NOT EXISTS emergency_access (
			emergency_id UUID PRIMARY KEY,
			requester_id VARCHAR(100) NOT NULL,
			requester_name VARCHAR(200) NOT NULL,
			requester_role VARCHAR(50) NOT NULL,
			patient_id VARCHAR(100) NOT NULL,
			patient_name VARCHAR(200) NOT NULL,
			emergency_type VARCHAR(30) NOT NULL,
			facility VARCHAR(100) NOT NULL,
			department VARCHAR(100) NOT NULL,
			room VARCHAR(50),
			address TEXT,
			justification TEXT NOT NULL,
			urgency_level VARCHAR(10) NOT NULL,
			patient_condition TEXT,
			vital_signs JSONB,
			witness_id VARCHAR(100),
			contact_phone VARCHAR(30),
			status VARCHAR(10) NOT NULL,
			request_time TIMESTAMP WITH TIME ZONE NOT NULL,
			expiry_time TIMESTAMP WITH TIME ZONE NOT NULL,
			approval_time TIMESTAMP WITH TIME ZONE,
			supervisor_id VARCHAR(100),
			decision_reason TEXT,
			revoked_by VARCHAR(100),
			revocation_reason TEXT,
			revoked_at TIMESTAMP WITH TIME ZONE,
			verification_code VARCHAR(12),
			verified_at TIMESTAMP WITH TIME ZONE,
			accessed_records TEXT[] NOT NULL DEFAULT '{}',
			access_count INTEGER NOT NULL DEFAULT 0,
			last_access_time TIMESTAMP WITH TIME ZONE,
			risk_score INTEGER NOT NULL DEFAULT 0,
			auto_approved BOOLEAN NOT NULL DEFAULT FALSE,
			matched_rule VARCHAR(100),
			requires_supervisor_approval BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			CONSTRAINT emergency_access_status_check
				CHECK (status IN ('pending', 'approved', 'denied', 'expired', 'revoked')),
			CONSTRAINT emergency_access_expiry_check CHECK (expiry_time > request_time),
			CONSTRAINT emergency_access_risk_check CHECK (risk_score BETWEEN 0 AND 100)
		);`

	createEmergencyAccessLogsTable = `
		CREATE TABLE IF NOT EXISTS emergency_access_logs (
			log_id UUID PRIMARY KEY,
			emergency_id UUID NOT NULL REFERENCES emergency_access(emergency_id),
			action VARCHAR(20) NOT NULL,
			actor_id VARCHAR(100) NOT NULL,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			ip_address VARCHAR(64),
			user_agent TEXT,
			details JSONB,
			risk_score INTEGER NOT NULL DEFAULT 0
		);`
)

// SQL DDL statements for index creation
const (
	createUsersIndexes = `
		CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
		CREATE INDEX IF NOT EXISTS idx_users_facility_department ON users(facility, department);`

	createMedicalRecordsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_medical_records_patient_id ON medical_records(patient_id);`

	// uq_emergency_access_active enforces at most one pending or approved
	// grant per (patient, requester)
	createEmergencyAccessIndexes = `
		CREATE UNIQUE INDEX IF NOT EXISTS uq_emergency_access_active
			ON emergency_access(patient_id, requester_id)
			WHERE status IN ('pending', 'approved');
		CREATE INDEX IF NOT EXISTS idx_emergency_access_requester_id ON emergency_access(requester_id);
		CREATE INDEX IF NOT EXISTS idx_emergency_access_patient_id ON emergency_access(patient_id);
		CREATE INDEX IF NOT EXISTS idx_emergency_access_request_time ON emergency_access(request_time);
		CREATE INDEX IF NOT EXISTS idx_emergency_access_overdue
			ON emergency_access(expiry_time)
			WHERE status IN ('pending', 'approved');`

	createEmergencyAccessLogsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_emergency_access_logs_emergency_id ON emergency_access_logs(emergency_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_emergency_access_logs_actor_time ON emergency_access_logs(actor_id, timestamp);`
)
