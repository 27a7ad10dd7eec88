package emergency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConditionFailed is returned by a Store when a conditional write matched no row
	ErrConditionFailed = errors.New("conditional update matched no rows")

	// Directory lookups return these for unknown ids
	ErrIdentityNotFound = errors.New("identity not found")
	ErrPatientNotFound  = errors.New("patient not found")
	ErrRecordNotFound   = errors.New("medical record not found")
)

// IdentityLookup resolves staff identities and roles
type IdentityLookup interface {
	Resolve(ctx context.Context, userID string) (*Identity, error)
	ListSupervisors(ctx context.Context, facility, department string) ([]string, error)
}

// PatientRegistry resolves patients
type PatientRegistry interface {
	Resolve(ctx context.Context, patientID string) (*Patient, error)
}

// MedicalRecordStore fetches record content once access has been validated
type MedicalRecordStore interface {
	Fetch(ctx context.Context, recordID string, access RecordAccessContext) (*MedicalRecord, error)
}

// NotificationDispatcher delivers decision and alert messages
type NotificationDispatcher interface {
	Notify(ctx context.Context, recipientIDs []string, payload *Notification) error
}

// Decision is the conditional update applied by an approve or deny
type Decision struct {
	Status       AccessStatus
	SupervisorID string
	Reason       string
	DecidedAt    time.Time
	ExtendBy     time.Duration
}

// Revocation is the conditional update applied by a revoke
type Revocation struct {
	RevokedBy string
	Reason    string
	RevokedAt time.Time
}

// Store persists emergency access grants. Every mutating method applies its
// status precondition and its write as one atomic step and returns
// ErrConditionFailed when the precondition fails. GetByID returns a
// not-found *Error for unknown ids.
type Store interface {
	// CreateIfNoActive inserts access unless a pending or approved grant
	// exists for the same patient and requester, in which case that grant is
	// returned with created=false.
	CreateIfNoActive(ctx context.Context, access *EmergencyAccess) (existing *EmergencyAccess, created bool, err error)
	GetByID(ctx context.Context, emergencyID string) (*EmergencyAccess, error)
	GetActive(ctx context.Context, patientID, requesterID string) (*EmergencyAccess, error)
	ApplyDecision(ctx context.Context, emergencyID string, d Decision) (*EmergencyAccess, error)
	RecordAccess(ctx context.Context, emergencyID, recordID string, at time.Time) (*EmergencyAccess, error)
	UpdateRiskScore(ctx context.Context, emergencyID string, score int) error
	Revoke(ctx context.Context, emergencyID string, r Revocation) (*EmergencyAccess, error)
	// MarkVerified stamps the first successful code verification; it fails
	// the precondition when no code was issued or it was already verified.
	MarkVerified(ctx context.Context, emergencyID string, at time.Time) (*EmergencyAccess, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*EmergencyAccess, error)
	RequesterFacilities(ctx context.Context, requesterID string, excludeID string) (map[string]int, error)
	ListByUser(ctx context.Context, userID string, filters HistoryFilters) (*HistoryResult, error)
	Statistics(ctx context.Context, since time.Time, highRiskThreshold int) (*Statistics, error)
}

// ActorActivity summarises an actor's recent audit events
type ActorActivity struct {
	EventCount       int
	AverageRiskScore float64
}

// AuditStore is the append-only sink for audit entries
type AuditStore interface {
	Append(ctx context.Context, entry *EmergencyAccessLog) error
	ListByEmergency(ctx context.Context, emergencyID string) ([]*EmergencyAccessLog, error)
	ActorActivity(ctx context.Context, actorID string, since time.Time) (*ActorActivity, error)
}
