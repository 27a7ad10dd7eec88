package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/medrex/emergency-access/pkg/database"
	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

// maxCreateAttempts bounds the insert/read loop when the conflicting active
// grant leaves the active set between the two statements
const maxCreateAttempts = 3

const accessColumns = `emergency_id, requester_id, requester_name, requester_role,
	patient_id, patient_name, emergency_type, facility, department, room, address,
	justification, urgency_level, patient_condition, vital_signs, witness_id, contact_phone,
	status, request_time, expiry_time, approval_time, supervisor_id, decision_reason,
	revoked_by, revocation_reason, revoked_at, verification_code,
	accessed_records, access_count, last_access_time, risk_score, auto_approved,
	matched_rule, requires_supervisor_approval, created_at, updated_at, verified_at`

const accessColumnCount = 37

// PostgresStore implements emergency.Store on PostgreSQL. Every transition is
// a single conditional UPDATE ... RETURNING statement.
type PostgresStore struct {
	db      *database.DB
	logger  *logger.Logger
	tracing *monitoring.TracingManager
}

// NewPostgresStore creates a new PostgreSQL grant store
func NewPostgresStore(db *database.DB, log *logger.Logger, tracing *monitoring.TracingManager) *PostgresStore {
	return &PostgresStore{db: db, logger: log, tracing: tracing}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateIfNoActive implements emergency.Store
func (s *PostgresStore) CreateIfNoActive(ctx context.Context, access *emergency.EmergencyAccess) (*emergency.EmergencyAccess, bool, error) {
	query := `
		INSERT INTO emergency_access (` + accessColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36, $37)
		ON CONFLICT (patient_id, requester_id) WHERE status IN ('pending', 'approved') DO NOTHING
		RETURNING ` + accessColumns

	vitals, err := marshalVitals(access.VitalSigns)
	if err != nil {
		return nil, false, err
	}
	records := access.AccessedRecords
	if records == nil {
		records = []string{}
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		start := time.Now()
		created, err := s.queryOne(ctx, "insert", query,
			access.EmergencyID,
			access.RequesterID,
			access.RequesterName,
			access.RequesterRole,
			access.PatientID,
			access.PatientName,
			string(access.EmergencyType),
			access.Location.Facility,
			access.Location.Department,
			nullString(access.Location.Room),
			nullString(access.Location.Address),
			access.Justification,
			string(access.UrgencyLevel),
			nullString(access.PatientCondition),
			vitals,
			nullString(access.WitnessID),
			nullString(access.ContactPhone),
			string(access.Status),
			access.RequestTime,
			access.ExpiryTime,
			nullTime(access.ApprovalTime),
			nullString(access.SupervisorID),
			nullString(access.DecisionReason),
			nullString(access.RevokedBy),
			nullString(access.RevocationReason),
			nullTime(access.RevokedAt),
			nullString(access.VerificationCode),
			pq.StringArray(records),
			access.AccessCount,
			nullTime(access.LastAccessTime),
			access.RiskScore,
			access.AutoApproved,
			nullString(access.MatchedRule),
			access.RequiresSupervisorApproval,
			access.CreatedAt,
			access.UpdatedAt,
			nullTime(access.VerifiedAt),
		)
		if err == nil {
			s.observe(ctx, "insert", start, 1, nil)
			return created, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			s.observe(ctx, "insert", start, 0, err)
			return nil, false, fmt.Errorf("failed to create emergency access: %w", err)
		}

		existing, err := s.GetActive(ctx, access.PatientID, access.RequesterID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	return nil, false, fmt.Errorf("failed to create emergency access: active grant for patient %s kept changing", access.PatientID)
}

// GetByID implements emergency.Store
func (s *PostgresStore) GetByID(ctx context.Context, emergencyID string) (*emergency.EmergencyAccess, error) {
	if _, err := uuid.Parse(emergencyID); err != nil {
		return nil, emergency.NewNotFoundError(emergencyID)
	}

	query := `SELECT ` + accessColumns + ` FROM emergency_access WHERE emergency_id = $1`

	access, err := s.queryOne(ctx, "select", query, emergencyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, emergency.NewNotFoundError(emergencyID)
		}
		return nil, fmt.Errorf("failed to get emergency access: %w", err)
	}
	return access, nil
}

// GetActive implements emergency.Store; it returns nil when no grant is active
func (s *PostgresStore) GetActive(ctx context.Context, patientID, requesterID string) (*emergency.EmergencyAccess, error) {
	query := `SELECT ` + accessColumns + `
		FROM emergency_access
		WHERE patient_id = $1 AND requester_id = $2 AND status IN ('pending', 'approved')`

	access, err := s.queryOne(ctx, "select", query, patientID, requesterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active emergency access: %w", err)
	}
	return access, nil
}

// ApplyDecision implements emergency.Store
func (s *PostgresStore) ApplyDecision(ctx context.Context, emergencyID string, d emergency.Decision) (*emergency.EmergencyAccess, error) {
	if _, err := uuid.Parse(emergencyID); err != nil {
		return nil, emergency.ErrConditionFailed
	}

	extendSeconds := int64(0)
	if d.Status == emergency.StatusApproved && d.ExtendBy > 0 {
		extendSeconds = int64(d.ExtendBy / time.Second)
	}

	query := `
		UPDATE emergency_access
		SET status = $2,
			supervisor_id = $3,
			decision_reason = $4,
			approval_time = $5,
			expiry_time = expiry_time + ($6 * INTERVAL '1 second'),
			updated_at = $5
		WHERE emergency_id = $1 AND status = 'pending'
		RETURNING ` + accessColumns

	return s.conditionalUpdate(ctx, "decide", query,
		emergencyID, string(d.Status), d.SupervisorID, nullString(d.Reason), d.DecidedAt, extendSeconds)
}

// RecordAccess implements emergency.Store
func (s *PostgresStore) RecordAccess(ctx context.Context, emergencyID, recordID string, at time.Time) (*emergency.EmergencyAccess, error) {
	if _, err := uuid.Parse(emergencyID); err != nil {
		return nil, emergency.ErrConditionFailed
	}

	query := `
		UPDATE emergency_access
		SET accessed_records = array_append(accessed_records, $2),
			access_count = access_count + 1,
			last_access_time = $3,
			updated_at = $3
		WHERE emergency_id = $1 AND status = 'approved' AND expiry_time > $3
		RETURNING ` + accessColumns

	return s.conditionalUpdate(ctx, "record_access", query, emergencyID, recordID, at)
}

// UpdateRiskScore implements emergency.Store
func (s *PostgresStore) UpdateRiskScore(ctx context.Context, emergencyID string, score int) error {
	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`UPDATE emergency_access SET risk_score = $2 WHERE emergency_id = $1`, emergencyID, score)
	if err != nil {
		s.observe(ctx, "update_risk", start, 0, err)
		return fmt.Errorf("failed to update risk score: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	s.observe(ctx, "update_risk", start, rowsAffected, nil)
	if rowsAffected == 0 {
		return emergency.NewNotFoundError(emergencyID)
	}
	return nil
}

// Revoke implements emergency.Store
func (s *PostgresStore) Revoke(ctx context.Context, emergencyID string, r emergency.Revocation) (*emergency.EmergencyAccess, error) {
	if _, err := uuid.Parse(emergencyID); err != nil {
		return nil, emergency.ErrConditionFailed
	}

	query := `
		UPDATE emergency_access
		SET status = 'revoked',
			revoked_by = $2,
			revocation_reason = $3,
			revoked_at = $4,
			updated_at = $4
		WHERE emergency_id = $1 AND status IN ('pending', 'approved')
		RETURNING ` + accessColumns

	return s.conditionalUpdate(ctx, "revoke", query, emergencyID, r.RevokedBy, r.Reason, r.RevokedAt)
}

// MarkVerified implements emergency.Store
func (s *PostgresStore) MarkVerified(ctx context.Context, emergencyID string, at time.Time) (*emergency.EmergencyAccess, error) {
	if _, err := uuid.Parse(emergencyID); err != nil {
		return nil, emergency.ErrConditionFailed
	}

	query := `
		UPDATE emergency_access
		SET verified_at = $2, updated_at = $2
		WHERE emergency_id = $1 AND verification_code IS NOT NULL AND verified_at IS NULL
		RETURNING ` + accessColumns

	return s.conditionalUpdate(ctx, "verify", query, emergencyID, at)
}

// ExpireOverdue implements emergency.Store. Rows locked by a concurrent
// transition are skipped and picked up by a later sweep.
func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*emergency.EmergencyAccess, error) {
	query := `
		UPDATE emergency_access
		SET status = 'expired', updated_at = $1
		WHERE emergency_id IN (
			SELECT emergency_id FROM emergency_access
			WHERE status IN ('pending', 'approved') AND expiry_time <= $1
			ORDER BY expiry_time
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		AND status IN ('pending', 'approved')
		RETURNING ` + accessColumns

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		s.observe(ctx, "expire", start, 0, err)
		return nil, fmt.Errorf("failed to expire overdue emergency access: %w", err)
	}
	defer rows.Close()

	// every returned row is already expired, so each one must reach the caller
	// even when only its identifying columns can be read
	log := s.logger.WithComponent("emergency_store")
	expired := make([]*emergency.EmergencyAccess, 0)
	var readErrs []error
	for rows.Next() {
		access, vitals, err := scanAccessColumns(rows)
		if err != nil {
			access, err = scanExpiredKeys(rows)
			if err != nil {
				log.WithError(err).Error("Unreadable expired emergency access row")
				readErrs = append(readErrs, err)
				continue
			}
			log.WithField("emergency_id", access.EmergencyID).Warn("Expired emergency access row only partially readable")
		} else if err := decodeVitals(access, vitals); err != nil {
			log.WithField("emergency_id", access.EmergencyID).WithError(err).Warn("Dropping undecodable vital signs of expired emergency access")
		}
		expired = append(expired, access)
	}
	if err := rows.Err(); err != nil {
		readErrs = append(readErrs, err)
	}
	if len(readErrs) > 0 {
		err := fmt.Errorf("failed to read expired emergency access: %w", errors.Join(readErrs...))
		s.observe(ctx, "expire", start, int64(len(expired)), err)
		return expired, err
	}

	s.observe(ctx, "expire", start, int64(len(expired)), nil)
	return expired, nil
}

// RequesterFacilities implements emergency.Store
func (s *PostgresStore) RequesterFacilities(ctx context.Context, requesterID, excludeID string) (map[string]int, error) {
	query := `
		SELECT facility, COUNT(*)
		FROM emergency_access
		WHERE requester_id = $1 AND emergency_id::text <> $2
		GROUP BY facility`

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, requesterID, excludeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get requester facilities: %w", err)
	}
	defer rows.Close()

	facilities := make(map[string]int)
	for rows.Next() {
		var facility string
		var count int
		if err := rows.Scan(&facility, &count); err != nil {
			return nil, fmt.Errorf("failed to scan requester facility: %w", err)
		}
		facilities[facility] = count
	}
	return facilities, rows.Err()
}

// ListByUser implements emergency.Store
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, filters emergency.HistoryFilters) (*emergency.HistoryResult, error) {
	whereClause := []string{"(requester_id = $1 OR patient_id = $1)"}
	args := []interface{}{userID}
	argIndex := 2

	if filters.Status != "" {
		whereClause = append(whereClause, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, string(filters.Status))
		argIndex++
	}
	if filters.EmergencyType != "" {
		whereClause = append(whereClause, fmt.Sprintf("emergency_type = $%d", argIndex))
		args = append(args, string(filters.EmergencyType))
		argIndex++
	}
	if filters.UrgencyLevel != "" {
		whereClause = append(whereClause, fmt.Sprintf("urgency_level = $%d", argIndex))
		args = append(args, string(filters.UrgencyLevel))
		argIndex++
	}
	if !filters.StartDate.IsZero() {
		whereClause = append(whereClause, fmt.Sprintf("request_time >= $%d", argIndex))
		args = append(args, filters.StartDate)
		argIndex++
	}
	if !filters.EndDate.IsZero() {
		whereClause = append(whereClause, fmt.Sprintf("request_time <= $%d", argIndex))
		args = append(args, filters.EndDate)
		argIndex++
	}

	where := strings.Join(whereClause, " AND ")

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	result := &emergency.HistoryResult{Records: []*emergency.EmergencyAccess{}}
	countQuery := `SELECT COUNT(*) FROM emergency_access WHERE ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count emergency access history: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM emergency_access WHERE %s
		ORDER BY request_time DESC, emergency_id
		LIMIT $%d OFFSET $%d`, accessColumns, where, argIndex, argIndex+1)
	args = append(args, filters.Limit, filters.Offset)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.observe(ctx, "select", start, 0, err)
		return nil, fmt.Errorf("failed to list emergency access history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		access, err := scanAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emergency access: %w", err)
		}
		result.Records = append(result.Records, access)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emergency access history: %w", err)
	}

	s.observe(ctx, "select", start, int64(len(result.Records)), nil)
	return result, nil
}

// Statistics implements emergency.Store
func (s *PostgresStore) Statistics(ctx context.Context, since time.Time, highRiskThreshold int) (*emergency.Statistics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	stats := emergency.NewStatistics("", since)

	totalsQuery := `
		SELECT
			COUNT(*) as total_requests,
			COUNT(CASE WHEN auto_approved THEN 1 END) as auto_approved,
			COALESCE(AVG(risk_score), 0) as average_risk_score,
			COUNT(CASE WHEN risk_score > $2 THEN 1 END) as high_risk_count,
			COALESCE(SUM(access_count), 0) as total_records_accessed,
			COUNT(DISTINCT requester_id) as unique_requesters
		FROM emergency_access
		WHERE request_time >= $1`

	err := s.db.QueryRowContext(ctx, totalsQuery, since, highRiskThreshold).Scan(
		&stats.TotalRequests,
		&stats.AutoApproved,
		&stats.AverageRiskScore,
		&stats.HighRiskCount,
		&stats.TotalRecordsAccessed,
		&stats.UniqueRequesters,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get emergency access statistics: %w", err)
	}

	breakdownQuery := `
		SELECT status, emergency_type, urgency_level, COUNT(*)
		FROM emergency_access
		WHERE request_time >= $1
		GROUP BY status, emergency_type, urgency_level`

	rows, err := s.db.QueryContext(ctx, breakdownQuery, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get emergency access breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, emergencyType, urgency string
		var count int
		if err := rows.Scan(&status, &emergencyType, &urgency, &count); err != nil {
			return nil, fmt.Errorf("failed to scan emergency access breakdown: %w", err)
		}
		stats.ByStatus[emergency.AccessStatus(status)] += count
		stats.ByEmergencyType[emergency.EmergencyType(emergencyType)] += count
		stats.ByUrgency[emergency.UrgencyLevel(urgency)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate emergency access breakdown: %w", err)
	}

	return stats, nil
}

func (s *PostgresStore) conditionalUpdate(ctx context.Context, op, query string, args ...interface{}) (*emergency.EmergencyAccess, error) {
	start := time.Now()
	access, err := s.queryOne(ctx, op, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.observe(ctx, op, start, 0, nil)
			return nil, emergency.ErrConditionFailed
		}
		s.observe(ctx, op, start, 0, err)
		return nil, fmt.Errorf("failed to %s emergency access: %w", op, err)
	}
	s.observe(ctx, op, start, 1, nil)
	return access, nil
}

// queryOne runs a single-row statement under the query timeout inside a db span
func (s *PostgresStore) queryOne(ctx context.Context, op, query string, args ...interface{}) (*emergency.EmergencyAccess, error) {
	ctx, span := s.tracing.StartDatabaseSpan(ctx, op, "emergency_access")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	access, err := scanAccess(s.db.QueryRowContext(ctx, query, args...))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.tracing.RecordError(span, err)
	}
	return access, err
}

func scanAccess(row rowScanner) (*emergency.EmergencyAccess, error) {
	access, vitals, err := scanAccessColumns(row)
	if err != nil {
		return nil, err
	}
	if err := decodeVitals(access, vitals); err != nil {
		return nil, err
	}
	return access, nil
}

// scanAccessColumns reads one accessColumns row; vital signs are returned raw
func scanAccessColumns(row rowScanner) (*emergency.EmergencyAccess, []byte, error) {
	var (
		a                                   emergency.EmergencyAccess
		emergencyType, urgency, status      string
		room, address, condition            sql.NullString
		witness, phone, supervisor, reason  sql.NullString
		revokedBy, revocationReason         sql.NullString
		code, matchedRule                   sql.NullString
		approvalTime, revokedAt, lastAccess sql.NullTime
		verifiedAt                          sql.NullTime
		vitals                              []byte
		records                             pq.StringArray
	)

	err := row.Scan(
		&a.EmergencyID,
		&a.RequesterID,
		&a.RequesterName,
		&a.RequesterRole,
		&a.PatientID,
		&a.PatientName,
		&emergencyType,
		&a.Location.Facility,
		&a.Location.Department,
		&room,
		&address,
		&a.Justification,
		&urgency,
		&condition,
		&vitals,
		&witness,
		&phone,
		&status,
		&a.RequestTime,
		&a.ExpiryTime,
		&approvalTime,
		&supervisor,
		&reason,
		&revokedBy,
		&revocationReason,
		&revokedAt,
		&code,
		&records,
		&a.AccessCount,
		&lastAccess,
		&a.RiskScore,
		&a.AutoApproved,
		&matchedRule,
		&a.RequiresSupervisorApproval,
		&a.CreatedAt,
		&a.UpdatedAt,
		&verifiedAt,
	)
	if err != nil {
		return nil, nil, err
	}

	a.EmergencyType = emergency.EmergencyType(emergencyType)
	a.UrgencyLevel = emergency.UrgencyLevel(urgency)
	a.Status = emergency.AccessStatus(status)
	a.Location.Room = room.String
	a.Location.Address = address.String
	a.PatientCondition = condition.String
	a.WitnessID = witness.String
	a.ContactPhone = phone.String
	a.SupervisorID = supervisor.String
	a.DecisionReason = reason.String
	a.RevokedBy = revokedBy.String
	a.RevocationReason = revocationReason.String
	a.VerificationCode = code.String
	a.MatchedRule = matchedRule.String
	a.ApprovalTime = timePtr(approvalTime)
	a.RevokedAt = timePtr(revokedAt)
	a.LastAccessTime = timePtr(lastAccess)
	a.VerifiedAt = timePtr(verifiedAt)
	a.AccessedRecords = []string(records)
	if a.AccessedRecords == nil {
		a.AccessedRecords = []string{}
	}

	return &a, vitals, nil
}

func decodeVitals(a *emergency.EmergencyAccess, vitals []byte) error {
	if len(vitals) == 0 {
		return nil
	}
	var v emergency.VitalSigns
	if err := json.Unmarshal(vitals, &v); err != nil {
		return fmt.Errorf("failed to decode vital signs for %s: %w", a.EmergencyID, err)
	}
	a.VitalSigns = &v
	return nil
}

// scanExpiredKeys re-reads the current row keeping only the columns needed to
// report an expiry. Indexes follow accessColumns.
func scanExpiredKeys(row rowScanner) (*emergency.EmergencyAccess, error) {
	a := &emergency.EmergencyAccess{Status: emergency.StatusExpired, AccessedRecords: []string{}}

	dest := make([]interface{}, accessColumnCount)
	for i := range dest {
		dest[i] = new(interface{})
	}
	dest[0] = &a.EmergencyID
	dest[1] = &a.RequesterID
	dest[4] = &a.PatientID
	dest[5] = &a.PatientName
	dest[19] = &a.ExpiryTime
	dest[30] = &a.RiskScore

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *PostgresStore) observe(ctx context.Context, op string, start time.Time, rows int64, err error) {
	var details map[string]interface{}
	if err != nil {
		details = map[string]interface{}{"error": err.Error()}
	}
	s.logger.DatabaseOperation(ctx, op, "emergency_access", time.Since(start).Milliseconds(), rows, err == nil, details)
}

func marshalVitals(v *emergency.VitalSigns) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vital signs: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
