package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emergency-access/pkg/database"
	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
)

var accessColumnNames = []string{
	"emergency_id", "requester_id", "requester_name", "requester_role",
	"patient_id", "patient_name", "emergency_type", "facility", "department", "room", "address",
	"justification", "urgency_level", "patient_condition", "vital_signs", "witness_id", "contact_phone",
	"status", "request_time", "expiry_time", "approval_time", "supervisor_id", "decision_reason",
	"revoked_by", "revocation_reason", "revoked_at", "verification_code",
	"accessed_records", "access_count", "last_access_time", "risk_score", "auto_approved",
	"matched_rule", "requires_supervisor_approval", "created_at", "updated_at", "verified_at",
}

func setupPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	log := logger.NewWithOutput("debug", io.Discard)
	return NewPostgresStore(database.Wrap(sqlDB, nil, log), log, nil), mock
}

// accessRow renders a grant the way PostgreSQL returns it
func accessRow(id string, status emergency.AccessStatus) []driver.Value {
	return []driver.Value{
		id, "dr-er", "Dr. Reyes", "emergency_doctor",
		"patient-1", "Patient One", "cardiac_arrest", "General Hospital", "emergency_department", "ER-3", nil,
		"Patient in cardiac arrest", "critical", "unresponsive", []byte(`{"heart_rate":40,"blood_pressure":"80/50"}`), nil, nil,
		string(status), baseTime, baseTime.Add(12 * time.Hour), nil, nil, nil,
		nil, nil, nil, "123456",
		"{rec-1,rec-2}", int64(2), baseTime.Add(time.Hour), int64(80), true,
		"emergency_doctor_critical", false, baseTime, baseTime, nil,
	}
}

func accessRows(rows ...[]driver.Value) *sqlmock.Rows {
	r := sqlmock.NewRows(accessColumnNames)
	for _, row := range rows {
		r.AddRow(row...)
	}
	return r
}

func TestPostgresStore_GetByID(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()

	mock.ExpectQuery("SELECT (.+) FROM emergency_access WHERE emergency_id = \\$1").
		WithArgs(id).
		WillReturnRows(accessRows(accessRow(id, emergency.StatusApproved)))

	access, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, id, access.EmergencyID)
	assert.Equal(t, emergency.StatusApproved, access.Status)
	assert.Equal(t, emergency.TypeCardiacArrest, access.EmergencyType)
	assert.Equal(t, emergency.UrgencyCritical, access.UrgencyLevel)
	assert.Equal(t, "ER-3", access.Location.Room)
	assert.Empty(t, access.Location.Address)
	assert.Equal(t, []string{"rec-1", "rec-2"}, access.AccessedRecords)
	assert.Equal(t, 2, access.AccessCount)
	require.NotNil(t, access.VitalSigns)
	assert.Equal(t, 40, access.VitalSigns.HeartRate)
	assert.Nil(t, access.ApprovalTime)
	require.NotNil(t, access.LastAccessTime)
	assert.True(t, access.RequiresVerification())
	assert.True(t, access.AutoApproved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByIDNotFound(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()

	mock.ExpectQuery("SELECT (.+) FROM emergency_access WHERE emergency_id = \\$1").
		WithArgs(id).
		WillReturnRows(accessRows())

	_, err := store.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, emergency.ErrNotFound)

	// malformed ids never reach the database
	_, err = store.GetByID(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, emergency.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIfNoActive(t *testing.T) {
	store, mock := setupPostgresStore(t)
	access := newGrant(uuid.NewString(), "patient-1", "dr-er", emergency.StatusPending)

	row := accessRow(access.EmergencyID, emergency.StatusPending)
	mock.ExpectQuery("INSERT INTO emergency_access (.+) ON CONFLICT \\(patient_id, requester_id\\) WHERE status IN \\('pending', 'approved'\\) DO NOTHING RETURNING").
		WillReturnRows(accessRows(row))

	created, ok, err := store.CreateIfNoActive(context.Background(), access)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, access.EmergencyID, created.EmergencyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIfNoActiveReturnsExisting(t *testing.T) {
	store, mock := setupPostgresStore(t)
	access := newGrant(uuid.NewString(), "patient-1", "dr-er", emergency.StatusPending)
	existingID := uuid.NewString()

	mock.ExpectQuery("INSERT INTO emergency_access").
		WillReturnRows(accessRows())
	mock.ExpectQuery("SELECT (.+) FROM emergency_access WHERE patient_id = \\$1 AND requester_id = \\$2").
		WithArgs("patient-1", "dr-er").
		WillReturnRows(accessRows(accessRow(existingID, emergency.StatusApproved)))

	existing, ok, err := store.CreateIfNoActive(context.Background(), access)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, existingID, existing.EmergencyID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIfNoActiveRetriesWhenConflictDisappears(t *testing.T) {
	store, mock := setupPostgresStore(t)
	access := newGrant(uuid.NewString(), "patient-1", "dr-er", emergency.StatusPending)

	mock.ExpectQuery("INSERT INTO emergency_access").WillReturnRows(accessRows())
	mock.ExpectQuery("SELECT (.+) FROM emergency_access WHERE patient_id").WillReturnRows(accessRows())
	mock.ExpectQuery("INSERT INTO emergency_access").
		WillReturnRows(accessRows(accessRow(access.EmergencyID, emergency.StatusPending)))

	_, ok, err := store.CreateIfNoActive(context.Background(), access)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIfNoActiveFailure(t *testing.T) {
	store, mock := setupPostgresStore(t)
	access := newGrant(uuid.NewString(), "patient-1", "dr-er", emergency.StatusPending)

	mock.ExpectQuery("INSERT INTO emergency_access").WillReturnError(errors.New("connection refused"))

	_, _, err := store.CreateIfNoActive(context.Background(), access)
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyDecision(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()
	decidedAt := baseTime.Add(5 * time.Minute)

	mock.ExpectQuery("UPDATE emergency_access SET status = \\$2(.+)WHERE emergency_id = \\$1 AND status = 'pending'").
		WithArgs(id, "approved", "sup-1", "confirmed", decidedAt, int64(7200)).
		WillReturnRows(accessRows(accessRow(id, emergency.StatusApproved)))

	updated, err := store.ApplyDecision(context.Background(), id, emergency.Decision{
		Status:       emergency.StatusApproved,
		SupervisorID: "sup-1",
		Reason:       "confirmed",
		DecidedAt:    decidedAt,
		ExtendBy:     2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, emergency.StatusApproved, updated.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConditionalUpdatesReportFailedPrecondition(t *testing.T) {
	store, mock := setupPostgresStore(t)
	ctx := context.Background()
	id := uuid.NewString()

	mock.ExpectQuery("UPDATE emergency_access SET status = \\$2").WillReturnRows(accessRows())
	_, err := store.ApplyDecision(ctx, id, emergency.Decision{Status: emergency.StatusDenied, DecidedAt: baseTime})
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)

	mock.ExpectQuery("SET accessed_records = array_append\\(accessed_records, \\$2\\)(.+)expiry_time > \\$3").
		WithArgs(id, "rec-1", baseTime).
		WillReturnRows(accessRows())
	_, err = store.RecordAccess(ctx, id, "rec-1", baseTime)
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)

	mock.ExpectQuery("SET status = 'revoked'(.+)status IN \\('pending', 'approved'\\)").
		WillReturnRows(accessRows())
	_, err = store.Revoke(ctx, id, emergency.Revocation{RevokedBy: "sup-1", Reason: "done", RevokedAt: baseTime})
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)

	// malformed ids fail the precondition without a query
	_, err = store.Revoke(ctx, "bogus", emergency.Revocation{})
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAccess(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()
	at := baseTime.Add(time.Hour)

	mock.ExpectQuery("UPDATE emergency_access SET accessed_records").
		WithArgs(id, "rec-2", at).
		WillReturnRows(accessRows(accessRow(id, emergency.StatusApproved)))

	updated, err := store.RecordAccess(context.Background(), id, "rec-2", at)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.AccessCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRiskScore(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()

	mock.ExpectExec("UPDATE emergency_access SET risk_score = \\$2 WHERE emergency_id = \\$1").
		WithArgs(id, 95).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateRiskScore(context.Background(), id, 95))

	mock.ExpectExec("UPDATE emergency_access SET risk_score").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.UpdateRiskScore(context.Background(), id, 95)
	assert.ErrorIs(t, err, emergency.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkVerified(t *testing.T) {
	store, mock := setupPostgresStore(t)
	id := uuid.NewString()
	at := baseTime.Add(5 * time.Minute)

	row := accessRow(id, emergency.StatusApproved)
	row[36] = at
	mock.ExpectQuery("UPDATE emergency_access SET verified_at = \\$2, updated_at = \\$2 WHERE emergency_id = \\$1 AND verification_code IS NOT NULL AND verified_at IS NULL").
		WithArgs(id, at).
		WillReturnRows(accessRows(row))

	verified, err := store.MarkVerified(context.Background(), id, at)
	require.NoError(t, err)
	require.NotNil(t, verified.VerifiedAt)
	assert.True(t, verified.VerifiedAt.Equal(at))

	mock.ExpectQuery("UPDATE emergency_access SET verified_at").
		WithArgs(id, at).
		WillReturnRows(accessRows())

	_, err = store.MarkVerified(context.Background(), id, at)
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)

	_, err = store.MarkVerified(context.Background(), "not-a-uuid", at)
	assert.ErrorIs(t, err, emergency.ErrConditionFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireOverdue(t *testing.T) {
	store, mock := setupPostgresStore(t)
	now := baseTime.Add(13 * time.Hour)
	first, second := uuid.NewString(), uuid.NewString()

	mock.ExpectQuery("UPDATE emergency_access SET status = 'expired'(.+)FOR UPDATE SKIP LOCKED").
		WithArgs(now, 50).
		WillReturnRows(accessRows(
			accessRow(first, emergency.StatusExpired),
			accessRow(second, emergency.StatusExpired),
		))

	expired, err := store.ExpireOverdue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, first, expired[0].EmergencyID)
	assert.Equal(t, emergency.StatusExpired, expired[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireOverdueQueryError(t *testing.T) {
	store, mock := setupPostgresStore(t)

	mock.ExpectQuery("UPDATE emergency_access SET status = 'expired'").
		WillReturnError(errors.New("deadlock detected"))

	_, err := store.ExpireOverdue(context.Background(), baseTime, 10)
	assert.ErrorContains(t, err, "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireOverdueReportsDamagedRows(t *testing.T) {
	store, mock := setupPostgresStore(t)
	now := baseTime.Add(13 * time.Hour)
	healthy, badVitals, badCount := uuid.NewString(), uuid.NewString(), uuid.NewString()

	withBadVitals := accessRow(badVitals, emergency.StatusExpired)
	withBadVitals[14] = []byte(`{not json`)
	withBadCount := accessRow(badCount, emergency.StatusExpired)
	withBadCount[28] = "many"

	mock.ExpectQuery("UPDATE emergency_access SET status = 'expired'").
		WithArgs(now, 50).
		WillReturnRows(accessRows(
			accessRow(healthy, emergency.StatusExpired),
			withBadVitals,
			withBadCount,
		))

	expired, err := store.ExpireOverdue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, expired, 3)

	assert.Equal(t, healthy, expired[0].EmergencyID)
	assert.NotNil(t, expired[0].VitalSigns)

	assert.Equal(t, badVitals, expired[1].EmergencyID)
	assert.Nil(t, expired[1].VitalSigns)
	assert.Equal(t, "Patient in cardiac arrest", expired[1].Justification)

	assert.Equal(t, badCount, expired[2].EmergencyID)
	assert.Equal(t, "dr-er", expired[2].RequesterID)
	assert.Equal(t, "patient-1", expired[2].PatientID)
	assert.Equal(t, 80, expired[2].RiskScore)
	assert.Equal(t, emergency.StatusExpired, expired[2].Status)
	assert.True(t, expired[2].ExpiryTime.Equal(baseTime.Add(12*time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpireOverdueReturnsReadRowsWithError(t *testing.T) {
	t.Run("unreadable row", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		good := uuid.NewString()

		unreadable := accessRow(uuid.NewString(), emergency.StatusExpired)
		unreadable[30] = "high"

		mock.ExpectQuery("UPDATE emergency_access SET status = 'expired'").
			WillReturnRows(accessRows(unreadable, accessRow(good, emergency.StatusExpired)))

		expired, err := store.ExpireOverdue(context.Background(), baseTime, 10)
		assert.ErrorContains(t, err, "failed to read expired emergency access")
		require.Len(t, expired, 1)
		assert.Equal(t, good, expired[0].EmergencyID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row iteration error", func(t *testing.T) {
		store, mock := setupPostgresStore(t)
		first := uuid.NewString()

		mock.ExpectQuery("UPDATE emergency_access SET status = 'expired'").
			WillReturnRows(accessRows(
				accessRow(first, emergency.StatusExpired),
				accessRow(uuid.NewString(), emergency.StatusExpired),
			).RowError(1, errors.New("connection reset by peer")))

		expired, err := store.ExpireOverdue(context.Background(), baseTime, 10)
		assert.ErrorContains(t, err, "connection reset by peer")
		require.Len(t, expired, 1)
		assert.Equal(t, first, expired[0].EmergencyID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_RequesterFacilities(t *testing.T) {
	store, mock := setupPostgresStore(t)
	exclude := uuid.NewString()

	mock.ExpectQuery("SELECT facility, COUNT\\(\\*\\) FROM emergency_access WHERE requester_id = \\$1").
		WithArgs("dr-er", exclude).
		WillReturnRows(sqlmock.NewRows([]string{"facility", "count"}).
			AddRow("General Hospital", int64(4)).
			AddRow("North Clinic", int64(1)))

	facilities, err := store.RequesterFacilities(context.Background(), "dr-er", exclude)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"General Hospital": 4, "North Clinic": 1}, facilities)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListByUser(t *testing.T) {
	store, mock := setupPostgresStore(t)
	start := baseTime.Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM emergency_access WHERE \\(requester_id = \\$1 OR patient_id = \\$1\\) AND status = \\$2 AND request_time >= \\$3").
		WithArgs("dr-er", "approved", start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery("ORDER BY request_time DESC, emergency_id LIMIT \\$4 OFFSET \\$5").
		WithArgs("dr-er", "approved", start, 2, 0).
		WillReturnRows(accessRows(
			accessRow(uuid.NewString(), emergency.StatusApproved),
			accessRow(uuid.NewString(), emergency.StatusApproved),
		))

	result, err := store.ListByUser(context.Background(), "dr-er", emergency.HistoryFilters{
		Status:    emergency.StatusApproved,
		StartDate: start,
		Limit:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Len(t, result.Records, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Statistics(t *testing.T) {
	store, mock := setupPostgresStore(t)
	since := baseTime.Add(-7 * 24 * time.Hour)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) as total_requests").
		WithArgs(since, 80).
		WillReturnRows(sqlmock.NewRows([]string{
			"total_requests", "auto_approved", "average_risk_score",
			"high_risk_count", "total_records_accessed", "unique_requesters",
		}).AddRow(int64(5), int64(2), 47.5, int64(1), int64(9), int64(3)))
	mock.ExpectQuery("GROUP BY status, emergency_type, urgency_level").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"status", "emergency_type", "urgency_level", "count"}).
			AddRow("approved", "trauma", "high", int64(3)).
			AddRow("pending", "trauma", "low", int64(2)))

	stats, err := store.Statistics(context.Background(), since, 80)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRequests)
	assert.Equal(t, 2, stats.AutoApproved)
	assert.Equal(t, 47.5, stats.AverageRiskScore)
	assert.Equal(t, 1, stats.HighRiskCount)
	assert.Equal(t, 9, stats.TotalRecordsAccessed)
	assert.Equal(t, 3, stats.UniqueRequesters)
	assert.Equal(t, 5, stats.ByEmergencyType[emergency.TypeTrauma])
	assert.Equal(t, 3, stats.ByStatus[emergency.StatusApproved])
	assert.Equal(t, 2, stats.ByUrgency[emergency.UrgencyLow])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	log := logger.NewWithOutput("debug", io.Discard)
	store := NewPostgresAuditStore(database.Wrap(sqlDB, nil, log), log)
	ctx := context.Background()
	emergencyID := uuid.NewString()

	entry := &emergency.EmergencyAccessLog{
		LogID:       uuid.NewString(),
		EmergencyID: emergencyID,
		Action:      emergency.ActionAccessRecord,
		ActorID:     "dr-er",
		Timestamp:   baseTime,
		IPAddress:   "10.0.0.5",
		Details:     map[string]interface{}{"record_id": "rec-1"},
		RiskScore:   85,
	}

	mock.ExpectExec("INSERT INTO emergency_access_logs").
		WithArgs(entry.LogID, emergencyID, "access_record", "dr-er", baseTime, "10.0.0.5", nil, sqlmock.AnyArg(), 85).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Append(ctx, entry))

	mock.ExpectQuery("FROM emergency_access_logs WHERE emergency_id::text = \\$1 ORDER BY timestamp, log_id").
		WithArgs(emergencyID).
		WillReturnRows(sqlmock.NewRows([]string{
			"log_id", "emergency_id", "action", "actor_id", "timestamp",
			"ip_address", "user_agent", "details", "risk_score",
		}).
			AddRow("l1", emergencyID, "request", "dr-er", baseTime, nil, nil, nil, int64(80)).
			AddRow("l2", emergencyID, "access_record", "dr-er", baseTime.Add(time.Minute), "10.0.0.5", nil, []byte(`{"record_id":"rec-1"}`), int64(85)))

	trail, err := store.ListByEmergency(ctx, emergencyID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, emergency.ActionRequest, trail[0].Action)
	assert.Nil(t, trail[0].Details)
	assert.Equal(t, "rec-1", trail[1].Details["record_id"])
	assert.Equal(t, "10.0.0.5", trail[1].IPAddress)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COALESCE\\(AVG\\(risk_score\\), 0\\) FROM emergency_access_logs").
		WithArgs("dr-er", baseTime).
		WillReturnRows(sqlmock.NewRows([]string{"count", "avg"}).AddRow(int64(4), 62.5))

	activity, err := store.ActorActivity(ctx, "dr-er", baseTime)
	require.NoError(t, err)
	assert.Equal(t, 4, activity.EventCount)
	assert.Equal(t, 62.5, activity.AverageRiskScore)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAuditStore_AppendFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	log := logger.NewWithOutput("debug", io.Discard)
	store := NewPostgresAuditStore(database.Wrap(sqlDB, nil, log), log)

	mock.ExpectExec("INSERT INTO emergency_access_logs").WillReturnError(errors.New("disk full"))

	err = store.Append(context.Background(), &emergency.EmergencyAccessLog{LogID: uuid.NewString(), EmergencyID: uuid.NewString(), Action: emergency.ActionRequest})
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
