package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medrex/emergency-access/pkg/database"
	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
)

// PostgresAuditStore is the append-only audit sink backed by emergency_access_logs
type PostgresAuditStore struct {
	db     *database.DB
	logger *logger.Logger
}

// NewPostgresAuditStore creates a new PostgreSQL audit store
func NewPostgresAuditStore(db *database.DB, log *logger.Logger) *PostgresAuditStore {
	return &PostgresAuditStore{db: db, logger: log}
}

// Append implements emergency.AuditStore
func (s *PostgresAuditStore) Append(ctx context.Context, entry *emergency.EmergencyAccessLog) error {
	var details []byte
	if len(entry.Details) > 0 {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
	}

	query := `
		INSERT INTO emergency_access_logs (
			log_id, emergency_id, action, actor_id, timestamp,
			ip_address, user_agent, details, risk_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	start := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		entry.LogID,
		entry.EmergencyID,
		string(entry.Action),
		entry.ActorID,
		entry.Timestamp,
		nullString(entry.IPAddress),
		nullString(entry.UserAgent),
		details,
		entry.RiskScore,
	)
	s.logger.DatabaseOperation(ctx, "insert", "emergency_access_logs", time.Since(start).Milliseconds(), 1, err == nil, nil)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByEmergency implements emergency.AuditStore
func (s *PostgresAuditStore) ListByEmergency(ctx context.Context, emergencyID string) ([]*emergency.EmergencyAccessLog, error) {
	query := `
		SELECT log_id, emergency_id, action, actor_id, timestamp,
			ip_address, user_agent, details, risk_score
		FROM emergency_access_logs
		WHERE emergency_id::text = $1
		ORDER BY timestamp, log_id`

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*emergency.EmergencyAccessLog, 0)
	for rows.Next() {
		var (
			entry     emergency.EmergencyAccessLog
			action    string
			ipAddress sql.NullString
			userAgent sql.NullString
			details   []byte
		)
		err := rows.Scan(
			&entry.LogID,
			&entry.EmergencyID,
			&action,
			&entry.ActorID,
			&entry.Timestamp,
			&ipAddress,
			&userAgent,
			&details,
			&entry.RiskScore,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.Action = emergency.AuditAction(action)
		entry.IPAddress = ipAddress.String
		entry.UserAgent = userAgent.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details for %s: %w", entry.LogID, err)
			}
		}
		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// ActorActivity implements emergency.AuditStore
func (s *PostgresAuditStore) ActorActivity(ctx context.Context, actorID string, since time.Time) (*emergency.ActorActivity, error) {
	query := `
		SELECT COUNT(*), COALESCE(AVG(risk_score), 0)
		FROM emergency_access_logs
		WHERE actor_id = $1 AND timestamp >= $2`

	ctx, cancel := context.WithTimeout(ctx, s.db.QueryTimeout())
	defer cancel()

	activity := &emergency.ActorActivity{}
	if err := s.db.QueryRowContext(ctx, query, actorID, since).Scan(&activity.EventCount, &activity.AverageRiskScore); err != nil {
		return nil, fmt.Errorf("failed to get actor activity: %w", err)
	}
	return activity, nil
}
