package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

// AuditLogger appends lifecycle audit entries. A failed write is logged and
// counted but never returned: emergency care is not blocked by the audit sink.
type AuditLogger struct {
	store   emergency.AuditStore
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	timeout time.Duration
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(store emergency.AuditStore, log *logger.Logger, metrics *monitoring.MetricsCollector) *AuditLogger {
	return &AuditLogger{
		store:   store,
		logger:  log,
		metrics: metrics,
		timeout: 5 * time.Second,
	}
}

// Append writes entry, filling in its id and timestamp when unset
func (a *AuditLogger) Append(ctx context.Context, entry *emergency.EmergencyAccessLog) {
	if entry.LogID == "" {
		entry.LogID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	err := a.store.Append(writeCtx, entry)
	a.metrics.RecordAuditEvent(string(entry.Action), err == nil)
	if err != nil {
		a.logger.WithEmergency(ctx, entry.EmergencyID).WithFields(logrus.Fields{
			"log_id":     entry.LogID,
			"action":     entry.Action,
			"actor_id":   entry.ActorID,
			"risk_score": entry.RiskScore,
			"error":      err.Error(),
		}).Error("Failed to persist emergency access audit entry")
		return
	}

	a.logger.Compliance(ctx, "emergency_access_"+string(entry.Action), entry.ActorID, map[string]interface{}{
		"emergency_id": entry.EmergencyID,
		"log_id":       entry.LogID,
		"risk_score":   entry.RiskScore,
	})
}

// Trail returns the audit entries of one grant ordered by timestamp
func (a *AuditLogger) Trail(ctx context.Context, emergencyID string) ([]*emergency.EmergencyAccessLog, error) {
	return a.store.ListByEmergency(ctx, emergencyID)
}
