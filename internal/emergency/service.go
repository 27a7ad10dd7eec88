package emergency

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Config holds the manager's tunables
type Config struct {
	HighRiskThreshold        int
	CreationRiskLogThreshold int
	MaxExtendHours           int
	NotificationTimeout      time.Duration
	SweepBatchSize           int
	SupervisorRoles          []string
	Location                 *time.Location
}

// DefaultConfig returns the standard manager configuration
func DefaultConfig() Config {
	return Config{
		HighRiskThreshold:        80,
		CreationRiskLogThreshold: 80,
		MaxExtendHours:           24,
		NotificationTimeout:      5 * time.Second,
		SweepBatchSize:           500,
		SupervisorRoles:          []string{"supervisor", "department_head", "chief_medical_officer"},
		Location:                 time.Local,
	}
}

// Dependencies are the collaborators injected into the manager
type Dependencies struct {
	Store      emergency.Store
	AuditStore emergency.AuditStore
	Identities emergency.IdentityLookup
	Patients   emergency.PatientRegistry
	Records    emergency.MedicalRecordStore
	Notifier   emergency.NotificationDispatcher

	Rules     *RuleSet
	Risk      *RiskEngine
	Durations *DurationPolicy

	Geo      GeoSignal
	Origin   OriginSignal
	Behavior BehaviorSignal

	Logger  *logger.Logger
	Metrics *monitoring.MetricsCollector
	Tracing *monitoring.TracingManager

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Manager owns the emergency access lifecycle
type Manager struct {
	cfg             Config
	supervisorRoles map[string]struct{}

	store      emergency.Store
	audit      *AuditLogger
	identities emergency.IdentityLookup
	patients   emergency.PatientRegistry
	records    emergency.MedicalRecordStore
	notifier   emergency.NotificationDispatcher

	rules     *RuleSet
	risk      *RiskEngine
	durations *DurationPolicy

	geo      GeoSignal
	origin   OriginSignal
	behavior BehaviorSignal

	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	now     func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(cfg Config, deps Dependencies) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("emergency manager: store is required")
	case deps.AuditStore == nil:
		return nil, errors.New("emergency manager: audit store is required")
	case deps.Identities == nil:
		return nil, errors.New("emergency manager: identity lookup is required")
	case deps.Patients == nil:
		return nil, errors.New("emergency manager: patient registry is required")
	case deps.Records == nil:
		return nil, errors.New("emergency manager: medical record store is required")
	case deps.Notifier == nil:
		return nil, errors.New("emergency manager: notification dispatcher is required")
	case deps.Logger == nil:
		return nil, errors.New("emergency manager: logger is required")
	}

	defaults := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	if cfg.HighRiskThreshold <= 0 {
		cfg.HighRiskThreshold = defaults.HighRiskThreshold
	}
	if cfg.CreationRiskLogThreshold <= 0 {
		cfg.CreationRiskLogThreshold = defaults.CreationRiskLogThreshold
	}
	if cfg.MaxExtendHours <= 0 {
		cfg.MaxExtendHours = defaults.MaxExtendHours
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = defaults.NotificationTimeout
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if len(cfg.SupervisorRoles) == 0 {
		cfg.SupervisorRoles = defaults.SupervisorRoles
	}

	m := &Manager{
		cfg:             cfg,
		supervisorRoles: make(map[string]struct{}, len(cfg.SupervisorRoles)),
		store:           deps.Store,
		audit:           NewAuditLogger(deps.AuditStore, deps.Logger, deps.Metrics),
		identities:      deps.Identities,
		patients:        deps.Patients,
		records:         deps.Records,
		notifier:        deps.Notifier,
		rules:           deps.Rules,
		risk:            deps.Risk,
		durations:       deps.Durations,
		geo:             deps.Geo,
		origin:          deps.Origin,
		behavior:        deps.Behavior,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
		tracing:         deps.Tracing,
		now:             deps.Clock,
	}
	for _, r := range cfg.SupervisorRoles {
		m.supervisorRoles[r] = struct{}{}
	}

	if m.rules == nil {
		rules, err := NewRuleSet(emergency.DefaultRuleConfigs(), cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("emergency manager: default rules: %w", err)
		}
		m.rules = rules
	}
	if m.risk == nil {
		m.risk = NewRiskEngine(DefaultRiskWeights(), cfg.Location)
	}
	if m.durations == nil {
		m.durations = NewDurationPolicy(nil, nil)
	}
	if m.geo == nil {
		m.geo = NewFacilityHistorySignal(deps.Store)
	}
	if m.origin == nil {
		m.origin = noOriginSignal{}
	}
	if m.behavior == nil {
		m.behavior = NewAuditBehaviorSignal(deps.AuditStore, 24*time.Hour)
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m, nil
}

// RequestEmergencyAccess creates a grant, auto-approving it when a rule matches.
// An existing pending or approved grant for the same patient and requester is
// returned unchanged instead.
func (m *Manager) RequestEmergencyAccess(ctx context.Context, req *emergency.EmergencyAccessRequest, client emergency.ClientInfo) (*emergency.EmergencyAccess, error) {
	const op = "request_emergency_access"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, "")
	defer span.End()

	if req == nil {
		return nil, m.fail(ctx, span, op, "", emergency.NewValidationError(emergency.CodeInvalidRequest, "request is required", nil))
	}
	if err := req.Validate(); err != nil {
		return nil, m.fail(ctx, span, op, "", err)
	}

	requester, err := m.identities.Resolve(ctx, req.RequesterID)
	if err != nil {
		return nil, m.fail(ctx, span, op, "", m.lookupError(err, emergency.ErrIdentityNotFound, emergency.CodeUnknownRequester, "requester", req.RequesterID))
	}
	patient, err := m.patients.Resolve(ctx, req.PatientID)
	if err != nil {
		return nil, m.fail(ctx, span, op, "", m.lookupError(err, emergency.ErrPatientNotFound, emergency.CodeUnknownPatient, "patient", req.PatientID))
	}

	now := m.now().UTC()
	duration := m.durations.Duration(req.UrgencyLevel, req.EmergencyType)
	decision := m.rules.Evaluate(&Candidate{
		EmergencyType: req.EmergencyType,
		UrgencyLevel:  req.UrgencyLevel,
		Department:    req.Location.Department,
		WitnessID:     req.WitnessID,
		RequesterRole: requester.Role,
		At:            now,
	})
	if decision.Approved && decision.Duration > duration {
		duration = decision.Duration
	}

	origin := m.classifyOrigin(ctx, client.IPAddress)
	riskScore := m.risk.Score(RiskContext{
		Urgency: req.UrgencyLevel,
		At:      now,
		Origin:  origin,
	})

	access := &emergency.EmergencyAccess{
		EmergencyID:                uuid.New().String(),
		RequesterID:                requester.ID,
		RequesterName:              requester.DisplayName,
		RequesterRole:              requester.Role,
		PatientID:                  patient.ID,
		PatientName:                patient.DisplayName,
		EmergencyType:              req.EmergencyType,
		Location:                   req.Location,
		Justification:              req.Justification,
		UrgencyLevel:               req.UrgencyLevel,
		PatientCondition:           req.PatientCondition,
		VitalSigns:                 req.VitalSigns,
		WitnessID:                  req.WitnessID,
		ContactPhone:               req.ContactPhone,
		Status:                     emergency.StatusPending,
		RequestTime:                now,
		ExpiryTime:                 now.Add(duration),
		AccessedRecords:            []string{},
		RiskScore:                  riskScore,
		RequiresSupervisorApproval: true,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if decision.Approved {
		approvedAt := now
		access.Status = emergency.StatusApproved
		access.ApprovalTime = &approvedAt
		access.SupervisorID = emergency.SystemActorID
		access.AutoApproved = true
		access.MatchedRule = decision.MatchedRuleName
		access.RequiresSupervisorApproval = false
		access.DecisionReason = "auto-approved by rule " + decision.MatchedRuleName
	}
	if req.UrgencyLevel == emergency.UrgencyCritical {
		code, err := generateVerificationCode()
		if err != nil {
			return nil, m.fail(ctx, span, op, access.EmergencyID, fmt.Errorf("%s: generate verification code: %w", op, err))
		}
		access.VerificationCode = code
	}

	stored, created, err := m.store.CreateIfNoActive(ctx, access)
	if err != nil {
		return nil, m.fail(ctx, span, op, access.EmergencyID, fmt.Errorf("%s for patient %s: %w", op, req.PatientID, err))
	}
	if !created {
		span.SetAttributes(attribute.Bool("emergency.deduplicated", true), attribute.String("emergency.id", stored.EmergencyID))
		m.logger.WithEmergency(ctx, stored.EmergencyID).WithFields(logrus.Fields{
			"requester_id": req.RequesterID,
			"patient_id":   req.PatientID,
			"status":       stored.Status,
		}).Info("Returning existing active emergency access")
		return stored, nil
	}

	span.SetAttributes(
		attribute.String("emergency.id", stored.EmergencyID),
		attribute.String("emergency.status", string(stored.Status)),
		attribute.Int("emergency.risk_score", stored.RiskScore),
	)

	if stored.RiskScore >= m.cfg.CreationRiskLogThreshold {
		m.logger.Security(ctx, "high_risk_emergency_access_request", stored.RequesterID, map[string]interface{}{
			"emergency_id":   stored.EmergencyID,
			"patient_id":     stored.PatientID,
			"risk_score":     stored.RiskScore,
			"urgency_level":  stored.UrgencyLevel,
			"emergency_type": stored.EmergencyType,
		})
	}

	m.audit.Append(ctx, &emergency.EmergencyAccessLog{
		EmergencyID: stored.EmergencyID,
		Action:      emergency.ActionRequest,
		ActorID:     stored.RequesterID,
		Timestamp:   now,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
		RiskScore:   stored.RiskScore,
		Details: map[string]interface{}{
			"patient_id":     stored.PatientID,
			"emergency_type": stored.EmergencyType,
			"urgency_level":  stored.UrgencyLevel,
			"facility":       stored.Location.Facility,
			"department":     stored.Location.Department,
			"status":         stored.Status,
			"auto_approved":  stored.AutoApproved,
			"matched_rule":   stored.MatchedRule,
			"expiry_time":    stored.ExpiryTime,
			"origin_risk":    origin,
		},
	})

	supervisors := m.supervisorsFor(ctx, stored)
	if stored.AutoApproved {
		m.notify(ctx, append([]string{stored.RequesterID}, supervisors...), &emergency.Notification{
			Kind:        emergency.NotificationAutoApproved,
			EmergencyID: stored.EmergencyID,
			Title:       "Emergency access auto-approved",
			Message:     fmt.Sprintf("Emergency access to %s auto-approved under rule %s until %s", stored.PatientName, stored.MatchedRule, stored.ExpiryTime.Format(time.RFC3339)),
			Priority:    "high",
			Data:        notificationData(stored),
		})
	} else {
		m.notify(ctx, supervisors, &emergency.Notification{
			Kind:        emergency.NotificationApprovalRequired,
			EmergencyID: stored.EmergencyID,
			Title:       "Emergency access approval required",
			Message:     fmt.Sprintf("%s requests %s emergency access to %s (%s)", stored.RequesterName, stored.UrgencyLevel, stored.PatientName, stored.EmergencyType),
			Priority:    priorityFor(stored.UrgencyLevel),
			Data:        notificationData(stored),
		})
	}

	m.metrics.RecordTransition(string(emergency.ActionRequest), string(stored.Status), stored.RiskScore)
	m.logger.WithEmergency(ctx, stored.EmergencyID).WithFields(logrus.Fields{
		"requester_id":  stored.RequesterID,
		"patient_id":    stored.PatientID,
		"status":        stored.Status,
		"auto_approved": stored.AutoApproved,
		"risk_score":    stored.RiskScore,
	}).Info("Emergency access requested")

	return stored, nil
}

// ApproveEmergencyAccess applies a supervisor's decision to a pending grant
func (m *Manager) ApproveEmergencyAccess(ctx context.Context, emergencyID, supervisorID string, decision emergency.ApprovalDecision) error {
	const op = "approve_emergency_access"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, emergencyID)
	defer span.End()

	var validationErrors emergency.ValidationErrors
	if strings.TrimSpace(emergencyID) == "" {
		validationErrors.Add("emergency_id", emergencyID, "Emergency ID is required")
	}
	if strings.TrimSpace(supervisorID) == "" {
		validationErrors.Add("supervisor_id", supervisorID, "Supervisor ID is required")
	}
	if decision.ExtendHours < 0 || decision.ExtendHours > m.cfg.MaxExtendHours {
		validationErrors.Add("extend_hours", fmt.Sprintf("%d", decision.ExtendHours), fmt.Sprintf("Extension must be between 0 and %d hours", m.cfg.MaxExtendHours))
	}
	if validationErrors.HasErrors() {
		return m.fail(ctx, span, op, emergencyID, emergency.NewValidationError(emergency.CodeInvalidRequest, validationErrors.Error(), validationErrors))
	}

	supervisor, err := m.identities.Resolve(ctx, supervisorID)
	if err != nil {
		return m.fail(ctx, span, op, emergencyID, m.lookupError(err, emergency.ErrIdentityNotFound, emergency.CodeUnknownSupervisor, "supervisor", supervisorID))
	}
	if _, ok := m.supervisorRoles[supervisor.Role]; !ok {
		m.logger.Security(ctx, "emergency_access_approval_not_authorized", supervisorID, map[string]interface{}{
			"emergency_id": emergencyID,
			"role":         supervisor.Role,
		})
		return m.fail(ctx, span, op, emergencyID, emergency.NewValidationError(emergency.CodeSupervisorNotAllowed,
			fmt.Sprintf("role %q may not decide emergency access", supervisor.Role), nil))
	}

	action := emergency.ActionApprove
	d := emergency.Decision{
		Status:       emergency.StatusApproved,
		SupervisorID: supervisor.ID,
		Reason:       decision.Reason,
		DecidedAt:    m.now().UTC(),
	}
	if decision.Approved {
		d.ExtendBy = time.Duration(decision.ExtendHours) * time.Hour
	} else {
		action = emergency.ActionDeny
		d.Status = emergency.StatusDenied
	}

	updated, err := m.store.ApplyDecision(ctx, emergencyID, d)
	if err != nil {
		return m.fail(ctx, span, op, emergencyID, m.transitionError(ctx, op, emergencyID, action, d.DecidedAt, err))
	}

	m.audit.Append(ctx, &emergency.EmergencyAccessLog{
		EmergencyID: emergencyID,
		Action:      action,
		ActorID:     supervisor.ID,
		Timestamp:   d.DecidedAt,
		RiskScore:   updated.RiskScore,
		Details: map[string]interface{}{
			"reason":       decision.Reason,
			"extend_hours": decision.ExtendHours,
			"expiry_time":  updated.ExpiryTime,
		},
	})

	kind, title := emergency.NotificationApproved, "Emergency access approved"
	if !decision.Approved {
		kind, title = emergency.NotificationDenied, "Emergency access denied"
	}
	m.notify(ctx, []string{updated.RequesterID}, &emergency.Notification{
		Kind:        kind,
		EmergencyID: emergencyID,
		Title:       title,
		Message:     fmt.Sprintf("%s by %s: %s", title, supervisor.DisplayName, decision.Reason),
		Priority:    priorityFor(updated.UrgencyLevel),
		Data:        notificationData(updated),
	})

	m.metrics.RecordTransition(string(action), string(updated.Status), updated.RiskScore)
	m.logger.WithEmergency(ctx, emergencyID).WithFields(logrus.Fields{
		"supervisor_id": supervisor.ID,
		"status":        updated.Status,
		"extend_hours":  decision.ExtendHours,
	}).Info("Emergency access decided")

	return nil
}

// AccessEmergencyRecord records a record access under an approved, unexpired
// grant, re-scores risk, and returns the record content
func (m *Manager) AccessEmergencyRecord(ctx context.Context, emergencyID, recordID string, client emergency.ClientInfo) (*emergency.MedicalRecord, error) {
	const op = "access_emergency_record"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, emergencyID)
	defer span.End()

	var validationErrors emergency.ValidationErrors
	if strings.TrimSpace(emergencyID) == "" {
		validationErrors.Add("emergency_id", emergencyID, "Emergency ID is required")
	}
	if strings.TrimSpace(recordID) == "" {
		validationErrors.Add("record_id", recordID, "Record ID is required")
	}
	if validationErrors.HasErrors() {
		return nil, m.fail(ctx, span, op, emergencyID, emergency.NewValidationError(emergency.CodeInvalidRequest, validationErrors.Error(), validationErrors))
	}

	now := m.now().UTC()
	updated, err := m.store.RecordAccess(ctx, emergencyID, recordID, now)
	if err != nil {
		return nil, m.fail(ctx, span, op, emergencyID, m.transitionError(ctx, op, emergencyID, emergency.ActionAccessRecord, now, err))
	}

	origin := m.classifyOrigin(ctx, client.IPAddress)
	geoAnomaly, err := m.geo.IsAnomalous(ctx, updated)
	if err != nil {
		m.logger.WithEmergency(ctx, emergencyID).WithError(err).Warn("Geo risk signal unavailable")
	}
	behavior, err := m.behavior.Recent(ctx, updated.RequesterID)
	if err != nil {
		m.logger.WithEmergency(ctx, emergencyID).WithError(err).Warn("Behaviour risk signal unavailable")
	}

	score := m.risk.Score(RiskContext{
		Urgency:     updated.UrgencyLevel,
		AccessCount: updated.AccessCount,
		At:          now,
		GeoAnomaly:  geoAnomaly,
		Origin:      origin,
		Behavior:    behavior,
	})
	if err := m.store.UpdateRiskScore(ctx, emergencyID, score); err != nil {
		m.logger.WithEmergency(ctx, emergencyID).WithError(err).Error("Failed to persist recomputed risk score")
	}
	updated.RiskScore = score
	span.SetAttributes(attribute.Int("emergency.risk_score", score), attribute.Int("emergency.access_count", updated.AccessCount))

	record, fetchErr := m.records.Fetch(ctx, recordID, emergency.RecordAccessContext{
		EmergencyID: emergencyID,
		PatientID:   updated.PatientID,
		RequesterID: updated.RequesterID,
		ClientInfo:  client,
	})

	m.audit.Append(ctx, &emergency.EmergencyAccessLog{
		EmergencyID: emergencyID,
		Action:      emergency.ActionAccessRecord,
		ActorID:     updated.RequesterID,
		Timestamp:   now,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
		RiskScore:   score,
		Details: map[string]interface{}{
			"record_id":    recordID,
			"access_count": updated.AccessCount,
			"geo_anomaly":  geoAnomaly,
			"origin_risk":  origin,
			"fetched":      fetchErr == nil,
		},
	})
	m.logger.PHIAccess(ctx, updated.RequesterID, updated.PatientID, string(emergency.ActionAccessRecord), recordID, fetchErr == nil, map[string]interface{}{
		"emergency_id": emergencyID,
		"risk_score":   score,
	})

	m.notify(ctx, []string{updated.PatientID}, &emergency.Notification{
		Kind:        emergency.NotificationRecordAccessed,
		EmergencyID: emergencyID,
		Title:       "Your record was accessed under emergency access",
		Message:     fmt.Sprintf("%s accessed a record during a %s emergency", updated.RequesterName, updated.EmergencyType),
		Priority:    "normal",
		Data:        map[string]interface{}{"record_id": recordID, "access_count": updated.AccessCount},
	})

	if score > m.cfg.HighRiskThreshold {
		m.metrics.RecordHighRiskAlert()
		m.logger.Security(ctx, "high_risk_emergency_record_access", updated.RequesterID, map[string]interface{}{
			"emergency_id": emergencyID,
			"record_id":    recordID,
			"risk_score":   score,
			"access_count": updated.AccessCount,
		})
		m.notify(ctx, m.supervisorsFor(ctx, updated), &emergency.Notification{
			Kind:        emergency.NotificationHighRiskAlert,
			EmergencyID: emergencyID,
			Title:       "High-risk emergency access",
			Message:     fmt.Sprintf("Risk score %d for %s accessing records of %s", score, updated.RequesterName, updated.PatientName),
			Priority:    "critical",
			Data: map[string]interface{}{
				"risk_score":   score,
				"record_id":    recordID,
				"access_count": updated.AccessCount,
			},
		})
	}

	m.metrics.RecordTransition(string(emergency.ActionAccessRecord), string(updated.Status), score)

	if fetchErr != nil {
		if errors.Is(fetchErr, emergency.ErrRecordNotFound) {
			return nil, m.fail(ctx, span, op, emergencyID, emergency.NewValidationError(emergency.CodeInvalidRequest,
				fmt.Sprintf("record %s not found for patient", recordID), fetchErr))
		}
		return nil, m.fail(ctx, span, op, emergencyID, fmt.Errorf("%s %s: fetch record %s: %w", op, emergencyID, recordID, fetchErr))
	}
	return record, nil
}

// RevokeEmergencyAccess ends a pending or approved grant early
func (m *Manager) RevokeEmergencyAccess(ctx context.Context, emergencyID, revokedBy, reason string) error {
	const op = "revoke_emergency_access"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, emergencyID)
	defer span.End()

	var validationErrors emergency.ValidationErrors
	if strings.TrimSpace(emergencyID) == "" {
		validationErrors.Add("emergency_id", emergencyID, "Emergency ID is required")
	}
	if strings.TrimSpace(revokedBy) == "" {
		validationErrors.Add("revoked_by", revokedBy, "Revoking user is required")
	}
	if strings.TrimSpace(reason) == "" {
		validationErrors.Add("reason", reason, "Revocation reason is required")
	}
	if validationErrors.HasErrors() {
		return m.fail(ctx, span, op, emergencyID, emergency.NewValidationError(emergency.CodeInvalidRequest, validationErrors.Error(), validationErrors))
	}

	now := m.now().UTC()
	updated, err := m.store.Revoke(ctx, emergencyID, emergency.Revocation{
		RevokedBy: revokedBy,
		Reason:    reason,
		RevokedAt: now,
	})
	if err != nil {
		return m.fail(ctx, span, op, emergencyID, m.transitionError(ctx, op, emergencyID, emergency.ActionRevoke, now, err))
	}

	m.audit.Append(ctx, &emergency.EmergencyAccessLog{
		EmergencyID: emergencyID,
		Action:      emergency.ActionRevoke,
		ActorID:     revokedBy,
		Timestamp:   now,
		RiskScore:   updated.RiskScore,
		Details: map[string]interface{}{
			"reason":       reason,
			"access_count": updated.AccessCount,
		},
	})

	m.notify(ctx, []string{updated.RequesterID}, &emergency.Notification{
		Kind:        emergency.NotificationRevoked,
		EmergencyID: emergencyID,
		Title:       "Emergency access revoked",
		Message:     "Emergency access revoked: " + reason,
		Priority:    "high",
		Data:        notificationData(updated),
	})

	m.metrics.RecordTransition(string(emergency.ActionRevoke), string(updated.Status), updated.RiskScore)
	m.logger.WithEmergency(ctx, emergencyID).WithFields(logrus.Fields{
		"revoked_by": revokedBy,
		"reason":     reason,
	}).Info("Emergency access revoked")

	return nil
}

// VerifyEmergencyAccess checks a verification code. Grants issued without a
// code always verify. The first matching code stamps VerifiedAt; each attempt
// against a coded grant before that is audited.
func (m *Manager) VerifyEmergencyAccess(ctx context.Context, emergencyID, code string) (*emergency.VerificationResult, error) {
	const op = "verify_emergency_access"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, emergencyID)
	defer span.End()

	access, err := m.store.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, m.fail(ctx, span, op, emergencyID, m.readError(op, emergencyID, err))
	}

	if !access.RequiresVerification() {
		return &emergency.VerificationResult{Verified: true}, nil
	}

	now := m.now().UTC()
	if subtle.ConstantTimeCompare([]byte(access.VerificationCode), []byte(strings.TrimSpace(code))) != 1 {
		m.logger.Security(ctx, "emergency_access_verification_failed", access.RequesterID, map[string]interface{}{
			"emergency_id": emergencyID,
		})
		m.audit.Append(ctx, &emergency.EmergencyAccessLog{
			EmergencyID: emergencyID,
			Action:      emergency.ActionVerify,
			ActorID:     access.RequesterID,
			Timestamp:   now,
			RiskScore:   access.RiskScore,
			Details:     map[string]interface{}{"verified": false},
		})
		return &emergency.VerificationResult{Verified: false}, m.fail(ctx, span, op, emergencyID, emergency.NewVerificationError())
	}

	if access.VerifiedAt != nil {
		return &emergency.VerificationResult{Verified: true, VerifiedAt: access.VerifiedAt}, nil
	}

	verified, err := m.store.MarkVerified(ctx, emergencyID, now)
	if err != nil {
		if !errors.Is(err, emergency.ErrConditionFailed) {
			return nil, m.fail(ctx, span, op, emergencyID, m.readError(op, emergencyID, err))
		}
		// a concurrent verification with the same code got there first
		current, getErr := m.store.GetByID(ctx, emergencyID)
		if getErr != nil {
			return nil, m.fail(ctx, span, op, emergencyID, m.readError(op, emergencyID, getErr))
		}
		return &emergency.VerificationResult{Verified: true, VerifiedAt: current.VerifiedAt}, nil
	}

	m.audit.Append(ctx, &emergency.EmergencyAccessLog{
		EmergencyID: emergencyID,
		Action:      emergency.ActionVerify,
		ActorID:     verified.RequesterID,
		Timestamp:   now,
		RiskScore:   verified.RiskScore,
		Details:     map[string]interface{}{"verified": true},
	})
	m.logger.WithEmergency(ctx, emergencyID).Info("Emergency access verification code accepted")
	return &emergency.VerificationResult{Verified: true, VerifiedAt: verified.VerifiedAt}, nil
}

// ProcessExpiredEmergencyAccess expires every overdue pending or approved
// grant in batches and returns how many were expired
func (m *Manager) ProcessExpiredEmergencyAccess(ctx context.Context) (int, error) {
	const op = "process_expired_emergency_access"
	ctx, span := m.tracing.StartEmergencySpan(ctx, op, "")
	defer span.End()

	now := m.now().UTC()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, m.fail(ctx, span, op, "", err)
		}

		// rows returned alongside an error are already expired and still get
		// their audit entry and notification
		expired, err := m.store.ExpireOverdue(ctx, now, m.cfg.SweepBatchSize)
		m.recordExpired(ctx, now, expired)
		total += len(expired)

		if err != nil {
			m.logger.WithContext(ctx).WithFields(logrus.Fields{
				"expired_so_far": total,
				"error":          err.Error(),
			}).Error("Expiry sweep batch failed")
			return total, m.fail(ctx, span, op, "", fmt.Errorf("%s: %w", op, err))
		}

		if len(expired) < m.cfg.SweepBatchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("emergency.expired_count", total))
	if total > 0 {
		m.logger.WithContext(ctx).WithField("expired_count", total).Info("Expired overdue emergency access grants")
	}
	return total, nil
}

func (m *Manager) recordExpired(ctx context.Context, now time.Time, expired []*emergency.EmergencyAccess) {
	for _, access := range expired {
		m.audit.Append(ctx, &emergency.EmergencyAccessLog{
			EmergencyID: access.EmergencyID,
			Action:      emergency.ActionExpire,
			ActorID:     emergency.SystemActorID,
			Timestamp:   now,
			RiskScore:   access.RiskScore,
			Details: map[string]interface{}{
				"expiry_time":  access.ExpiryTime,
				"access_count": access.AccessCount,
			},
		})
		m.notify(ctx, []string{access.RequesterID}, &emergency.Notification{
			Kind:        emergency.NotificationExpired,
			EmergencyID: access.EmergencyID,
			Title:       "Emergency access expired",
			Message:     fmt.Sprintf("Emergency access to %s expired at %s", access.PatientName, access.ExpiryTime.Format(time.RFC3339)),
			Priority:    "normal",
			Data:        notificationData(access),
		})
		m.metrics.RecordTransition(string(emergency.ActionExpire), string(access.Status), access.RiskScore)
	}
}

// GetEmergencyAccess returns one grant
func (m *Manager) GetEmergencyAccess(ctx context.Context, emergencyID string) (*emergency.EmergencyAccess, error) {
	const op = "get_emergency_access"
	access, err := m.store.GetByID(ctx, emergencyID)
	if err != nil {
		return nil, m.readError(op, emergencyID, err)
	}
	return access, nil
}

// GetEmergencyAccessLogs returns the audit trail of one grant
func (m *Manager) GetEmergencyAccessLogs(ctx context.Context, emergencyID string) ([]*emergency.EmergencyAccessLog, error) {
	const op = "get_emergency_access_logs"
	if _, err := m.store.GetByID(ctx, emergencyID); err != nil {
		return nil, m.readError(op, emergencyID, err)
	}
	logs, err := m.audit.Trail(ctx, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, emergencyID, err)
	}
	return logs, nil
}

// GetEmergencyAccessHistory returns grants where userID is the requester or the patient
func (m *Manager) GetEmergencyAccessHistory(ctx context.Context, userID string, filters emergency.HistoryFilters) (*emergency.HistoryResult, error) {
	const op = "get_emergency_access_history"

	var validationErrors emergency.ValidationErrors
	if strings.TrimSpace(userID) == "" {
		validationErrors.Add("user_id", userID, "User ID is required")
	}
	if filters.Status != "" && !filters.Status.IsValid() {
		validationErrors.Add("status", string(filters.Status), "Unknown status")
	}
	if filters.EmergencyType != "" && !filters.EmergencyType.IsValid() {
		validationErrors.Add("emergency_type", string(filters.EmergencyType), "Unknown emergency type")
	}
	if filters.UrgencyLevel != "" && !filters.UrgencyLevel.IsValid() {
		validationErrors.Add("urgency_level", string(filters.UrgencyLevel), "Unknown urgency level")
	}
	if !filters.StartDate.IsZero() && !filters.EndDate.IsZero() && filters.EndDate.Before(filters.StartDate) {
		validationErrors.Add("end_date", filters.EndDate.Format(time.RFC3339), "End date must not precede start date")
	}
	if filters.Limit < 0 || filters.Offset < 0 {
		validationErrors.Add("pagination", fmt.Sprintf("limit=%d offset=%d", filters.Limit, filters.Offset), "Limit and offset must not be negative")
	}
	if validationErrors.HasErrors() {
		return nil, emergency.NewValidationError(emergency.CodeInvalidRequest, validationErrors.Error(), validationErrors).WithOp(op, "")
	}

	if filters.Limit == 0 {
		filters.Limit = defaultHistoryLimit
	}
	if filters.Limit > maxHistoryLimit {
		filters.Limit = maxHistoryLimit
	}

	result, err := m.store.ListByUser(ctx, userID, filters)
	if err != nil {
		return nil, fmt.Errorf("%s for user %s: %w", op, userID, err)
	}
	return result, nil
}

// GetEmergencyAccessStatistics aggregates grants created within the timeframe
func (m *Manager) GetEmergencyAccessStatistics(ctx context.Context, timeframe emergency.Timeframe) (*emergency.Statistics, error) {
	const op = "get_emergency_access_statistics"

	if timeframe == "" {
		timeframe = emergency.TimeframeWeek
	}
	since, err := timeframe.Since(m.now().UTC())
	if err != nil {
		return nil, emergency.NewValidationError(emergency.CodeInvalidRequest, err.Error(), err).WithOp(op, "")
	}

	stats, err := m.store.Statistics(ctx, since, m.cfg.HighRiskThreshold)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", op, timeframe, err)
	}
	stats.Timeframe = timeframe
	stats.Since = since
	return stats, nil
}

// transitionError turns a failed conditional write into a typed error by
// re-reading the row. Other store errors are wrapped.
func (m *Manager) transitionError(ctx context.Context, op, emergencyID string, action emergency.AuditAction, at time.Time, err error) error {
	if !errors.Is(err, emergency.ErrConditionFailed) {
		return m.readError(op, emergencyID, err)
	}

	current, getErr := m.store.GetByID(ctx, emergencyID)
	if getErr != nil {
		return m.readError(op, emergencyID, getErr)
	}

	if action == emergency.ActionAccessRecord {
		expiredApproved := current.Status == emergency.StatusApproved && !at.Before(current.ExpiryTime)
		if expiredApproved || current.Status == emergency.StatusExpired {
			return emergency.NewExpiryError(current.ExpiryTime.Format(time.RFC3339))
		}
	}
	return emergency.NewStateError(current.Status, action)
}

func (m *Manager) readError(op, emergencyID string, err error) error {
	var typed *emergency.Error
	if errors.As(err, &typed) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, emergencyID, err)
}

func (m *Manager) lookupError(err, notFound error, code, subject, id string) error {
	if errors.Is(err, notFound) {
		return emergency.NewValidationError(code, fmt.Sprintf("unknown %s %s", subject, id), err)
	}
	return fmt.Errorf("resolve %s %s: %w", subject, id, err)
}

// fail records err on the span and metrics, tagging typed errors with op
func (m *Manager) fail(ctx context.Context, span trace.Span, op, emergencyID string, err error) error {
	kind := "internal"
	var typed *emergency.Error
	if errors.As(err, &typed) {
		if typed.Op == "" {
			typed.WithOp(op, emergencyID)
		}
		kind = string(typed.Kind)
	}

	m.tracing.RecordError(span, err)
	m.metrics.RecordOperationError(op, kind)

	entry := m.logger.WithContext(ctx).WithFields(logrus.Fields{
		"operation":    op,
		"emergency_id": emergencyID,
		"error_kind":   kind,
		"error":        err.Error(),
	})
	if kind == "internal" {
		entry.Error("Emergency access operation failed")
	} else {
		entry.Warn("Emergency access operation rejected")
	}
	return err
}

func (m *Manager) classifyOrigin(ctx context.Context, ip string) emergency.OriginRisk {
	if ip == "" {
		return emergency.OriginNormal
	}
	origin, err := m.origin.Classify(ctx, ip)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Origin risk signal unavailable")
		return emergency.OriginNormal
	}
	return origin
}

func (m *Manager) supervisorsFor(ctx context.Context, access *emergency.EmergencyAccess) []string {
	ids, err := m.identities.ListSupervisors(ctx, access.Location.Facility, access.Location.Department)
	if err != nil {
		m.logger.WithEmergency(ctx, access.EmergencyID).WithError(err).Warn("Failed to list supervisors")
		return nil
	}
	return ids
}

// notify delivers best-effort within the notification timeout; failures are logged only
func (m *Manager) notify(ctx context.Context, recipients []string, payload *emergency.Notification) {
	recipients = uniqueRecipients(recipients)
	if len(recipients) == 0 {
		m.logger.WithEmergency(ctx, payload.EmergencyID).WithField("kind", payload.Kind).Debug("No recipients for notification")
		return
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = m.now().UTC()
	}

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.NotificationTimeout)
	defer cancel()

	err := m.notifier.Notify(notifyCtx, recipients, payload)
	m.metrics.RecordNotification(payload.Kind, err == nil)
	if err != nil {
		m.logger.WithEmergency(ctx, payload.EmergencyID).WithFields(logrus.Fields{
			"kind":       payload.Kind,
			"recipients": len(recipients),
			"error":      err.Error(),
		}).Warn("Failed to dispatch emergency access notification")
	}
}

func uniqueRecipients(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func notificationData(a *emergency.EmergencyAccess) map[string]interface{} {
	return map[string]interface{}{
		"patient_id":     a.PatientID,
		"requester_id":   a.RequesterID,
		"emergency_type": a.EmergencyType,
		"urgency_level":  a.UrgencyLevel,
		"status":         a.Status,
		"expiry_time":    a.ExpiryTime,
	}
}

func priorityFor(level emergency.UrgencyLevel) string {
	switch level {
	case emergency.UrgencyCritical:
		return "critical"
	case emergency.UrgencyHigh:
		return "high"
	default:
		return "normal"
	}
}

func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
