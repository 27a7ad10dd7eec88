package emergency

// EmergencyType classifies the clinical event behind a request
type EmergencyType string

const (
	TypeCardiacArrest      EmergencyType = "cardiac_arrest"
	TypeTrauma             EmergencyType = "trauma"
	TypeStroke             EmergencyType = "stroke"
	TypeRespiratoryFailure EmergencyType = "respiratory_failure"
	TypeOther              EmergencyType = "other"
)

// AllEmergencyTypes lists every emergency type in declaration order
var AllEmergencyTypes = []EmergencyType{
	TypeCardiacArrest,
	TypeTrauma,
	TypeStroke,
	TypeRespiratoryFailure,
	TypeOther,
}

// IsValid reports whether t is a known emergency type
func (t EmergencyType) IsValid() bool {
	for _, known := range AllEmergencyTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UrgencyLevel is the four-point severity classification of a request
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// AllUrgencyLevels lists every urgency level from lowest to highest
var AllUrgencyLevels = []UrgencyLevel{
	UrgencyLow,
	UrgencyMedium,
	UrgencyHigh,
	UrgencyCritical,
}

// IsValid reports whether u is a known urgency level
func (u UrgencyLevel) IsValid() bool {
	for _, known := range AllUrgencyLevels {
		if u == known {
			return true
		}
	}
	return false
}

// AccessStatus is the lifecycle state of an emergency access grant
type AccessStatus string

const (
	StatusPending  AccessStatus = "pending"
	StatusApproved AccessStatus = "approved"
	StatusDenied   AccessStatus = "denied"
	StatusExpired  AccessStatus = "expired"
	StatusRevoked  AccessStatus = "revoked"
)

// AllStatuses lists every lifecycle state
var AllStatuses = []AccessStatus{
	StatusPending,
	StatusApproved,
	StatusDenied,
	StatusExpired,
	StatusRevoked,
}

// IsValid reports whether s is a known status
func (s AccessStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s
func (s AccessStatus) IsTerminal() bool {
	return s == StatusDenied || s == StatusExpired || s == StatusRevoked
}

// IsActive reports whether s still counts toward the one-active-grant rule
func (s AccessStatus) IsActive() bool {
	return s == StatusPending || s == StatusApproved
}

// AuditAction names the lifecycle transition recorded by an audit entry
type AuditAction string

const (
	ActionRequest      AuditAction = "request"
	ActionApprove      AuditAction = "approve"
	ActionDeny         AuditAction = "deny"
	ActionAccessRecord AuditAction = "access_record"
	ActionRevoke       AuditAction = "revoke"
	ActionExpire       AuditAction = "expire"
	ActionVerify       AuditAction = "verify"
)

// OriginRisk classifies the network origin of a client
type OriginRisk string

const (
	OriginNormal     OriginRisk = "normal"
	OriginVPN        OriginRisk = "vpn"
	OriginSuspicious OriginRisk = "suspicious"
)

// Timeframe selects the reporting window for statistics
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
	TimeframeYear  Timeframe = "year"
)

// Notification kinds sent to the dispatcher
const (
	NotificationApprovalRequired = "emergency_access_approval_required"
	NotificationAutoApproved     = "emergency_access_auto_approved"
	NotificationApproved         = "emergency_access_approved"
	NotificationDenied           = "emergency_access_denied"
	NotificationRecordAccessed   = "emergency_record_accessed"
	NotificationHighRiskAlert    = "emergency_access_high_risk"
	NotificationRevoked          = "emergency_access_revoked"
	NotificationExpired          = "emergency_access_expired"
)

// SystemActorID is the actor recorded for transitions made by background tasks
const SystemActorID = "system"
