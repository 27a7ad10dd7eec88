package emergency

import (
	"fmt"
	"strings"
	"time"
)

// Location describes where the emergency is taking place
type Location struct {
	Facility   string `json:"facility"`
	Department string `json:"department"`
	Room       string `json:"room,omitempty"`
	Address    string `json:"address,omitempty"`
}

// VitalSigns is an optional snapshot of the patient's vitals at request time
type VitalSigns struct {
	HeartRate        int     `json:"heart_rate,omitempty"`
	BloodPressure    string  `json:"blood_pressure,omitempty"`
	RespiratoryRate  int     `json:"respiratory_rate,omitempty"`
	OxygenSaturation int     `json:"oxygen_saturation,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
}

// EmergencyAccessRequest is the input of a new emergency access request
type EmergencyAccessRequest struct {
	RequesterID      string        `json:"requester_id"`
	PatientID        string        `json:"patient_id"`
	EmergencyType    EmergencyType `json:"emergency_type"`
	Location         Location      `json:"location"`
	Justification    string        `json:"justification"`
	UrgencyLevel     UrgencyLevel  `json:"urgency_level"`
	PatientCondition string        `json:"patient_condition,omitempty"`
	VitalSigns       *VitalSigns   `json:"vital_signs,omitempty"`
	WitnessID        string        `json:"witness_id,omitempty"`
	ContactPhone     string        `json:"contact_phone,omitempty"`
}

// Validate checks the request for malformed or missing fields
func (r *EmergencyAccessRequest) Validate() error {
	var validationErrors ValidationErrors

	if strings.TrimSpace(r.RequesterID) == "" {
		validationErrors.Add("requester_id", r.RequesterID, "Requester ID is required")
	}
	if strings.TrimSpace(r.PatientID) == "" {
		validationErrors.Add("patient_id", r.PatientID, "Patient ID is required")
	}
	if r.RequesterID != "" && r.RequesterID == r.PatientID {
		validationErrors.Add("patient_id", r.PatientID, "Requester cannot request emergency access to their own record")
	}
	if !r.EmergencyType.IsValid() {
		validationErrors.Add("emergency_type", string(r.EmergencyType), "Unknown emergency type")
	}
	if !r.UrgencyLevel.IsValid() {
		validationErrors.Add("urgency_level", string(r.UrgencyLevel), "Unknown urgency level")
	}
	if strings.TrimSpace(r.Location.Facility) == "" {
		validationErrors.Add("location.facility", r.Location.Facility, "Facility is required")
	}
	if strings.TrimSpace(r.Location.Department) == "" {
		validationErrors.Add("location.department", r.Location.Department, "Department is required")
	}
	if strings.TrimSpace(r.Justification) == "" {
		validationErrors.Add("justification", r.Justification, "Justification is required")
	}
	if r.WitnessID != "" && (r.WitnessID == r.RequesterID || r.WitnessID == r.PatientID) {
		validationErrors.Add("witness_id", r.WitnessID, "Witness must be a third party")
	}

	if validationErrors.HasErrors() {
		return NewValidationError(CodeInvalidRequest, validationErrors.Error(), validationErrors)
	}
	return nil
}

// ClientInfo carries metadata about the caller's client
type ClientInfo struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EmergencyAccess is a single emergency access grant and its lifecycle state
type EmergencyAccess struct {
	EmergencyID   string `json:"emergency_id"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
	RequesterRole string `json:"requester_role"`
	PatientID     string `json:"patient_id"`
	PatientName   string `json:"patient_name"`

	EmergencyType    EmergencyType `json:"emergency_type"`
	Location         Location      `json:"location"`
	Justification    string        `json:"justification"`
	UrgencyLevel     UrgencyLevel  `json:"urgency_level"`
	PatientCondition string        `json:"patient_condition,omitempty"`
	VitalSigns       *VitalSigns   `json:"vital_signs,omitempty"`
	WitnessID        string        `json:"witness_id,omitempty"`
	ContactPhone     string        `json:"contact_phone,omitempty"`

	Status      AccessStatus `json:"status"`
	RequestTime time.Time    `json:"request_time"`
	ExpiryTime  time.Time    `json:"expiry_time"`

	ApprovalTime   *time.Time `json:"approval_time,omitempty"`
	SupervisorID   string     `json:"supervisor_id,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`

	RevokedBy        string     `json:"revoked_by,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`

	VerificationCode string     `json:"-"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`

	AccessedRecords []string   `json:"accessed_records"`
	AccessCount     int        `json:"access_count"`
	LastAccessTime  *time.Time `json:"last_access_time,omitempty"`

	RiskScore                  int    `json:"risk_score"`
	AutoApproved               bool   `json:"auto_approved"`
	MatchedRule                string `json:"matched_rule,omitempty"`
	RequiresSupervisorApproval bool   `json:"requires_supervisor_approval"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequiresVerification reports whether a verification code was issued
func (a *EmergencyAccess) RequiresVerification() bool {
	return a.VerificationCode != ""
}

// IsUsableAt reports whether records may be accessed under this grant at t
func (a *EmergencyAccess) IsUsableAt(t time.Time) bool {
	return a.Status == StatusApproved && t.Before(a.ExpiryTime)
}

// Clone returns a deep copy so callers cannot mutate stored state
func (a *EmergencyAccess) Clone() *EmergencyAccess {
	if a == nil {
		return nil
	}
	c := *a
	if a.VitalSigns != nil {
		vs := *a.VitalSigns
		c.VitalSigns = &vs
	}
	c.AccessedRecords = append([]string(nil), a.AccessedRecords...)
	c.ApprovalTime = cloneTime(a.ApprovalTime)
	c.RevokedAt = cloneTime(a.RevokedAt)
	c.LastAccessTime = cloneTime(a.LastAccessTime)
	c.VerifiedAt = cloneTime(a.VerifiedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EmergencyAccessLog is an immutable audit record of one lifecycle transition
type EmergencyAccessLog struct {
	LogID       string                 `json:"log_id"`
	EmergencyID string                 `json:"emergency_id"`
	Action      AuditAction            `json:"action"`
	ActorID     string                 `json:"actor_id"`
	Timestamp   time.Time              `json:"timestamp"`
	IPAddress   string                 `json:"ip_address,omitempty"`
	UserAgent   string                 `json:"user_agent,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	RiskScore   int                    `json:"risk_score"`
}

// ApprovalDecision is a supervisor's verdict on a pending request
type ApprovalDecision struct {
	Approved    bool   `json:"approved"`
	Reason      string `json:"reason,omitempty"`
	ExtendHours int    `json:"extend_hours,omitempty"`
}

// VerificationResult is the outcome of checking a verification code
type VerificationResult struct {
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// Identity is a resolved requester, supervisor, or witness
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Department  string `json:"department,omitempty"`
}

// Patient is a resolved patient entry from the registry
type Patient struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	DateOfBirth  time.Time `json:"date_of_birth"`
	RecordNumber string    `json:"record_number"`
}

// MedicalRecord is the record content returned after a successful access
type MedicalRecord struct {
	ID         string                 `json:"id"`
	PatientID  string                 `json:"patient_id"`
	RecordType string                 `json:"record_type"`
	Content    map[string]interface{} `json:"content"`
	CreatedAt  time.Time              `json:"created_at"`
}

// RecordAccessContext is passed to the record store alongside a record fetch
type RecordAccessContext struct {
	EmergencyID string
	PatientID   string
	RequesterID string
	ClientInfo  ClientInfo
}

// Notification is the payload handed to the notification dispatcher
type Notification struct {
	Kind        string                 `json:"kind"`
	EmergencyID string                 `json:"emergency_id"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Priority    string                 `json:"priority"`
	Data        map[string]interface{} `json:"data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// HistoryFilters narrows a history query
type HistoryFilters struct {
	Status        AccessStatus  `json:"status,omitempty"`
	EmergencyType EmergencyType `json:"emergency_type,omitempty"`
	UrgencyLevel  UrgencyLevel  `json:"urgency_level,omitempty"`
	StartDate     time.Time     `json:"start_date,omitempty"`
	EndDate       time.Time     `json:"end_date,omitempty"`
	Limit         int           `json:"limit,omitempty"`
	Offset        int           `json:"offset,omitempty"`
}

// HistoryResult is one page of history plus the unpaged total
type HistoryResult struct {
	Total   int                `json:"total"`
	Records []*EmergencyAccess `json:"records"`
}

// Statistics aggregates emergency access activity over a timeframe
type Statistics struct {
	Timeframe            Timeframe             `json:"timeframe"`
	Since                time.Time             `json:"since"`
	TotalRequests        int                   `json:"total_requests"`
	AutoApproved         int                   `json:"auto_approved"`
	ByStatus             map[AccessStatus]int  `json:"by_status"`
	ByEmergencyType      map[EmergencyType]int `json:"by_emergency_type"`
	ByUrgency            map[UrgencyLevel]int  `json:"by_urgency"`
	AverageRiskScore     float64               `json:"average_risk_score"`
	HighRiskCount        int                   `json:"high_risk_count"`
	TotalRecordsAccessed int                   `json:"total_records_accessed"`
	UniqueRequesters     int                   `json:"unique_requesters"`
}

// NewStatistics returns a Statistics value with its maps allocated
func NewStatistics(tf Timeframe, since time.Time) *Statistics {
	return &Statistics{
		Timeframe:       tf,
		Since:           since,
		ByStatus:        make(map[AccessStatus]int),
		ByEmergencyType: make(map[EmergencyType]int),
		ByUrgency:       make(map[UrgencyLevel]int),
	}
}

// Since returns the start of the reporting window ending at now
func (tf Timeframe) Since(now time.Time) (time.Time, error) {
	switch tf {
	case TimeframeDay:
		return now.Add(-24 * time.Hour), nil
	case TimeframeWeek, "":
		return now.AddDate(0, 0, -7), nil
	case TimeframeMonth:
		return now.AddDate(0, -1, 0), nil
	case TimeframeYear:
		return now.AddDate(-1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown timeframe %q", tf)
	}
}
