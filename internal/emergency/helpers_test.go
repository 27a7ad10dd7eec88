package emergency

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emergency-access/internal/storage"
	"github.com/medrex/emergency-access/pkg/emergency"
	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

// 10:00 UTC on a Tuesday, inside business hours
var testNow = time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

type MockIdentityLookup struct {
	mock.Mock
}

func (m *MockIdentityLookup) Resolve(ctx context.Context, userID string) (*emergency.Identity, error) {
	args := m.Called(ctx, userID)
	identity, _ := args.Get(0).(*emergency.Identity)
	return identity, args.Error(1)
}

func (m *MockIdentityLookup) ListSupervisors(ctx context.Context, facility, department string) ([]string, error) {
	args := m.Called(ctx, facility, department)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

type MockPatientRegistry struct {
	mock.Mock
}

func (m *MockPatientRegistry) Resolve(ctx context.Context, patientID string) (*emergency.Patient, error) {
	args := m.Called(ctx, patientID)
	patient, _ := args.Get(0).(*emergency.Patient)
	return patient, args.Error(1)
}

type MockMedicalRecordStore struct {
	mock.Mock
}

func (m *MockMedicalRecordStore) Fetch(ctx context.Context, recordID string, access emergency.RecordAccessContext) (*emergency.MedicalRecord, error) {
	args := m.Called(ctx, recordID, access)
	record, _ := args.Get(0).(*emergency.MedicalRecord)
	return record, args.Error(1)
}

type sentNotification struct {
	recipients []string
	payload    *emergency.Notification
}

// recordingNotifier keeps every notification it is asked to send
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, recipientIDs []string, payload *emergency.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{recipients: recipientIDs, payload: payload})
	return n.err
}

func (n *recordingNotifier) byKind(kind string) []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotification
	for _, s := range n.sent {
		if s.payload.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingAuditStore rejects every write
type failingAuditStore struct {
	*storage.MemoryAuditStore
}

func (failingAuditStore) Append(context.Context, *emergency.EmergencyAccessLog) error {
	return errors.New("audit sink unavailable")
}

type testFixture struct {
	manager    *Manager
	store      *storage.MemoryStore
	audit      *storage.MemoryAuditStore
	identities *MockIdentityLookup
	patients   *MockPatientRegistry
	records    *MockMedicalRecordStore
	notifier   *recordingNotifier
	clock      *fakeClock
	metrics    *monitoring.MetricsCollector
}

type fixtureOption func(cfg *Config, deps *Dependencies)

func newTestFixture(t *testing.T, opts ...fixtureOption) *testFixture {
	t.Helper()

	f := &testFixture{
		store:      storage.NewMemoryStore(),
		audit:      storage.NewMemoryAuditStore(),
		identities: &MockIdentityLookup{},
		patients:   &MockPatientRegistry{},
		records:    &MockMedicalRecordStore{},
		notifier:   &recordingNotifier{},
		clock:      &fakeClock{now: testNow},
		metrics:    monitoring.NewMetricsCollector("test", nil),
	}

	staff := []*emergency.Identity{
		{ID: "dr-er", DisplayName: "Dr. Reyes", Role: "emergency_doctor", Department: "emergency_department"},
		{ID: "nurse-icu", DisplayName: "Nurse Okafor", Role: "icu_nurse", Department: "icu"},
		{ID: "clerk-1", DisplayName: "Front Desk", Role: "clerk"},
		{ID: "sup-1", DisplayName: "Supervisor One", Role: "supervisor"},
		{ID: "sup-2", DisplayName: "Supervisor Two", Role: "department_head"},
	}
	for _, s := range staff {
		f.identities.On("Resolve", mock.Anything, s.ID).Return(s, nil).Maybe()
	}
	f.identities.On("Resolve", mock.Anything, "ghost").Return(nil, emergency.ErrIdentityNotFound).Maybe()
	f.identities.On("ListSupervisors", mock.Anything, mock.Anything, mock.Anything).Return([]string{"sup-1", "sup-2"}, nil).Maybe()

	for _, id := range []string{"patient-1", "patient-2"} {
		f.patients.On("Resolve", mock.Anything, id).Return(&emergency.Patient{
			ID:           id,
			DisplayName:  "Patient " + id,
			DateOfBirth:  time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			RecordNumber: "MRN-" + id,
		}, nil).Maybe()
	}
	f.patients.On("Resolve", mock.Anything, "ghost-patient").Return(nil, emergency.ErrPatientNotFound).Maybe()

	f.records.On("Fetch", mock.Anything, "rec-missing", mock.Anything).Return(nil, emergency.ErrRecordNotFound).Maybe()
	f.records.On("Fetch", mock.Anything, mock.Anything, mock.Anything).Return(&emergency.MedicalRecord{
		ID:         "rec-1",
		PatientID:  "patient-1",
		RecordType: "lab_result",
		Content:    map[string]interface{}{"hemoglobin": 13.5},
	}, nil).Maybe()

	behavior := NewAuditBehaviorSignal(f.audit, 24*time.Hour)
	behavior.now = f.clock.Now

	cfg := DefaultConfig()
	cfg.Location = time.UTC
	deps := Dependencies{
		Store:      f.store,
		AuditStore: f.audit,
		Identities: f.identities,
		Patients:   f.patients,
		Records:    f.records,
		Notifier:   f.notifier,
		Behavior:   behavior,
		Logger:     logger.NewWithOutput("debug", io.Discard),
		Metrics:    f.metrics,
		Clock:      f.clock.Now,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	manager, err := NewManager(cfg, deps)
	require.NoError(t, err)
	f.manager = manager
	return f
}

func criticalCardiacRequest() *emergency.EmergencyAccessRequest {
	return &emergency.EmergencyAccessRequest{
		RequesterID:   "dr-er",
		PatientID:     "patient-1",
		EmergencyType: emergency.TypeCardiacArrest,
		Location: emergency.Location{
			Facility:   "General Hospital",
			Department: "emergency_department",
			Room:       "ER-3",
		},
		Justification:    "Patient in cardiac arrest, need medication history",
		UrgencyLevel:     emergency.UrgencyCritical,
		PatientCondition: "unresponsive",
		VitalSigns:       &emergency.VitalSigns{HeartRate: 0, BloodPressure: "0/0"},
	}
}

func lowOtherRequest() *emergency.EmergencyAccessRequest {
	return &emergency.EmergencyAccessRequest{
		RequesterID:   "clerk-1",
		PatientID:     "patient-1",
		EmergencyType: emergency.TypeOther,
		Location: emergency.Location{
			Facility:   "General Hospital",
			Department: "admissions",
		},
		Justification: "Patient confused, need contact details",
		UrgencyLevel:  emergency.UrgencyLow,
	}
}

func (f *testFixture) requestPending(t *testing.T) *emergency.EmergencyAccess {
	t.Helper()
	access, err := f.manager.RequestEmergencyAccess(context.Background(), lowOtherRequest(), emergency.ClientInfo{IPAddress: "10.0.0.5"})
	require.NoError(t, err)
	require.Equal(t, emergency.StatusPending, access.Status)
	return access
}

func (f *testFixture) requestApproved(t *testing.T) *emergency.EmergencyAccess {
	t.Helper()
	access := f.requestPending(t)
	require.NoError(t, f.manager.ApproveEmergencyAccess(context.Background(), access.EmergencyID, "sup-1", emergency.ApprovalDecision{Approved: true, Reason: "confirmed by phone"}))
	return access
}

func (f *testFixture) actions(t *testing.T, emergencyID string) []emergency.AuditAction {
	t.Helper()
	logs, err := f.audit.ListByEmergency(context.Background(), emergencyID)
	require.NoError(t, err)
	out := make([]emergency.AuditAction, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}
