package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medrex/emergency-access/pkg/emergency"
)

type activeKey struct {
	patientID   string
	requesterID string
}

// MemoryStore is an in-process emergency.Store. One mutex guards every
// check-and-write so the conditional semantics match the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*emergency.EmergencyAccess
	active map[activeKey]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[string]*emergency.EmergencyAccess),
		active: make(map[activeKey]string),
	}
}

// CreateIfNoActive implements emergency.Store
func (s *MemoryStore) CreateIfNoActive(ctx context.Context, access *emergency.EmergencyAccess) (*emergency.EmergencyAccess, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey{patientID: access.PatientID, requesterID: access.RequesterID}
	if id, ok := s.active[key]; ok {
		return s.grants[id].Clone(), false, nil
	}

	stored := access.Clone()
	s.grants[stored.EmergencyID] = stored
	if stored.Status.IsActive() {
		s.active[key] = stored.EmergencyID
	}
	return stored.Clone(), true, nil
}

// GetByID implements emergency.Store
func (s *MemoryStore) GetByID(ctx context.Context, emergencyID string) (*emergency.EmergencyAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	access, ok := s.grants[emergencyID]
	if !ok {
		return nil, emergency.NewNotFoundError(emergencyID)
	}
	return access.Clone(), nil
}

// GetActive implements emergency.Store; it returns nil when no grant is active
func (s *MemoryStore) GetActive(ctx context.Context, patientID, requesterID string) (*emergency.EmergencyAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[activeKey{patientID: patientID, requesterID: requesterID}]
	if !ok {
		return nil, nil
	}
	return s.grants[id].Clone(), nil
}

// ApplyDecision implements emergency.Store
func (s *MemoryStore) ApplyDecision(ctx context.Context, emergencyID string, d emergency.Decision) (*emergency.EmergencyAccess, error) {
	return s.mutate(emergencyID, func(a *emergency.EmergencyAccess) bool {
		if a.Status != emergency.StatusPending {
			return false
		}
		decidedAt := d.DecidedAt
		a.Status = d.Status
		a.ApprovalTime = &decidedAt
		a.SupervisorID = d.SupervisorID
		a.DecisionReason = d.Reason
		if d.Status == emergency.StatusApproved && d.ExtendBy > 0 {
			a.ExpiryTime = a.ExpiryTime.Add(d.ExtendBy)
		}
		a.UpdatedAt = d.DecidedAt
		return true
	})
}

// RecordAccess implements emergency.Store
func (s *MemoryStore) RecordAccess(ctx context.Context, emergencyID, recordID string, at time.Time) (*emergency.EmergencyAccess, error) {
	return s.mutate(emergencyID, func(a *emergency.EmergencyAccess) bool {
		if !a.IsUsableAt(at) {
			return false
		}
		accessedAt := at
		a.AccessedRecords = append(a.AccessedRecords, recordID)
		a.AccessCount++
		a.LastAccessTime = &accessedAt
		a.UpdatedAt = at
		return true
	})
}

// UpdateRiskScore implements emergency.Store
func (s *MemoryStore) UpdateRiskScore(ctx context.Context, emergencyID string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok := s.grants[emergencyID]
	if !ok {
		return emergency.NewNotFoundError(emergencyID)
	}
	access.RiskScore = score
	return nil
}

// Revoke implements emergency.Store
func (s *MemoryStore) Revoke(ctx context.Context, emergencyID string, r emergency.Revocation) (*emergency.EmergencyAccess, error) {
	return s.mutate(emergencyID, func(a *emergency.EmergencyAccess) bool {
		if !a.Status.IsActive() {
			return false
		}
		revokedAt := r.RevokedAt
		a.Status = emergency.StatusRevoked
		a.RevokedBy = r.RevokedBy
		a.RevocationReason = r.Reason
		a.RevokedAt = &revokedAt
		a.UpdatedAt = r.RevokedAt
		return true
	})
}

// MarkVerified implements emergency.Store
func (s *MemoryStore) MarkVerified(ctx context.Context, emergencyID string, at time.Time) (*emergency.EmergencyAccess, error) {
	return s.mutate(emergencyID, func(a *emergency.EmergencyAccess) bool {
		if a.VerificationCode == "" || a.VerifiedAt != nil {
			return false
		}
		verifiedAt := at
		a.VerifiedAt = &verifiedAt
		a.UpdatedAt = at
		return true
	})
}

// ExpireOverdue implements emergency.Store
func (s *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*emergency.EmergencyAccess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	overdue := make([]*emergency.EmergencyAccess, 0)
	for _, a := range s.grants {
		if a.Status.IsActive() && !now.Before(a.ExpiryTime) {
			overdue = append(overdue, a)
		}
	}
	sort.Slice(overdue, func(i, j int) bool {
		return overdue[i].ExpiryTime.Before(overdue[j].ExpiryTime)
	})
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}

	expired := make([]*emergency.EmergencyAccess, 0, len(overdue))
	for _, a := range overdue {
		a.Status = emergency.StatusExpired
		a.UpdatedAt = now
		delete(s.active, activeKey{patientID: a.PatientID, requesterID: a.RequesterID})
		expired = append(expired, a.Clone())
	}
	return expired, nil
}

// RequesterFacilities implements emergency.Store
func (s *MemoryStore) RequesterFacilities(ctx context.Context, requesterID, excludeID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facilities := make(map[string]int)
	for id, a := range s.grants {
		if a.RequesterID != requesterID || id == excludeID {
			continue
		}
		facilities[a.Location.Facility]++
	}
	return facilities, nil
}

// ListByUser implements emergency.Store
func (s *MemoryStore) ListByUser(ctx context.Context, userID string, filters emergency.HistoryFilters) (*emergency.HistoryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*emergency.EmergencyAccess, 0)
	for _, a := range s.grants {
		if a.RequesterID != userID && a.PatientID != userID {
			continue
		}
		if !matchesFilters(a, filters) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RequestTime.Equal(matched[j].RequestTime) {
			return matched[i].EmergencyID < matched[j].EmergencyID
		}
		return matched[i].RequestTime.After(matched[j].RequestTime)
	})

	result := &emergency.HistoryResult{Total: len(matched), Records: []*emergency.EmergencyAccess{}}
	if filters.Offset >= len(matched) {
		return result, nil
	}
	page := matched[filters.Offset:]
	if filters.Limit > 0 && len(page) > filters.Limit {
		page = page[:filters.Limit]
	}
	for _, a := range page {
		result.Records = append(result.Records, a.Clone())
	}
	return result, nil
}

func matchesFilters(a *emergency.EmergencyAccess, f emergency.HistoryFilters) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.EmergencyType != "" && a.EmergencyType != f.EmergencyType {
		return false
	}
	if f.UrgencyLevel != "" && a.UrgencyLevel != f.UrgencyLevel {
		return false
	}
	if !f.StartDate.IsZero() && a.RequestTime.Before(f.StartDate) {
		return false
	}
	if !f.EndDate.IsZero() && a.RequestTime.After(f.EndDate) {
		return false
	}
	return true
}

// Statistics implements emergency.Store
func (s *MemoryStore) Statistics(ctx context.Context, since time.Time, highRiskThreshold int) (*emergency.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := emergency.NewStatistics("", since)
	requesters := make(map[string]struct{})
	riskTotal := 0
	for _, a := range s.grants {
		if a.RequestTime.Before(since) {
			continue
		}
		stats.TotalRequests++
		stats.ByStatus[a.Status]++
		stats.ByEmergencyType[a.EmergencyType]++
		stats.ByUrgency[a.UrgencyLevel]++
		if a.AutoApproved {
			stats.AutoApproved++
		}
		if a.RiskScore > highRiskThreshold {
			stats.HighRiskCount++
		}
		riskTotal += a.RiskScore
		stats.TotalRecordsAccessed += a.AccessCount
		requesters[a.RequesterID] = struct{}{}
	}
	stats.UniqueRequesters = len(requesters)
	if stats.TotalRequests > 0 {
		stats.AverageRiskScore = float64(riskTotal) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// mutate applies fn under the write lock; fn reports whether its precondition held
func (s *MemoryStore) mutate(emergencyID string, fn func(a *emergency.EmergencyAccess) bool) (*emergency.EmergencyAccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok := s.grants[emergencyID]
	if !ok {
		return nil, emergency.ErrConditionFailed
	}

	working := access.Clone()
	if !fn(working) {
		return nil, emergency.ErrConditionFailed
	}

	s.grants[emergencyID] = working
	if !working.Status.IsActive() {
		key := activeKey{patientID: working.PatientID, requesterID: working.RequesterID}
		if s.active[key] == emergencyID {
			delete(s.active, key)
		}
	}
	return working.Clone(), nil
}

// MemoryAuditStore is an in-process, append-only emergency.AuditStore
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*emergency.EmergencyAccessLog
}

// NewMemoryAuditStore creates an empty audit store
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append implements emergency.AuditStore
func (s *MemoryAuditStore) Append(ctx context.Context, entry *emergency.EmergencyAccessLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied := *entry
	copied.Details = copyDetails(entry.Details)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &copied)
	return nil
}

// ListByEmergency implements emergency.AuditStore
func (s *MemoryAuditStore) ListByEmergency(ctx context.Context, emergencyID string) ([]*emergency.EmergencyAccessLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*emergency.EmergencyAccessLog, 0)
	for _, e := range s.entries {
		if e.EmergencyID == emergencyID {
			copied := *e
			copied.Details = copyDetails(e.Details)
			out = append(out, &copied)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ActorActivity implements emergency.AuditStore
func (s *MemoryAuditStore) ActorActivity(ctx context.Context, actorID string, since time.Time) (*emergency.ActorActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activity := &emergency.ActorActivity{}
	total := 0
	for _, e := range s.entries {
		if e.ActorID != actorID || e.Timestamp.Before(since) {
			continue
		}
		activity.EventCount++
		total += e.RiskScore
	}
	if activity.EventCount > 0 {
		activity.AverageRiskScore = float64(total) / float64(activity.EventCount)
	}
	return activity, nil
}

// Len returns the number of stored entries
func (s *MemoryAuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
