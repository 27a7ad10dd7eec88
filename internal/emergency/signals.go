package emergency

import (
	"context"
	"time"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// GeoSignal reports whether a facility is unusual for a requester
type GeoSignal interface {
	IsAnomalous(ctx context.Context, access *emergency.EmergencyAccess) (bool, error)
}

// OriginSignal classifies the network origin of a client
type OriginSignal interface {
	Classify(ctx context.Context, ipAddress string) (emergency.OriginRisk, error)
}

// BehaviorSignal summarises an actor's recent activity
type BehaviorSignal interface {
	Recent(ctx context.Context, actorID string) (emergency.ActorActivity, error)
}

// FacilityHistorySignal flags a facility the requester has not used in prior grants.
// Requesters with no history are never flagged.
type FacilityHistorySignal struct {
	store emergency.Store
}

// NewFacilityHistorySignal creates a geo signal backed by the grant store
func NewFacilityHistorySignal(store emergency.Store) *FacilityHistorySignal {
	return &FacilityHistorySignal{store: store}
}

// IsAnomalous implements GeoSignal
func (s *FacilityHistorySignal) IsAnomalous(ctx context.Context, access *emergency.EmergencyAccess) (bool, error) {
	facilities, err := s.store.RequesterFacilities(ctx, access.RequesterID, access.EmergencyID)
	if err != nil {
		return false, err
	}
	if len(facilities) == 0 {
		return false, nil
	}
	_, seen := facilities[access.Location.Facility]
	return !seen, nil
}

// AuditBehaviorSignal reads recent actor activity from the audit store
type AuditBehaviorSignal struct {
	audit  emergency.AuditStore
	window time.Duration
	now    func() time.Time
}

// NewAuditBehaviorSignal creates a behaviour signal over the given look-back window
func NewAuditBehaviorSignal(audit emergency.AuditStore, window time.Duration) *AuditBehaviorSignal {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &AuditBehaviorSignal{audit: audit, window: window, now: time.Now}
}

// Recent implements BehaviorSignal
func (s *AuditBehaviorSignal) Recent(ctx context.Context, actorID string) (emergency.ActorActivity, error) {
	activity, err := s.audit.ActorActivity(ctx, actorID, s.now().Add(-s.window))
	if err != nil {
		return emergency.ActorActivity{}, err
	}
	if activity == nil {
		return emergency.ActorActivity{}, nil
	}
	return *activity, nil
}

type noOriginSignal struct{}

func (noOriginSignal) Classify(context.Context, string) (emergency.OriginRisk, error) {
	return emergency.OriginNormal, nil
}
