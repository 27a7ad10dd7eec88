package emergency

import (
	"time"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// DurationPolicy computes the access window for a request
type DurationPolicy struct {
	byUrgency map[emergency.UrgencyLevel]int
	byType    map[emergency.EmergencyType]int
}

// DefaultUrgencyDurations are the base access hours per urgency level
func DefaultUrgencyDurations() map[emergency.UrgencyLevel]int {
	return map[emergency.UrgencyLevel]int{
		emergency.UrgencyLow:      2,
		emergency.UrgencyMedium:   4,
		emergency.UrgencyHigh:     8,
		emergency.UrgencyCritical: 12,
	}
}

// DefaultTypeDurations are the access hours per emergency type
func DefaultTypeDurations() map[emergency.EmergencyType]int {
	return map[emergency.EmergencyType]int{
		emergency.TypeCardiacArrest:      6,
		emergency.TypeTrauma:             8,
		emergency.TypeStroke:             4,
		emergency.TypeRespiratoryFailure: 6,
		emergency.TypeOther:              2,
	}
}

// NewDurationPolicy builds a policy; missing entries fall back to the defaults
func NewDurationPolicy(byUrgency map[emergency.UrgencyLevel]int, byType map[emergency.EmergencyType]int) *DurationPolicy {
	p := &DurationPolicy{
		byUrgency: DefaultUrgencyDurations(),
		byType:    DefaultTypeDurations(),
	}
	for k, v := range byUrgency {
		if v > 0 {
			p.byUrgency[k] = v
		}
	}
	for k, v := range byType {
		if v > 0 {
			p.byType[k] = v
		}
	}
	return p
}

// Hours returns max(byUrgency[level], byType[type]), never less than one hour
func (p *DurationPolicy) Hours(level emergency.UrgencyLevel, et emergency.EmergencyType) int {
	hours := p.byUrgency[level]
	if h := p.byType[et]; h > hours {
		hours = h
	}
	if hours < 1 {
		hours = 1
	}
	return hours
}

// Duration is Hours as a time.Duration
func (p *DurationPolicy) Duration(level emergency.UrgencyLevel, et emergency.EmergencyType) time.Duration {
	return time.Duration(p.Hours(level, et)) * time.Hour
}
