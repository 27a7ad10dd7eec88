package emergency

import (
	"time"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// RiskWeights configures the risk scoring formula
type RiskWeights struct {
	UrgencyBase        map[emergency.UrgencyLevel]int
	AccessCountStep    int
	AccessCountCap     int
	OffHoursPenalty    int
	BusinessHoursStart int // hours before this are off-hours
	BusinessHoursEnd   int // hours after this are off-hours
	GeoAnomaly         int
	SuspiciousOrigin   int
	VPNOrigin          int
	BehaviorCap        int
	BehaviorEventStep  int // recent events per behaviour point
	BehaviorEventCap   int
	HighAverageRisk    float64
	ElevatedAverage    float64
	MaxScore           int
}

// DefaultRiskWeights returns the standard weights
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		UrgencyBase: map[emergency.UrgencyLevel]int{
			emergency.UrgencyLow:      10,
			emergency.UrgencyMedium:   30,
			emergency.UrgencyHigh:     60,
			emergency.UrgencyCritical: 80,
		},
		AccessCountStep:    5,
		AccessCountCap:     20,
		OffHoursPenalty:    15,
		BusinessHoursStart: 8,
		BusinessHoursEnd:   18,
		GeoAnomaly:         3,
		SuspiciousOrigin:   5,
		VPNOrigin:          2,
		BehaviorCap:        5,
		BehaviorEventStep:  5,
		BehaviorEventCap:   3,
		HighAverageRisk:    70,
		ElevatedAverage:    50,
		MaxScore:           100,
	}
}

// RiskContext holds the inputs of one scoring call
type RiskContext struct {
	Urgency     emergency.UrgencyLevel
	AccessCount int
	At          time.Time
	GeoAnomaly  bool
	Origin      emergency.OriginRisk
	Behavior    emergency.ActorActivity
}

// RiskEngine computes bounded risk scores. It has no side effects.
type RiskEngine struct {
	weights  RiskWeights
	location *time.Location
}

// NewRiskEngine creates a risk engine that evaluates hours in loc
func NewRiskEngine(weights RiskWeights, loc *time.Location) *RiskEngine {
	if loc == nil {
		loc = time.Local
	}
	if weights.UrgencyBase == nil {
		weights.UrgencyBase = DefaultRiskWeights().UrgencyBase
	}
	if weights.MaxScore <= 0 {
		weights.MaxScore = 100
	}
	return &RiskEngine{weights: weights, location: loc}
}

// Score returns the risk score for rc, in [0, MaxScore]
func (e *RiskEngine) Score(rc RiskContext) int {
	w := e.weights

	score := w.UrgencyBase[rc.Urgency]
	score += e.accessCountContribution(rc.AccessCount)

	if e.isOffHours(rc.At) {
		score += w.OffHoursPenalty
	}
	if rc.GeoAnomaly {
		score += w.GeoAnomaly
	}

	switch rc.Origin {
	case emergency.OriginSuspicious:
		score += w.SuspiciousOrigin
	case emergency.OriginVPN:
		score += w.VPNOrigin
	}

	score += e.behaviorContribution(rc.Behavior)

	if score > w.MaxScore {
		score = w.MaxScore
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (e *RiskEngine) accessCountContribution(count int) int {
	if count <= 0 {
		return 0
	}
	c := count * e.weights.AccessCountStep
	if c > e.weights.AccessCountCap {
		c = e.weights.AccessCountCap
	}
	return c
}

func (e *RiskEngine) isOffHours(at time.Time) bool {
	hour := at.In(e.location).Hour()
	return hour < e.weights.BusinessHoursStart || hour > e.weights.BusinessHoursEnd
}

func (e *RiskEngine) behaviorContribution(a emergency.ActorActivity) int {
	w := e.weights
	points := 0

	if w.BehaviorEventStep > 0 && a.EventCount > 0 {
		freq := a.EventCount / w.BehaviorEventStep
		if freq > w.BehaviorEventCap {
			freq = w.BehaviorEventCap
		}
		points += freq
	}

	switch {
	case a.AverageRiskScore >= w.HighAverageRisk:
		points += 2
	case a.AverageRiskScore >= w.ElevatedAverage:
		points++
	}

	if points > w.BehaviorCap {
		points = w.BehaviorCap
	}
	return points
}
