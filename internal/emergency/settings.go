package emergency

import (
	"fmt"
	"time"

	"github.com/medrex/emergency-access/pkg/config"
	"github.com/medrex/emergency-access/pkg/emergency"
)

// Components are the policy engines built from configuration
type Components struct {
	Config    Config
	Rules     *RuleSet
	Risk      *RiskEngine
	Durations *DurationPolicy
}

// ComponentsFromConfig translates the emergency section of the service
// configuration into manager settings and policy engines
func ComponentsFromConfig(ec config.EmergencyConfig) (*Components, error) {
	loc, err := ec.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", ec.Timezone, err)
	}

	rules, err := NewRuleSet(ec.Rules, loc)
	if err != nil {
		return nil, err
	}

	return &Components{
		Config: Config{
			HighRiskThreshold:        ec.HighRiskThreshold,
			CreationRiskLogThreshold: ec.CreationRiskLogThreshold,
			MaxExtendHours:           ec.MaxExtendHours,
			NotificationTimeout:      time.Duration(ec.NotificationTimeout) * time.Second,
			SweepBatchSize:           ec.SweepBatchSize,
			SupervisorRoles:          ec.SupervisorRoles,
			Location:                 loc,
		},
		Rules:     rules,
		Risk:      NewRiskEngine(RiskWeightsFromConfig(ec.Risk), loc),
		Durations: durationPolicyFromConfig(ec.Durations),
	}, nil
}

// RiskWeightsFromConfig overlays configured weights on the defaults. Zero
// values keep the default weight.
func RiskWeightsFromConfig(rc config.RiskConfig) RiskWeights {
	w := DefaultRiskWeights()

	for level, base := range rc.UrgencyBase {
		w.UrgencyBase[emergency.UrgencyLevel(level)] = base
	}
	setIfPositive(&w.AccessCountStep, rc.AccessCountStep)
	setIfPositive(&w.AccessCountCap, rc.AccessCountCap)
	setIfPositive(&w.OffHoursPenalty, rc.OffHoursPenalty)
	setIfPositive(&w.GeoAnomaly, rc.GeoAnomaly)
	setIfPositive(&w.SuspiciousOrigin, rc.SuspiciousOrigin)
	setIfPositive(&w.VPNOrigin, rc.VPNOrigin)
	setIfPositive(&w.BehaviorCap, rc.BehaviorCap)
	setIfPositive(&w.BehaviorEventStep, rc.BehaviorEventStep)
	setIfPositive(&w.BehaviorEventCap, rc.BehaviorEventCap)

	if rc.BusinessHoursStart > 0 || rc.BusinessHoursEnd > 0 {
		w.BusinessHoursStart = rc.BusinessHoursStart
		w.BusinessHoursEnd = rc.BusinessHoursEnd
	}
	if rc.HighAverageRisk > 0 {
		w.HighAverageRisk = rc.HighAverageRisk
	}
	if rc.ElevatedAverage > 0 {
		w.ElevatedAverage = rc.ElevatedAverage
	}
	return w
}

func durationPolicyFromConfig(dc config.DurationConfig) *DurationPolicy {
	byUrgency := make(map[emergency.UrgencyLevel]int, len(dc.ByUrgency))
	for k, v := range dc.ByUrgency {
		byUrgency[emergency.UrgencyLevel(k)] = v
	}
	byType := make(map[emergency.EmergencyType]int, len(dc.ByType))
	for k, v := range dc.ByType {
		byType[emergency.EmergencyType(k)] = v
	}
	return NewDurationPolicy(byUrgency, byType)
}

func setIfPositive(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
