package emergency

import (
	"fmt"
	"time"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// PredicateKind tags the variant of a rule condition
type PredicateKind string

const (
	PredicateEmergencyType PredicateKind = "emergency_type_in"
	PredicateUrgency       PredicateKind = "urgency_in"
	PredicateHourWindow    PredicateKind = "hour_window"
)

// Candidate is what the rule engine evaluates
type Candidate struct {
	EmergencyType emergency.EmergencyType
	UrgencyLevel  emergency.UrgencyLevel
	Department    string
	WitnessID     string
	RequesterRole string
	At            time.Time
}

// Predicate is one structured rule condition
type Predicate interface {
	Kind() PredicateKind
	Matches(c *Candidate, loc *time.Location) bool
}

// EmergencyTypeIn matches when the candidate's type is in the set
type EmergencyTypeIn struct {
	Types map[emergency.EmergencyType]struct{}
}

func (p EmergencyTypeIn) Kind() PredicateKind { return PredicateEmergencyType }

func (p EmergencyTypeIn) Matches(c *Candidate, _ *time.Location) bool {
	_, ok := p.Types[c.EmergencyType]
	return ok
}

// UrgencyIn matches when the candidate's urgency is in the set
type UrgencyIn struct {
	Levels map[emergency.UrgencyLevel]struct{}
}

func (p UrgencyIn) Kind() PredicateKind { return PredicateUrgency }

func (p UrgencyIn) Matches(c *Candidate, _ *time.Location) bool {
	_, ok := p.Levels[c.UrgencyLevel]
	return ok
}

// HourWindow matches local hours in [Start, End]; when Start > End the
// window wraps past midnight, e.g. 22..6 covers 22,23,0,...,6.
type HourWindow struct {
	Start int
	End   int
}

func (p HourWindow) Kind() PredicateKind { return PredicateHourWindow }

func (p HourWindow) Matches(c *Candidate, loc *time.Location) bool {
	return p.Contains(c.At.In(loc).Hour())
}

// Contains reports whether hour falls inside the window
func (p HourWindow) Contains(hour int) bool {
	if p.Start <= p.End {
		return hour >= p.Start && hour <= p.End
	}
	return hour >= p.Start || hour <= p.End
}

// Requirements are checked once a rule's conditions match
type Requirements struct {
	Roles           map[string]struct{}
	Department      string
	WitnessRequired bool
}

func (r Requirements) satisfiedBy(c *Candidate) bool {
	if len(r.Roles) > 0 {
		if _, ok := r.Roles[c.RequesterRole]; !ok {
			return false
		}
	}
	if r.Department != "" && r.Department != c.Department {
		return false
	}
	if r.WitnessRequired && c.WitnessID == "" {
		return false
	}
	return true
}

// Rule is a compiled auto-approval rule
type Rule struct {
	ID           string
	Name         string
	Conditions   []Predicate
	Requirements Requirements
	Duration     time.Duration
}

// RuleDecision is the outcome of evaluating a candidate
type RuleDecision struct {
	Approved                   bool
	RequiresSupervisorApproval bool
	MatchedRuleName            string
	Duration                   time.Duration
}

// RuleSet is an immutable, ordered list of active rules
type RuleSet struct {
	rules    []Rule
	location *time.Location
}

// NewRuleSet compiles the active rules in configs, preserving order
func NewRuleSet(configs []emergency.RuleConfig, loc *time.Location) (*RuleSet, error) {
	if loc == nil {
		loc = time.Local
	}

	var validationErrors emergency.ValidationErrors
	rules := make([]Rule, 0, len(configs))
	for i, cfg := range configs {
		field := fmt.Sprintf("auto_approval_rules[%d]", i)
		if cfg.Name == "" {
			validationErrors.Add(field+".name", cfg.Name, "Rule name is required")
		}
		if cfg.DurationHours <= 0 {
			validationErrors.Add(field+".duration_hours", fmt.Sprintf("%d", cfg.DurationHours), "Duration must be positive")
		}
		if len(cfg.Conditions.EmergencyTypes) == 0 {
			validationErrors.Add(field+".conditions.emergency_types", "empty", "At least one emergency type is required")
		}
		if len(cfg.Conditions.UrgencyLevels) == 0 {
			validationErrors.Add(field+".conditions.urgency_levels", "empty", "At least one urgency level is required")
		}
		for _, t := range cfg.Conditions.EmergencyTypes {
			if !t.IsValid() {
				validationErrors.Add(field+".conditions.emergency_types", string(t), "Unknown emergency type")
			}
		}
		for _, u := range cfg.Conditions.UrgencyLevels {
			if !u.IsValid() {
				validationErrors.Add(field+".conditions.urgency_levels", string(u), "Unknown urgency level")
			}
		}
		if w := cfg.Conditions.TimeWindow; w != nil {
			if w.Start < 0 || w.Start > 23 || w.End < 0 || w.End > 23 {
				validationErrors.Add(field+".conditions.time_window", fmt.Sprintf("%d-%d", w.Start, w.End), "Hours must be within 0-23")
			}
		}

		if !cfg.Active {
			continue
		}
		rules = append(rules, compileRule(cfg))
	}

	if validationErrors.HasErrors() {
		return nil, emergency.NewValidationError(emergency.CodeInvalidRequest, "invalid auto-approval rules", validationErrors)
	}

	return &RuleSet{rules: rules, location: loc}, nil
}

func compileRule(cfg emergency.RuleConfig) Rule {
	types := make(map[emergency.EmergencyType]struct{}, len(cfg.Conditions.EmergencyTypes))
	for _, t := range cfg.Conditions.EmergencyTypes {
		types[t] = struct{}{}
	}
	levels := make(map[emergency.UrgencyLevel]struct{}, len(cfg.Conditions.UrgencyLevels))
	for _, u := range cfg.Conditions.UrgencyLevels {
		levels[u] = struct{}{}
	}

	conditions := []Predicate{
		EmergencyTypeIn{Types: types},
		UrgencyIn{Levels: levels},
	}
	if w := cfg.Conditions.TimeWindow; w != nil {
		conditions = append(conditions, HourWindow{Start: w.Start, End: w.End})
	}

	roles := make(map[string]struct{}, len(cfg.Requirements.Roles))
	for _, r := range cfg.Requirements.Roles {
		roles[r] = struct{}{}
	}

	return Rule{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Conditions: conditions,
		Requirements: Requirements{
			Roles:           roles,
			Department:      cfg.Requirements.Department,
			WitnessRequired: cfg.Requirements.WitnessRequired,
		},
		Duration: time.Duration(cfg.DurationHours) * time.Hour,
	}
}

// Len returns the number of active rules
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Names returns the active rule names in evaluation order
func (rs *RuleSet) Names() []string {
	names := make([]string, 0, len(rs.rules))
	for _, r := range rs.rules {
		names = append(names, r.Name)
	}
	return names
}

// Evaluate returns the decision of the first rule whose conditions and
// requirements are all satisfied by c
func (rs *RuleSet) Evaluate(c *Candidate) RuleDecision {
	for i := range rs.rules {
		rule := &rs.rules[i]
		if !rs.conditionsMatch(rule, c) {
			continue
		}
		if !rule.Requirements.satisfiedBy(c) {
			continue
		}
		return RuleDecision{
			Approved:        true,
			MatchedRuleName: rule.Name,
			Duration:        rule.Duration,
		}
	}
	return RuleDecision{Approved: false, RequiresSupervisorApproval: true}
}

func (rs *RuleSet) conditionsMatch(rule *Rule, c *Candidate) bool {
	for _, p := range rule.Conditions {
		if !p.Matches(c, rs.location) {
			return false
		}
	}
	return true
}
