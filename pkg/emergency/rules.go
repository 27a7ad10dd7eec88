package emergency

// HourWindowConfig is an inclusive local-hour window; Start > End wraps past midnight
type HourWindowConfig struct {
	Start int `mapstructure:"start" json:"start" yaml:"start"`
	End   int `mapstructure:"end" json:"end" yaml:"end"`
}

// RuleConditionsConfig lists what the emergency itself must look like
type RuleConditionsConfig struct {
	EmergencyTypes []EmergencyType   `mapstructure:"emergency_types" json:"emergency_types" yaml:"emergency_types"`
	UrgencyLevels  []UrgencyLevel    `mapstructure:"urgency_levels" json:"urgency_levels" yaml:"urgency_levels"`
	TimeWindow     *HourWindowConfig `mapstructure:"time_window" json:"time_window,omitempty" yaml:"time_window,omitempty"`
}

// RuleRequirementsConfig lists what the requester must satisfy
type RuleRequirementsConfig struct {
	Roles           []string `mapstructure:"roles" json:"roles" yaml:"roles"`
	Department      string   `mapstructure:"department" json:"department,omitempty" yaml:"department,omitempty"`
	WitnessRequired bool     `mapstructure:"witness_required" json:"witness_required" yaml:"witness_required"`
}

// RuleConfig is the declarative form of an auto-approval rule
type RuleConfig struct {
	ID            string                 `mapstructure:"id" json:"id" yaml:"id"`
	Name          string                 `mapstructure:"name" json:"name" yaml:"name"`
	Conditions    RuleConditionsConfig   `mapstructure:"conditions" json:"conditions" yaml:"conditions"`
	Requirements  RuleRequirementsConfig `mapstructure:"requirements" json:"requirements" yaml:"requirements"`
	DurationHours int                    `mapstructure:"duration_hours" json:"duration_hours" yaml:"duration_hours"`
	Active        bool                   `mapstructure:"active" json:"active" yaml:"active"`
}

// DefaultRuleConfigs returns the built-in auto-approval rules in evaluation order
func DefaultRuleConfigs() []RuleConfig {
	return []RuleConfig{
		{
			ID:   "rule-001",
			Name: "emergency_doctor_critical",
			Conditions: RuleConditionsConfig{
				EmergencyTypes: []EmergencyType{TypeCardiacArrest, TypeTrauma, TypeStroke, TypeRespiratoryFailure},
				UrgencyLevels:  []UrgencyLevel{UrgencyCritical},
			},
			Requirements: RuleRequirementsConfig{
				Roles:      []string{"emergency_doctor", "doctor"},
				Department: "emergency_department",
			},
			DurationHours: 8,
			Active:        true,
		},
		{
			ID:   "rule-002",
			Name: "icu_nurse_high_with_witness",
			Conditions: RuleConditionsConfig{
				EmergencyTypes: []EmergencyType{TypeCardiacArrest, TypeRespiratoryFailure},
				UrgencyLevels:  []UrgencyLevel{UrgencyHigh, UrgencyCritical},
			},
			Requirements: RuleRequirementsConfig{
				Roles:           []string{"icu_nurse", "nurse"},
				Department:      "icu",
				WitnessRequired: true,
			},
			DurationHours: 4,
			Active:        true,
		},
		{
			ID:   "rule-003",
			Name: "night_shift_attending",
			Conditions: RuleConditionsConfig{
				EmergencyTypes: []EmergencyType{TypeCardiacArrest, TypeTrauma, TypeStroke, TypeRespiratoryFailure},
				UrgencyLevels:  []UrgencyLevel{UrgencyHigh, UrgencyCritical},
				TimeWindow:     &HourWindowConfig{Start: 22, End: 6},
			},
			Requirements: RuleRequirementsConfig{
				Roles: []string{"attending_physician", "doctor"},
			},
			DurationHours: 6,
			Active:        true,
		},
	}
}
