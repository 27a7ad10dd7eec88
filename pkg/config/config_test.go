package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/emergency-access/pkg/emergency"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFrom(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  host: db.internal
  password: secret
emergency:
  timezone: Europe/Berlin
  high_risk_threshold: 75
  supervisor_roles: [charge_nurse]
  durations:
    by_urgency:
      low: 3
  origin:
    suspicious_cidrs: ["203.0.113.0/24"]
  auto_approval_rules:
    - id: rule-100
      name: stroke_team
      conditions:
        emergency_types: [stroke]
        urgency_levels: [high, critical]
        time_window:
          start: 20
          end: 4
      requirements:
        roles: [neurologist]
      duration_hours: 5
      active: true
notification:
  webhook_url: https://notify.example.org/hooks
  headers:
    authorization: Bearer abc
`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "info", cfg.LogLevel)

	e := cfg.Emergency
	assert.Equal(t, 75, e.HighRiskThreshold)
	assert.Equal(t, 24, e.MaxExtendHours)
	assert.Equal(t, []string{"charge_nurse"}, e.SupervisorRoles)
	assert.Equal(t, 3, e.Durations.ByUrgency["low"])
	assert.Equal(t, []string{"203.0.113.0/24"}, e.Origin.SuspiciousCIDRs)
	assert.Equal(t, "emergency:origin:vpn", e.Origin.RedisVPNKey)
	assert.Equal(t, 80, e.Risk.UrgencyBase["critical"])

	loc, err := e.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	require.Len(t, e.Rules, 1)
	rule := e.Rules[0]
	assert.Equal(t, "stroke_team", rule.Name)
	assert.Equal(t, []emergency.EmergencyType{emergency.TypeStroke}, rule.Conditions.EmergencyTypes)
	assert.Equal(t, []emergency.UrgencyLevel{emergency.UrgencyHigh, emergency.UrgencyCritical}, rule.Conditions.UrgencyLevels)
	require.NotNil(t, rule.Conditions.TimeWindow)
	assert.Equal(t, 20, rule.Conditions.TimeWindow.Start)
	assert.Equal(t, []string{"neurologist"}, rule.Requirements.Roles)
	assert.True(t, rule.Active)

	assert.Equal(t, "https://notify.example.org/hooks", cfg.Notification.WebhookURL)
	assert.Equal(t, 3, cfg.Notification.RetryCount)
	assert.Equal(t, "Bearer abc", cfg.Notification.Headers["authorization"])
}

func TestLoadFrom_DefaultRules(t *testing.T) {
	path := writeConfig(t, "database:\n  password: secret\n")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, emergency.DefaultRuleConfigs(), cfg.Emergency.Rules)
	assert.Equal(t, "UTC", cfg.Emergency.Timezone)
}

func TestLoadFrom_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://medrex@localhost/medrex")

	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	// a URL satisfies the credential requirement
	assert.Equal(t, "postgres://medrex@localhost/medrex", cfg.Database.URL)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing credentials", "server:\n  port: 9000\n", "database password is required"},
		{"bad port", "database:\n  password: x\nserver:\n  port: 70000\n", "invalid server port"},
		{"bad timezone", "database:\n  password: x\nemergency:\n  timezone: Nowhere/City\n", "invalid emergency timezone"},
		{"bad threshold", "database:\n  password: x\nemergency:\n  high_risk_threshold: 120\n", "high risk threshold"},
		{"bad sweep batch", "database:\n  password: x\nemergency:\n  sweep_batch_size: -1\n", "sweep batch size"},
		{"unknown duration level", "database:\n  password: x\nemergency:\n  durations:\n    by_urgency:\n      extreme: 3\n", "unknown urgency level"},
		{"unknown duration type", "database:\n  password: x\nemergency:\n  durations:\n    by_type:\n      flood: 3\n", "unknown emergency type"},
		{"bad business hours", "database:\n  password: x\nemergency:\n  risk:\n    business_hours_start: 19\n", "invalid business hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
