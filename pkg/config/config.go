package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing"`

	// Emergency access configuration
	Emergency EmergencyConfig `mapstructure:"emergency"`

	// Notification configuration
	Notification NotificationConfig `mapstructure:"notification"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout"`
	IdleTimeout     int    `mapstructure:"idle_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	QueryTimeout    int    `mapstructure:"query_timeout"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns the host:port address of the Redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// EmergencyConfig holds the lifecycle, risk and rule configuration
type EmergencyConfig struct {
	Timezone                 string   `mapstructure:"timezone"`
	HighRiskThreshold        int      `mapstructure:"high_risk_threshold"`
	CreationRiskLogThreshold int      `mapstructure:"creation_risk_log_threshold"`
	MaxExtendHours           int      `mapstructure:"max_extend_hours"`
	NotificationTimeout      int      `mapstructure:"notification_timeout"`
	SweepInterval            int      `mapstructure:"sweep_interval"`
	SweepBatchSize           int      `mapstructure:"sweep_batch_size"`
	BehaviorWindow           int      `mapstructure:"behavior_window"`
	SupervisorRoles          []string `mapstructure:"supervisor_roles"`

	Durations DurationConfig         `mapstructure:"durations"`
	Risk      RiskConfig             `mapstructure:"risk"`
	Origin    OriginConfig           `mapstructure:"origin"`
	Rules     []emergency.RuleConfig `mapstructure:"auto_approval_rules"`
}

// DurationConfig overrides the access duration tables, in hours
type DurationConfig struct {
	ByUrgency map[string]int `mapstructure:"by_urgency"`
	ByType    map[string]int `mapstructure:"by_type"`
}

// RiskConfig holds the risk scoring weights
type RiskConfig struct {
	UrgencyBase        map[string]int `mapstructure:"urgency_base"`
	AccessCountStep    int            `mapstructure:"access_count_step"`
	AccessCountCap     int            `mapstructure:"access_count_cap"`
	OffHoursPenalty    int            `mapstructure:"off_hours_penalty"`
	BusinessHoursStart int            `mapstructure:"business_hours_start"`
	BusinessHoursEnd   int            `mapstructure:"business_hours_end"`
	GeoAnomaly         int            `mapstructure:"geo_anomaly"`
	SuspiciousOrigin   int            `mapstructure:"suspicious_origin"`
	VPNOrigin          int            `mapstructure:"vpn_origin"`
	BehaviorCap        int            `mapstructure:"behavior_cap"`
	BehaviorEventStep  int            `mapstructure:"behavior_event_step"`
	BehaviorEventCap   int            `mapstructure:"behavior_event_cap"`
	HighAverageRisk    float64        `mapstructure:"high_average_risk"`
	ElevatedAverage    float64        `mapstructure:"elevated_average"`
}

// OriginConfig lists known suspicious and VPN networks
type OriginConfig struct {
	SuspiciousCIDRs    []string `mapstructure:"suspicious_cidrs"`
	VPNCIDRs           []string `mapstructure:"vpn_cidrs"`
	RedisSuspiciousKey string   `mapstructure:"redis_suspicious_key"`
	RedisVPNKey        string   `mapstructure:"redis_vpn_key"`
}

// NotificationConfig holds notification dispatch configuration
type NotificationConfig struct {
	WebhookURL string            `mapstructure:"webhook_url"`
	Timeout    int               `mapstructure:"timeout"`
	RetryCount int               `mapstructure:"retry_count"`
	RetryWait  int               `mapstructure:"retry_wait"`
	Headers    map[string]string `mapstructure:"headers"`
}

// Location resolves the configured time zone
func (e EmergencyConfig) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(e.Timezone)
}

// Load loads configuration from config.yaml and the environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/medrex")

	return load(v, true)
}

// LoadFrom loads configuration from an explicit file path
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v, false)
}

func load(v *viper.Viper, optional bool) (*Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || !optional {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideWithEnv(&config)

	if len(config.Emergency.Rules) == 0 {
		config.Emergency.Rules = emergency.DefaultRuleConfigs()
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("server.shutdown_timeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "medrex")
	v.SetDefault("database.user", "medrex")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.query_timeout", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sampling_rate", 0.1)

	// Emergency access defaults
	v.SetDefault("emergency.timezone", "UTC")
	v.SetDefault("emergency.high_risk_threshold", 80)
	v.SetDefault("emergency.creation_risk_log_threshold", 80)
	v.SetDefault("emergency.max_extend_hours", 24)
	v.SetDefault("emergency.notification_timeout", 5)
	v.SetDefault("emergency.sweep_interval", 60)
	v.SetDefault("emergency.sweep_batch_size", 500)
	v.SetDefault("emergency.behavior_window", 86400)
	v.SetDefault("emergency.supervisor_roles", []string{"supervisor", "department_head", "chief_medical_officer"})
	v.SetDefault("emergency.risk.urgency_base", map[string]int{"low": 10, "medium": 30, "high": 60, "critical": 80})
	v.SetDefault("emergency.risk.access_count_step", 5)
	v.SetDefault("emergency.risk.access_count_cap", 20)
	v.SetDefault("emergency.risk.off_hours_penalty", 15)
	v.SetDefault("emergency.risk.business_hours_start", 8)
	v.SetDefault("emergency.risk.business_hours_end", 18)
	v.SetDefault("emergency.risk.geo_anomaly", 3)
	v.SetDefault("emergency.risk.suspicious_origin", 5)
	v.SetDefault("emergency.risk.vpn_origin", 2)
	v.SetDefault("emergency.risk.behavior_cap", 5)
	v.SetDefault("emergency.risk.behavior_event_step", 5)
	v.SetDefault("emergency.risk.behavior_event_cap", 3)
	v.SetDefault("emergency.risk.high_average_risk", 70)
	v.SetDefault("emergency.risk.elevated_average", 50)
	v.SetDefault("emergency.origin.redis_suspicious_key", "emergency:origin:suspicious")
	v.SetDefault("emergency.origin.redis_vpn_key", "emergency:origin:vpn")

	// Notification defaults
	v.SetDefault("notification.timeout", 5)
	v.SetDefault("notification.retry_count", 3)
	v.SetDefault("notification.retry_wait", 1)

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with conventional environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Database.URL == "" && config.Database.Password == "" {
		return fmt.Errorf("database password is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	e := config.Emergency
	if _, err := e.Location(); err != nil {
		return fmt.Errorf("invalid emergency timezone %q: %w", e.Timezone, err)
	}
	if e.HighRiskThreshold < 0 || e.HighRiskThreshold > 100 {
		return fmt.Errorf("high risk threshold must be within 0-100: %d", e.HighRiskThreshold)
	}
	if e.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive: %d", e.SweepInterval)
	}
	if e.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive: %d", e.SweepBatchSize)
	}
	for level := range e.Durations.ByUrgency {
		if !emergency.UrgencyLevel(level).IsValid() {
			return fmt.Errorf("unknown urgency level in durations: %s", level)
		}
	}
	for et := range e.Durations.ByType {
		if !emergency.EmergencyType(et).IsValid() {
			return fmt.Errorf("unknown emergency type in durations: %s", et)
		}
	}
	if e.Risk.BusinessHoursStart < 0 || e.Risk.BusinessHoursEnd > 23 || e.Risk.BusinessHoursStart > e.Risk.BusinessHoursEnd {
		return fmt.Errorf("invalid business hours: %d-%d", e.Risk.BusinessHoursStart, e.Risk.BusinessHoursEnd)
	}

	return nil
}
