package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Patterns    PatternsConfig    `mapstructure:"patterns"`
	AntiForgery AntiForgeryConfig `mapstructure:"anti_forgery"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdmissionConfig holds token-bucket admission control configuration
type AdmissionConfig struct {
	Capacity        float64       `mapstructure:"capacity"`
	RefillRate      float64       `mapstructure:"refill_rate"`
	HistoryWindow   time.Duration `mapstructure:"history_window"`
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	IdleBucketTTL   time.Duration `mapstructure:"idle_bucket_ttl"`
	MaintenanceTick time.Duration `mapstructure:"maintenance_tick"`
	// ThrottleFactor multiplies a bucket's capacity when a throttle action
	// is applied (0 < factor < 1).
	ThrottleFactor float64 `mapstructure:"throttle_factor"`
}

// PatternsConfig holds suspicious-pattern detector thresholds
type PatternsConfig struct {
	BurstLimit          int           `mapstructure:"burst_limit"`
	BurstWindow         time.Duration `mapstructure:"burst_window"`
	AuthFailureLimit    int           `mapstructure:"auth_failure_limit"`
	AuthFailureWindow   time.Duration `mapstructure:"auth_failure_window"`
	EndpointScanLimit   int           `mapstructure:"endpoint_scan_limit"`
	EndpointScanWindow  time.Duration `mapstructure:"endpoint_scan_window"`
	BulkSensitiveLimit  int           `mapstructure:"bulk_sensitive_limit"`
	BulkSensitiveWindow time.Duration `mapstructure:"bulk_sensitive_window"`
}

// AntiForgeryConfig holds anti-forgery token configuration
type AntiForgeryConfig struct {
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	RotationLead time.Duration `mapstructure:"rotation_lead"`
	HeaderName   string        `mapstructure:"header_name"`
	// Scope namespaces the shared Redis key so multiple deployments can
	// share one Redis instance.
	Scope string `mapstructure:"scope"`
}

// RiskConfig holds risk-score weights and review thresholds
type RiskConfig struct {
	SensitiveWeight    int `mapstructure:"sensitive_weight"`
	FailureWeight      int `mapstructure:"failure_weight"`
	EmergencyWeight    int `mapstructure:"emergency_weight"`
	AfterHoursWeight   int `mapstructure:"after_hours_weight"`
	BulkExportWeight   int `mapstructure:"bulk_export_weight"`
	DeleteWeight       int `mapstructure:"delete_weight"`
	UnauthorizedWeight int `mapstructure:"unauthorized_weight"`
	// WorkdayStart/WorkdayEnd bound normal working hours (local time,
	// 24h clock). Access outside this window adds AfterHoursWeight.
	WorkdayStart int `mapstructure:"workday_start"`
	WorkdayEnd   int `mapstructure:"workday_end"`
	ReviewScore  int `mapstructure:"review_score"`
	AlertScore   int `mapstructure:"alert_score"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	RecentWindow   time.Duration `mapstructure:"recent_window"`
	RecentMax      int           `mapstructure:"recent_max"`
	SensitiveTypes []string      `mapstructure:"sensitive_types"`
	ReportTopN     int           `mapstructure:"report_top_n"`
}

// AlertingConfig holds alert fan-out configuration
type AlertingConfig struct {
	Channel string `mapstructure:"channel"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/accessguard")

	// Set defaults
	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Bind environment variables
	v.SetEnvPrefix("ACCESSGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the subsystem cannot serve with. It runs
// before any traffic is accepted; a failure here is fatal at startup.
func (c *Config) Validate() error {
	if c.Admission.Capacity <= 0 {
		return fmt.Errorf("admission.capacity must be positive, got %v", c.Admission.Capacity)
	}
	if c.Admission.RefillRate <= 0 {
		return fmt.Errorf("admission.refill_rate must be positive, got %v", c.Admission.RefillRate)
	}
	if c.Admission.ThrottleFactor <= 0 || c.Admission.ThrottleFactor >= 1 {
		return fmt.Errorf("admission.throttle_factor must be in (0,1), got %v", c.Admission.ThrottleFactor)
	}
	if c.Admission.HistoryWindow <= 0 || c.Admission.BlockDuration <= 0 {
		return fmt.Errorf("admission history window and block duration must be positive")
	}
	for name, limit := range map[string]int{
		"patterns.burst_limit":          c.Patterns.BurstLimit,
		"patterns.auth_failure_limit":   c.Patterns.AuthFailureLimit,
		"patterns.endpoint_scan_limit":  c.Patterns.EndpointScanLimit,
		"patterns.bulk_sensitive_limit": c.Patterns.BulkSensitiveLimit,
	} {
		if limit <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, limit)
		}
	}
	if c.AntiForgery.TokenTTL <= 0 {
		return fmt.Errorf("anti_forgery.token_ttl must be positive, got %v", c.AntiForgery.TokenTTL)
	}
	if c.AntiForgery.RotationLead <= 0 || c.AntiForgery.RotationLead >= c.AntiForgery.TokenTTL {
		return fmt.Errorf("anti_forgery.rotation_lead must be positive and below token_ttl")
	}
	if c.Risk.WorkdayStart < 0 || c.Risk.WorkdayEnd > 24 || c.Risk.WorkdayStart >= c.Risk.WorkdayEnd {
		return fmt.Errorf("risk workday window [%d,%d) is invalid", c.Risk.WorkdayStart, c.Risk.WorkdayEnd)
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be positive, got %d", c.Audit.QueueSize)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "accessguard")
	v.SetDefault("database.user", "accessguard")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Admission defaults
	v.SetDefault("admission.capacity", 100.0)
	v.SetDefault("admission.refill_rate", 100.0/60.0)
	v.SetDefault("admission.history_window", "1h")
	v.SetDefault("admission.block_duration", "15m")
	v.SetDefault("admission.idle_bucket_ttl", "2h")
	v.SetDefault("admission.maintenance_tick", "1m")
	v.SetDefault("admission.throttle_factor", 0.5)

	// Pattern detector defaults
	v.SetDefault("patterns.burst_limit", 50)
	v.SetDefault("patterns.burst_window", "60s")
	v.SetDefault("patterns.auth_failure_limit", 5)
	v.SetDefault("patterns.auth_failure_window", "5m")
	v.SetDefault("patterns.endpoint_scan_limit", 20)
	v.SetDefault("patterns.endpoint_scan_window", "10m")
	v.SetDefault("patterns.bulk_sensitive_limit", 100)
	v.SetDefault("patterns.bulk_sensitive_window", "1h")

	// Anti-forgery defaults
	v.SetDefault("anti_forgery.token_ttl", "30m")
	v.SetDefault("anti_forgery.rotation_lead", "5m")
	v.SetDefault("anti_forgery.header_name", "X-CSRF-Token")
	v.SetDefault("anti_forgery.scope", "accessguard")

	// Risk defaults
	v.SetDefault("risk.sensitive_weight", 20)
	v.SetDefault("risk.failure_weight", 30)
	v.SetDefault("risk.emergency_weight", 15)
	v.SetDefault("risk.after_hours_weight", 10)
	v.SetDefault("risk.bulk_export_weight", 25)
	v.SetDefault("risk.delete_weight", 35)
	v.SetDefault("risk.unauthorized_weight", 50)
	v.SetDefault("risk.workday_start", 7)
	v.SetDefault("risk.workday_end", 19)
	v.SetDefault("risk.review_score", 70)
	v.SetDefault("risk.alert_score", 80)

	// Audit defaults
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.recent_window", "1h")
	v.SetDefault("audit.recent_max", 200)
	v.SetDefault("audit.sensitive_types", []string{
		"patient", "patient_record", "appointment_note", "medical_history", "insurance",
	})
	v.SetDefault("audit.report_top_n", 10)

	// Alerting defaults
	v.SetDefault("alerting.channel", "accessguard:alerts")
}
