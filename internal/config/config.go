// Package config loads service settings from defaults, an optional YAML file
// and MEDGUARD_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"medguard.org/internal/audit"
)

// EnvPrefix prefixes every environment override, e.g. MEDGUARD_HTTP_ADDR.
const EnvPrefix = "MEDGUARD"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig points at Postgres. An empty DSN runs the service on
// in-memory stores.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig enables the Redis alert channel when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type PolicyConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

type AuditConfig struct {
	QueueSize             int           `mapstructure:"queue_size"`
	BatchSize             int           `mapstructure:"batch_size"`
	PHIEnqueueTimeout     time.Duration `mapstructure:"phi_enqueue_timeout"`
	EmergencyWriteTimeout time.Duration `mapstructure:"emergency_write_timeout"`
	RetentionFloorDays    int           `mapstructure:"retention_floor_days"`
	PHICategories         []string      `mapstructure:"phi_categories"`
	ArchiveDir            string        `mapstructure:"archive_dir"`
	RetentionInterval     time.Duration `mapstructure:"retention_interval"`
	ScanInterval          time.Duration `mapstructure:"scan_interval"`
	ScanWindow            time.Duration `mapstructure:"scan_window"`
}

type AnomalyConfig struct {
	DistinctPatients int           `mapstructure:"distinct_patients"`
	DeniedAttempts   int           `mapstructure:"denied_attempts"`
	EmergencyPerDay  int           `mapstructure:"emergency_per_day"`
	ReviewDeadline   time.Duration `mapstructure:"review_deadline"`
}

type AuthzConfig struct {
	AttributeTimeout time.Duration `mapstructure:"attribute_timeout"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "medguard:alerts")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "medguard")

	v.SetDefault("policy.seed_file", "")

	v.SetDefault("audit.queue_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.phi_enqueue_timeout", 250*time.Millisecond)
	v.SetDefault("audit.emergency_write_timeout", 50*time.Millisecond)
	v.SetDefault("audit.retention_floor_days", 6*365)
	v.SetDefault("audit.phi_categories", []string{string(audit.CategoryPHIAccess), string(audit.CategoryEmergency)})
	v.SetDefault("audit.archive_dir", "archive")
	v.SetDefault("audit.retention_interval", 24*time.Hour)
	v.SetDefault("audit.scan_interval", 15*time.Minute)
	v.SetDefault("audit.scan_window", time.Hour)

	v.SetDefault("anomaly.distinct_patients", 50)
	v.SetDefault("anomaly.denied_attempts", 10)
	v.SetDefault("anomaly.emergency_per_day", 3)
	v.SetDefault("anomaly.review_deadline", 72*time.Hour)

	v.SetDefault("authz.attribute_timeout", 30*time.Millisecond)

	v.SetDefault("rate_limit.per_second", 100.0)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("log.level", "info")
}

// Load reads the file named by MEDGUARD_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvPrefix + "_CONFIG"))
}

// LoadFile is Load with an explicit config file path. An empty path skips
// the file.
func LoadFile(path string) (*Config, error) {
	cfg, err := Decode(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Decode reads settings like LoadFile without validating them. auditctl
// uses it since it runs without serving settings such as auth.secret.
func Decode(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	var cats []string
	for _, raw := range c.Audit.PHICategories {
		for _, part := range strings.Split(raw, ",") {
			if cat := audit.ParseCategory(part); cat != "" {
				cats = append(cats, string(cat))
			}
		}
	}
	c.Audit.PHICategories = cats
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	check(len(c.Auth.Secret) >= 16, "auth.secret must be at least 16 bytes")
	check(c.HTTP.Addr != "", "http.addr is required")
	check(c.HTTP.MaxBodyBytes > 0, "http.max_body_bytes must be positive")
	check(c.Audit.QueueSize > 0, "audit.queue_size must be positive")
	check(c.Audit.BatchSize > 0 && c.Audit.BatchSize <= c.Audit.QueueSize, "audit.batch_size must be in 1..queue_size")
	check(c.Audit.PHIEnqueueTimeout > 0, "audit.phi_enqueue_timeout must be positive")
	check(c.Audit.EmergencyWriteTimeout > 0, "audit.emergency_write_timeout must be positive")
	check(c.Audit.RetentionFloorDays > 0, "audit.retention_floor_days must be positive")
	check(len(c.Audit.PHICategories) > 0, "audit.phi_categories must not be empty")
	check(c.Audit.RetentionInterval > 0, "audit.retention_interval must be positive")
	check(c.Audit.ScanInterval > 0, "audit.scan_interval must be positive")
	check(c.Authz.AttributeTimeout > 0, "authz.attribute_timeout must be positive")
	check(c.RateLimit.PerSecond > 0 && c.RateLimit.Burst > 0, "rate_limit.per_second and rate_limit.burst must be positive")
	if err := c.Thresholds().Validate(); err != nil {
		problems = append(problems, err)
	}
	return errors.Join(problems...)
}

// Thresholds returns the configured anomaly thresholds.
func (c *Config) Thresholds() audit.Thresholds {
	return audit.Thresholds{
		DistinctPatients: c.Anomaly.DistinctPatients,
		DeniedAttempts:   c.Anomaly.DeniedAttempts,
		EmergencyPerDay:  c.Anomaly.EmergencyPerDay,
		Window:           c.Audit.ScanWindow,
		ReviewDeadline:   c.Anomaly.ReviewDeadline,
	}
}

// PHICategories returns the categories the retention floor applies to.
func (c *Config) PHICategories() []audit.Category {
	out := make([]audit.Category, 0, len(c.Audit.PHICategories))
	for _, s := range c.Audit.PHICategories {
		out = append(out, audit.Category(s))
	}
	return out
}
