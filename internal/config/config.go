// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env            string `mapstructure:"APP_ENV"`
	Port           string `mapstructure:"PORT"`
	DBDriver       string `mapstructure:"DB_DRIVER"`
	DBPath         string `mapstructure:"DB_PATH"`
	DBHost         string `mapstructure:"DB_HOST"`
	DBPort         string `mapstructure:"DB_PORT"`
	DBUser         string `mapstructure:"DB_USER"`
	DBPassword     string `mapstructure:"DB_PASSWORD"`
	DBName         string `mapstructure:"DB_NAME"`
	DBSSLMode      string `mapstructure:"DB_SSLMODE"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	GatewayToken   string `mapstructure:"GATEWAY_TOKEN"`
	AdminIDs       string `mapstructure:"ADMIN_IDS"`

	MaxSubmissionLength      int           `mapstructure:"MAX_SUBMISSION_LENGTH"`
	DraftIdleTimeout         time.Duration `mapstructure:"DRAFT_IDLE_TIMEOUT"`
	DraftSweepInterval       time.Duration `mapstructure:"DRAFT_SWEEP_INTERVAL"`
	AbuseWindow              time.Duration `mapstructure:"ABUSE_WINDOW"`
	AbuseMaxEvents           int           `mapstructure:"ABUSE_MAX_EVENTS"`
	AbuseDuplicateLimit      int           `mapstructure:"ABUSE_DUPLICATE_LIMIT"`
	BannedSubmissionInterval time.Duration `mapstructure:"BANNED_SUBMISSION_INTERVAL"`
	BanHistoryRetention      time.Duration `mapstructure:"BAN_HISTORY_RETENTION"`
	BanCleanupInterval       time.Duration `mapstructure:"BAN_CLEANUP_INTERVAL"`
	OutboundRatePerSec       float64       `mapstructure:"OUTBOUND_RATE_PER_SEC"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`

	staffIDs map[int64]struct{}
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	// The base config file is optional; environment variables are enough.
	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) || isProduction(env) {
				return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
			}
		} else {
			log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
		}
	}

	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8380")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_PATH", "data/feedbackdesk.db")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")
	v.SetDefault("DB_NAME", "feedbackdesk")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("GATEWAY_TOKEN", "")
	v.SetDefault("ADMIN_IDS", "")
	v.SetDefault("MAX_SUBMISSION_LENGTH", 4000)
	v.SetDefault("DRAFT_IDLE_TIMEOUT", 30*time.Minute)
	v.SetDefault("DRAFT_SWEEP_INTERVAL", time.Minute)
	v.SetDefault("ABUSE_WINDOW", 60*time.Second)
	v.SetDefault("ABUSE_MAX_EVENTS", 5)
	v.SetDefault("ABUSE_DUPLICATE_LIMIT", 3)
	v.SetDefault("BANNED_SUBMISSION_INTERVAL", 7*24*time.Hour)
	v.SetDefault("BAN_HISTORY_RETENTION", 30*24*time.Hour)
	v.SetDefault("BAN_CLEANUP_INTERVAL", time.Hour)
	v.SetDefault("OUTBOUND_RATE_PER_SEC", 25.0)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DBHost == "" || c.DBName == "" {
			return errors.New("DB_HOST and DB_NAME are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.AbuseWindow <= 0 || c.AbuseMaxEvents <= 0 || c.AbuseDuplicateLimit <= 0 {
		return errors.New("ABUSE_WINDOW, ABUSE_MAX_EVENTS and ABUSE_DUPLICATE_LIMIT must be positive")
	}
	if c.DraftIdleTimeout < 0 {
		return errors.New("DRAFT_IDLE_TIMEOUT must not be negative")
	}

	c.staffIDs = ParseAdminIDs(c.AdminIDs)

	if isProduction(c.Env) {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.GatewayToken == "" {
			return errors.New("GATEWAY_TOKEN is required in production")
		}
		if c.DBDriver == "postgres" && (c.DBPassword == "password" || c.DBPassword == "") {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
	}
	if len(c.staffIDs) == 0 {
		log.Println("WARNING: ADMIN_IDS is empty; nobody can use the staff review workflow.")
	}

	return nil
}

// IsStaff reports whether the user id belongs to a configured administrator.
func (c *Config) IsStaff(userID int64) bool {
	if c == nil {
		return false
	}
	if c.staffIDs == nil {
		c.staffIDs = ParseAdminIDs(c.AdminIDs)
	}
	_, ok := c.staffIDs[userID]
	return ok
}

// StaffIDs returns the configured administrator ids.
func (c *Config) StaffIDs() []int64 {
	if c.staffIDs == nil {
		c.staffIDs = ParseAdminIDs(c.AdminIDs)
	}
	out := make([]int64, 0, len(c.staffIDs))
	for id := range c.staffIDs {
		out = append(out, id)
	}
	return out
}

// ParseAdminIDs parses a comma-separated list of numeric user ids.
// Malformed entries are skipped with a warning.
func ParseAdminIDs(raw string) map[int64]struct{} {
	out := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			log.Printf("WARNING: ignoring malformed admin id %q", part)
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// IsProduction reports whether the config targets a production environment.
func (c *Config) IsProduction() bool {
	return isProduction(c.Env)
}

func isProduction(env string) bool {
	return env == "production" || env == "prod"
}
