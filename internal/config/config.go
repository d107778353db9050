package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`

	// Scheduling
	DefaultTimezone       string        `mapstructure:"DEFAULT_TIMEZONE"`
	DefaultSessionMinutes int           `mapstructure:"DEFAULT_SESSION_MINUTES"`
	MaxAvailabilityDays   int           `mapstructure:"MAX_AVAILABILITY_DAYS"`
	CalendarLookupTimeout time.Duration `mapstructure:"CALENDAR_LOOKUP_TIMEOUT"`
	CalendarSessionTTL    time.Duration `mapstructure:"CALENDAR_SESSION_TTL"`
	CompletionSweepSpec   string        `mapstructure:"COMPLETION_SWEEP_SPEC"`

	// Integrations
	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `mapstructure:"GOOGLE_REDIRECT_URL"`
	SendGridAPIKey     string `mapstructure:"SENDGRID_API_KEY"`
	SendGridFromEmail  string `mapstructure:"SENDGRID_FROM_EMAIL"`
	SendGridFromName   string `mapstructure:"SENDGRID_FROM_NAME"`
	TwilioAccountSID   string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string `mapstructure:"TWILIO_FROM_NUMBER"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "JWT_SECRET", "JWT_ISSUER", "MIGRATIONS_DIR",
	"METRICS_ENABLED",
	"DEFAULT_TIMEZONE", "DEFAULT_SESSION_MINUTES", "MAX_AVAILABILITY_DAYS",
	"CALENDAR_LOOKUP_TIMEOUT", "CALENDAR_SESSION_TTL", "COMPLETION_SWEEP_SPEC",
	"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URL",
	"SENDGRID_API_KEY", "SENDGRID_FROM_EMAIL", "SENDGRID_FROM_NAME",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("DEFAULT_TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_SESSION_MINUTES", 30)
	v.SetDefault("MAX_AVAILABILITY_DAYS", 62)
	v.SetDefault("CALENDAR_LOOKUP_TIMEOUT", "3s")
	v.SetDefault("CALENDAR_SESSION_TTL", "30m")
	v.SetDefault("COMPLETION_SWEEP_SPEC", "@every 5m")
	v.SetDefault("SENDGRID_FROM_NAME", "Practice Scheduling")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) CalendarEnabled() bool {
	return c.GoogleClientID != ""
}

func (c *Config) EmailEnabled() bool {
	return c.SendGridAPIKey != ""
}

func (c *Config) SMSEnabled() bool {
	return c.TwilioAccountSID != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil || c.DefaultTimezone == "" {
		return fmt.Errorf("DEFAULT_TIMEZONE %q is not a valid IANA timezone", c.DefaultTimezone)
	}
	if c.DefaultSessionMinutes <= 0 || c.DefaultSessionMinutes > 24*60 {
		return fmt.Errorf("DEFAULT_SESSION_MINUTES must be between 1 and 1440, got %d", c.DefaultSessionMinutes)
	}
	if c.MaxAvailabilityDays <= 0 {
		return fmt.Errorf("MAX_AVAILABILITY_DAYS must be positive, got %d", c.MaxAvailabilityDays)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if _, err := cron.ParseStandard(c.CompletionSweepSpec); err != nil {
		return fmt.Errorf("COMPLETION_SWEEP_SPEC %q: %w", c.CompletionSweepSpec, err)
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}

	if c.CalendarEnabled() && (c.GoogleClientSecret == "" || c.GoogleRedirectURL == "") {
		return fmt.Errorf("GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required when GOOGLE_CLIENT_ID is set")
	}
	if c.EmailEnabled() && c.SendGridFromEmail == "" {
		return fmt.Errorf("SENDGRID_FROM_EMAIL is required when SENDGRID_API_KEY is set")
	}
	twilio := []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber}
	set := 0
	for _, v := range twilio {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != len(twilio) {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER must be set together")
	}
	if c.TwilioFromNumber != "" && !strings.HasPrefix(c.TwilioFromNumber, "+") {
		return fmt.Errorf("TWILIO_FROM_NUMBER must be an E.164 number")
	}

	return nil
}
