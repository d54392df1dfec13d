package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`

	EncryptionKey          string `mapstructure:"MEDICAL_DATA_ENCRYPTION_KEY"`
	EncryptionKeyVersion   int    `mapstructure:"MEDICAL_DATA_KEY_VERSION"`
	PreviousEncryptionKeys string `mapstructure:"MEDICAL_DATA_PREVIOUS_KEYS"`

	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	SentryDSN           string `mapstructure:"SENTRY_DSN"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	ReminderTime     string `mapstructure:"REMINDER_TIME"`
	ReminderLeadDays int    `mapstructure:"REMINDER_LEAD_DAYS"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_JWT_SECRET",
	"MEDICAL_DATA_ENCRYPTION_KEY", "MEDICAL_DATA_KEY_VERSION", "MEDICAL_DATA_PREVIOUS_KEYS",
	"STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET", "SENTRY_DSN",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REMINDER_TIME", "REMINDER_LEAD_DAYS",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
}

func Load() (*Config, error) {
	// Values already present in the environment win over .env.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("MEDICAL_DATA_KEY_VERSION", 1)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REMINDER_TIME", "09:00")
	v.SetDefault("REMINDER_LEAD_DAYS", 3)
	v.SetDefault("SMTP_PORT", 587)

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
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

// PreviousKeys parses MEDICAL_DATA_PREVIOUS_KEYS ("2:hex,1:hex") into a
// version to hex-key map.
func (c *Config) PreviousKeys() (map[int]string, error) {
	keys := make(map[int]string)
	if strings.TrimSpace(c.PreviousEncryptionKeys) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(c.PreviousEncryptionKeys, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("MEDICAL_DATA_PREVIOUS_KEYS: malformed entry %q", pair)
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("MEDICAL_DATA_PREVIOUS_KEYS: invalid version %q", parts[0])
		}
		if version == c.EncryptionKeyVersion {
			return nil, fmt.Errorf("MEDICAL_DATA_PREVIOUS_KEYS: version %d is the current key version", version)
		}
		if err := validateHexKey(parts[1]); err != nil {
			return nil, fmt.Errorf("MEDICAL_DATA_PREVIOUS_KEYS v%d: %w", version, err)
		}
		keys[version] = parts[1]
	}
	return keys, nil
}

// Validate checks that the configuration is safe to run. Production requires
// an encryption key, a token verification source and both Stripe secrets.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EncryptionKey == "" {
			return fmt.Errorf("MEDICAL_DATA_ENCRYPTION_KEY is required in production")
		}
		if c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWT_SECRET or AUTH_JWKS_URL is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
	}

	if c.EncryptionKey != "" {
		if err := validateHexKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("MEDICAL_DATA_ENCRYPTION_KEY %w", err)
		}
	}
	if c.EncryptionKeyVersion <= 0 {
		return fmt.Errorf("MEDICAL_DATA_KEY_VERSION must be positive, got %d", c.EncryptionKeyVersion)
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if _, err := parseClock(c.ReminderTime); err != nil {
		return fmt.Errorf("REMINDER_TIME: %w", err)
	}
	if c.ReminderLeadDays < 1 {
		return fmt.Errorf("REMINDER_LEAD_DAYS must be at least 1, got %d", c.ReminderLeadDays)
	}

	return nil
}

func validateHexKey(key string) error {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return fmt.Errorf("is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return nil
}

// parseClock validates an "HH:MM" time of day.
func parseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
