package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/kodisha/billing/internal/daraja"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ServerPort string
	LogLevel   string
	LogFormat  string

	// Database configuration
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// Redis configuration
	RedisURL string

	// Gateway credentials
	DarajaConsumerKey    string
	DarajaConsumerSecret string
	DarajaEnvironment    string
	DarajaCallbackURL    string
	PaybillShortCode     string
	PaybillPasskey       string
	TillNumber           string
	TillPasskey          string

	// Notification dispatch
	NotifyURL    string
	NotifySecret string

	// Security settings
	InternalSecret string
	GatewayIPs     []string
	MaxRequestSize int64

	// Worker settings
	WorkerConcurrency int
}

// Load reads configuration from the environment and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		ServerPort: valueOrDefault(k.String("BILLING_SERVER_PORT"), "8080"),
		LogLevel:   valueOrDefault(k.String("BILLING_LOG_LEVEL"), "info"),
		LogFormat:  valueOrDefault(k.String("BILLING_LOG_FORMAT"), "json"),

		DatabaseURL: k.String("BILLING_DATABASE_URL"),
		DBMaxConns:  intOrDefault(k, "BILLING_DB_MAX_CONNS", 25),
		DBMinConns:  intOrDefault(k, "BILLING_DB_MIN_CONNS", 5),

		RedisURL: k.String("BILLING_REDIS_URL"),

		DarajaConsumerKey:    k.String("BILLING_DARAJA_CONSUMER_KEY"),
		DarajaConsumerSecret: k.String("BILLING_DARAJA_CONSUMER_SECRET"),
		DarajaEnvironment:    valueOrDefault(k.String("BILLING_DARAJA_ENVIRONMENT"), "sandbox"),
		DarajaCallbackURL:    k.String("BILLING_DARAJA_CALLBACK_URL"),
		PaybillShortCode:     k.String("BILLING_PAYBILL_SHORTCODE"),
		PaybillPasskey:       k.String("BILLING_PAYBILL_PASSKEY"),
		TillNumber:           k.String("BILLING_TILL_NUMBER"),
		TillPasskey:          k.String("BILLING_TILL_PASSKEY"),

		NotifyURL:    k.String("BILLING_NOTIFY_URL"),
		NotifySecret: k.String("BILLING_NOTIFY_SECRET"),

		InternalSecret: k.String("BILLING_INTERNAL_SECRET"),
		GatewayIPs:     splitAndTrim(k.String("BILLING_GATEWAY_IPS")),
		MaxRequestSize: int64OrDefault(k, "BILLING_MAX_REQUEST_SIZE", 1<<20),

		WorkerConcurrency: intOrDefault(k, "BILLING_WORKER_CONCURRENCY", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures required configuration is present. Gateway credential
// pairs are deliberately optional: with neither configured the engine boots
// fail-closed and rejects every initiation, rather than crashing at startup.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("BILLING_DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("BILLING_REDIS_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("BILLING_INTERNAL_SECRET is required")
	}
	if (c.PaybillShortCode == "") != (c.PaybillPasskey == "") {
		return fmt.Errorf("BILLING_PAYBILL_SHORTCODE and BILLING_PAYBILL_PASSKEY must be set together")
	}
	if (c.TillNumber == "") != (c.TillPasskey == "") {
		return fmt.Errorf("BILLING_TILL_NUMBER and BILLING_TILL_PASSKEY must be set together")
	}
	if c.PaybillShortCode != "" || c.TillNumber != "" {
		if c.DarajaConsumerKey == "" || c.DarajaConsumerSecret == "" {
			return fmt.Errorf("BILLING_DARAJA_CONSUMER_KEY and BILLING_DARAJA_CONSUMER_SECRET are required when a merchant identity is configured")
		}
		if c.DarajaCallbackURL == "" {
			return fmt.Errorf("BILLING_DARAJA_CALLBACK_URL is required (public URL for callbacks)")
		}
	}
	if env := c.DarajaEnvironment; env != "sandbox" && env != "production" {
		return fmt.Errorf("BILLING_DARAJA_ENVIRONMENT must be sandbox or production, got %q", env)
	}

	return nil
}

// Daraja assembles the gateway configuration. An unset credential pair
// leaves the corresponding mode nil, which disables it.
func (c *Config) Daraja() daraja.Config {
	cfg := daraja.Config{
		ConsumerKey:    c.DarajaConsumerKey,
		ConsumerSecret: c.DarajaConsumerSecret,
		Environment:    daraja.Environment(c.DarajaEnvironment),
		CallbackURL:    c.DarajaCallbackURL,
	}
	if c.PaybillShortCode != "" {
		cfg.Paybill = &daraja.Credential{ShortCode: c.PaybillShortCode, Passkey: c.PaybillPasskey}
	}
	if c.TillNumber != "" {
		cfg.Till = &daraja.Credential{ShortCode: c.TillNumber, Passkey: c.TillPasskey}
	}
	return cfg
}

// MaskedDatabaseURL hides credentials for startup logging.
func (c *Config) MaskedDatabaseURL() string {
	return maskConnectionString(c.DatabaseURL)
}

// MaskedRedisURL hides credentials for startup logging.
func (c *Config) MaskedRedisURL() string {
	return maskConnectionString(c.RedisURL)
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func intOrDefault(k *koanf.Koanf, key string, fallback int) int {
	if v := k.Int(key); v > 0 {
		return v
	}
	return fallback
}

func int64OrDefault(k *koanf.Koanf, key string, fallback int64) int64 {
	if v := k.Int64(key); v > 0 {
		return v
	}
	return fallback
}

func splitAndTrim(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
