package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the unified runtime configuration for the entitlement service.
type Config struct {
	// Server
	BackendHost string
	BackendPort int

	// Logging
	LogLevel  string
	LogFormat string

	// Persistence
	DataDir string

	// Stripe
	StripeSecretKey        string
	StripeWebhookSecret    string
	FiscalSponsorAccountID string // donations route here in production
	StripeTimeout          time.Duration

	// Platform backend (membership gateway)
	PlatformBaseURL   string
	PlatformAuthToken string

	// Side-effect queue
	KafkaBrokers []string // empty = in-process dispatcher
	KafkaTopic   string

	// Reconciliation
	ReconcileInterval time.Duration

	// Environment: "production" enforces fiscal sponsor routing
	Environment string
}

// Load reads configuration from the environment, with an optional .env file
// for development setups.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		BackendHost:            envOr("ENTITLEMENTS_HOST", "0.0.0.0"),
		BackendPort:            envIntOr("ENTITLEMENTS_PORT", 7655),
		LogLevel:               envOr("LOG_LEVEL", "info"),
		LogFormat:              envOr("LOG_FORMAT", "auto"),
		DataDir:                envOr("ENTITLEMENTS_DATA_DIR", "/var/lib/entitlements"),
		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		FiscalSponsorAccountID: os.Getenv("STRIPE_FISCAL_SPONSOR_ACCOUNT_ID"),
		StripeTimeout:          envDurationOr("STRIPE_TIMEOUT", 15*time.Second),
		PlatformBaseURL:        os.Getenv("PLATFORM_BASE_URL"),
		PlatformAuthToken:      os.Getenv("PLATFORM_AUTH_TOKEN"),
		KafkaTopic:             envOr("KAFKA_JOBS_TOPIC", "entitlement-jobs"),
		ReconcileInterval:      envDurationOr("RECONCILE_INTERVAL", 6*time.Hour),
		Environment:            envOr("ENVIRONMENT", "development"),
	}

	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and invariant combinations.
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid port %d", c.BackendPort)
	}
	if c.IsProduction() && c.FiscalSponsorAccountID == "" {
		// Donations must reach the fiscal sponsor account for
		// tax-deductible processing; refuse to start without it.
		return fmt.Errorf("STRIPE_FISCAL_SPONSOR_ACCOUNT_ID is required in production")
	}
	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("RECONCILE_INTERVAL %s is below the 1m minimum", c.ReconcileInterval)
	}
	return nil
}

// IsProduction reports whether the service runs with production routing rules.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
