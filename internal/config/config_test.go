package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BackendHost:         "127.0.0.1",
		BackendPort:         7655,
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_123",
		ReconcileInterval:   time.Hour,
		Environment:         "development",
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateMissingSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.StripeSecretKey = ""
	assert.ErrorContains(t, cfg.Validate(), "STRIPE_SECRET_KEY")

	cfg = validConfig()
	cfg.StripeWebhookSecret = ""
	assert.ErrorContains(t, cfg.Validate(), "STRIPE_WEBHOOK_SECRET")
}

func TestValidatePort(t *testing.T) {
	cfg := validConfig()
	cfg.BackendPort = 0
	assert.Error(t, cfg.Validate())

	cfg.BackendPort = 70000
	assert.Error(t, cfg.Validate())
}

func TestValidateProductionRequiresFiscalSponsor(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "production"
	assert.ErrorContains(t, cfg.Validate(), "STRIPE_FISCAL_SPONSOR_ACCOUNT_ID")

	cfg.FiscalSponsorAccountID = "acct_sponsor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateReconcileInterval(t *testing.T) {
	cfg := validConfig()
	cfg.ReconcileInterval = 10 * time.Second
	assert.ErrorContains(t, cfg.Validate(), "RECONCILE_INTERVAL")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_env")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("ENTITLEMENTS_PORT", "8090")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9092,")
	t.Setenv("RECONCILE_INTERVAL", "30m")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STRIPE_FISCAL_SPONSOR_ACCOUNT_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk_test_env", cfg.StripeSecretKey)
	assert.Equal(t, 8090, cfg.BackendPort)
	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileInterval)
	assert.False(t, cfg.IsProduction())
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("ENTITLEMENTS_PORT", "not-a-number")
	assert.Equal(t, 7655, envIntOr("ENTITLEMENTS_PORT", 7655))

	t.Setenv("RECONCILE_INTERVAL", "soon")
	assert.Equal(t, time.Hour, envDurationOr("RECONCILE_INTERVAL", time.Hour))
}
