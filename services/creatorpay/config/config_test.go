package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "creatorpay.yaml", `
listen: ":9090"
processor:
  api_key: sk_test_123
  timeout: 4s
webhooks:
  secret: whsec_abc
accounts:
  state_secret: 0123456789abcdef
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, 4*time.Second, cfg.Processor.Timeout.Duration)
	require.Equal(t, 3, cfg.Processor.MaxAttempts)
	require.EqualValues(t, 50, cfg.Payments.MinimumChargeMinor)
	require.EqualValues(t, 2500, cfg.Payouts.MinimumPayoutMinor)
	require.Equal(t, 7*24*time.Hour, cfg.HoldingPeriod())
	require.Equal(t, []string{"US", "CA", "GB", "AU", "DE", "FR", "JP"}, cfg.Accounts.SupportedCountries)
	require.EqualValues(t, 1499, cfg.Payments.Tiers["premium"])
	require.Equal(t, 5*time.Minute, cfg.Webhooks.Tolerance.Duration)
	require.Equal(t, 72*time.Hour, cfg.Webhooks.OrphanAfter.Duration)
	require.Empty(t, cfg.CORS.AllowedOrigins)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "creatorpay.toml", `
listen = ":7070"

[processor]
api_key = "sk_test_toml"
max_backoff = "2s"

[webhooks]
secret = "whsec_toml"

[accounts]
state_secret = "0123456789abcdef"

[payouts]
minimum_payout_minor = 5000

[cors]
allowed_origins = ["https://creator.example"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, 2*time.Second, cfg.Processor.MaxBackoff.Duration)
	require.EqualValues(t, 5000, cfg.Payouts.MinimumPayoutMinor)
	require.Equal(t, []string{"https://creator.example"}, cfg.CORS.AllowedOrigins)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "creatorpay.yaml", `
processor:
  api_key: sk_file
webhooks:
  secret: whsec_file
accounts:
  state_secret: 0123456789abcdef
`)
	t.Setenv("CREATORPAY_PROCESSOR_API_KEY", "sk_env")
	t.Setenv("CREATORPAY_MIN_PAYOUT_MINOR", "3000")
	t.Setenv("CREATORPAY_HOLDING_PERIOD_DAYS", "3")
	t.Setenv("CREATORPAY_SUPPORTED_COUNTRIES", "us, gb")
	t.Setenv("CREATORPAY_DATABASE_URL", "postgres://localhost/creatorpay")
	t.Setenv("CREATORPAY_CORS_ALLOWED_ORIGINS", "https://Creator.example, https://fans.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "sk_env", cfg.Processor.APIKey)
	require.EqualValues(t, 3000, cfg.Payouts.MinimumPayoutMinor)
	require.Equal(t, 3*24*time.Hour, cfg.HoldingPeriod())
	require.Equal(t, []string{"US", "GB"}, cfg.Accounts.SupportedCountries)
	require.Equal(t, "postgres://localhost/creatorpay", cfg.Database.URL)
	require.Equal(t, []string{"https://Creator.example", "https://fans.example"}, cfg.CORS.AllowedOrigins)

	t.Setenv("CREATORPAY_MIN_CHARGE_MINOR", "fifty")
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidationRequiresSecrets(t *testing.T) {
	_, err := Load(writeFile(t, "a.yaml", "webhooks:\n  secret: x\naccounts:\n  state_secret: 0123456789abcdef\n"))
	require.ErrorContains(t, err, "api_key")

	_, err = Load(writeFile(t, "b.yaml", "processor:\n  api_key: sk\naccounts:\n  state_secret: 0123456789abcdef\n"))
	require.ErrorContains(t, err, "webhook secret")

	_, err = Load(writeFile(t, "c.yaml", "processor:\n  fake: true\nwebhooks:\n  secret: x\naccounts:\n  state_secret: short\n"))
	require.ErrorContains(t, err, "state_secret")

	cfg, err := Load(writeFile(t, "d.yaml", "processor:\n  fake: true\nwebhooks:\n  secret: x\naccounts:\n  state_secret: 0123456789abcdef\n"))
	require.NoError(t, err)
	require.True(t, cfg.Processor.Fake)
}

func TestAdminTokenFile(t *testing.T) {
	tokenPath := writeFile(t, "token", "  s3cret\n")
	path := writeFile(t, "creatorpay.yml", `
processor:
  api_key: sk
webhooks:
  secret: whsec
accounts:
  state_secret: 0123456789abcdef
admin:
  bearer_token_file: `+tokenPath+`
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Admin.BearerToken)
}

func TestComposeSampleLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "deploy", "compose", "creatorpay.yaml"))
	require.NoError(t, err)
	require.True(t, cfg.Processor.Fake)
	require.True(t, cfg.Recon.Enabled)
	require.EqualValues(t, 500, cfg.Transfers.FeeBasisPoints)
	require.Equal(t, 24*time.Hour, cfg.Recon.Window.Duration)
}
