// Package config loads creatorpay settings from a YAML or TOML file with
// CREATORPAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support human readable values in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings such as "30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses duration strings; TOML decoding goes through here.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration for TOML output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration for creatorpayd.
type Config struct {
	Service       string          `yaml:"service" toml:"service"`
	Env           string          `yaml:"env" toml:"env"`
	Listen        string          `yaml:"listen" toml:"listen"`
	PublicBaseURL string          `yaml:"public_base_url" toml:"public_base_url"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	Processor     ProcessorConfig `yaml:"processor" toml:"processor"`
	Webhooks      WebhookConfig   `yaml:"webhooks" toml:"webhooks"`
	Accounts      AccountsConfig  `yaml:"accounts" toml:"accounts"`
	Payments      PaymentsConfig  `yaml:"payments" toml:"payments"`
	Transfers     TransfersConfig `yaml:"transfers" toml:"transfers"`
	Payouts       PayoutsConfig   `yaml:"payouts" toml:"payouts"`
	Idempotency   IdemConfig      `yaml:"idempotency" toml:"idempotency"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	CORS          CORSConfig      `yaml:"cors" toml:"cors"`
	Recon         ReconConfig     `yaml:"recon" toml:"recon"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	URL          string `yaml:"url" toml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// ProcessorConfig configures the outbound processor client.
type ProcessorConfig struct {
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	APIKeyFile  string   `yaml:"api_key_file" toml:"api_key_file"`
	Fake        bool     `yaml:"fake" toml:"fake"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff" toml:"max_backoff"`
	RateLimit   float64  `yaml:"rate_limit" toml:"rate_limit"`
	Burst       int      `yaml:"burst" toml:"burst"`
}

// WebhookConfig configures signature verification.
type WebhookConfig struct {
	Secret    string   `yaml:"secret" toml:"secret"`
	Tolerance Duration `yaml:"tolerance" toml:"tolerance"`
	// OrphanAfter is how long events naming an unknown intent or account
	// are refused for redelivery before being acknowledged.
	OrphanAfter Duration `yaml:"orphan_after" toml:"orphan_after"`
}

// AccountsConfig configures connected account onboarding.
type AccountsConfig struct {
	SupportedCountries []string `yaml:"supported_countries" toml:"supported_countries"`
	StateSecret        string   `yaml:"state_secret" toml:"state_secret"`
	StateTTL           Duration `yaml:"state_ttl" toml:"state_ttl"`
	ReturnURL          string   `yaml:"return_url" toml:"return_url"`
	VerifyMX           bool     `yaml:"verify_mx" toml:"verify_mx"`
	Resolver           string   `yaml:"resolver" toml:"resolver"`
}

// PaymentsConfig bounds intent creation.
type PaymentsConfig struct {
	MinimumChargeMinor int64            `yaml:"minimum_charge_minor" toml:"minimum_charge_minor"`
	Tiers              map[string]int64 `yaml:"tiers" toml:"tiers"`
}

// TransfersConfig controls forwarding of succeeded tips.
type TransfersConfig struct {
	AutoOnSuccess  bool  `yaml:"auto_on_success" toml:"auto_on_success"`
	FeeBasisPoints int64 `yaml:"fee_basis_points" toml:"fee_basis_points"`
}

// PayoutsConfig bounds payout requests.
type PayoutsConfig struct {
	MinimumPayoutMinor int64  `yaml:"minimum_payout_minor" toml:"minimum_payout_minor"`
	HoldingPeriodDays  int    `yaml:"holding_period_days" toml:"holding_period_days"`
	Currency           string `yaml:"currency" toml:"currency"`
	PauseOnStart       bool   `yaml:"pause" toml:"pause"`
}

// IdemConfig configures idempotency reservations.
type IdemConfig struct {
	Lease Duration `yaml:"lease" toml:"lease"`
}

// RateLimitConfig throttles inbound requests per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps" toml:"rps"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// AdminConfig secures the operator routes.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
}

// CORSConfig lists the browser origins allowed on the API routes. An empty
// list allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ReconConfig schedules the nightly reconciliation.
type ReconConfig struct {
	Enabled             bool     `yaml:"enabled" toml:"enabled"`
	OutputDir           string   `yaml:"output_dir" toml:"output_dir"`
	RunHour             int      `yaml:"run_hour" toml:"run_hour"`
	RunMinute           int      `yaml:"run_minute" toml:"run_minute"`
	Window              Duration `yaml:"window" toml:"window"`
	TransferSettleGrace Duration `yaml:"transfer_settle_grace" toml:"transfer_settle_grace"`
	PayoutGrace         Duration `yaml:"payout_grace" toml:"payout_grace"`
}

// LoggingConfig adds optional rotated file output.
type LoggingConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// HoldingPeriod is the payout holding period.
func (c Config) HoldingPeriod() time.Duration {
	return time.Duration(c.Payouts.HoldingPeriodDays) * 24 * time.Hour
}

// Load reads path (YAML or TOML by extension), applies environment overrides
// and defaults, and validates the result. An empty path loads from the
// environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := resolveSecrets(&cfg); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	case ".yaml", ".yml", "":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"CREATORPAY_PROCESSOR_API_KEY": &cfg.Processor.APIKey,
		"CREATORPAY_PROCESSOR_URL":     &cfg.Processor.BaseURL,
		"CREATORPAY_WEBHOOK_SECRET":    &cfg.Webhooks.Secret,
		"CREATORPAY_DATABASE_URL":      &cfg.Database.URL,
		"CREATORPAY_LISTEN":            &cfg.Listen,
		"CREATORPAY_PUBLIC_BASE_URL":   &cfg.PublicBaseURL,
		"CREATORPAY_ADMIN_TOKEN":       &cfg.Admin.BearerToken,
		"CREATORPAY_STATE_SECRET":      &cfg.Accounts.StateSecret,
		"CREATORPAY_ENV":               &cfg.Env,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	ints := map[string]*int64{
		"CREATORPAY_MIN_CHARGE_MINOR": &cfg.Payments.MinimumChargeMinor,
		"CREATORPAY_MIN_PAYOUT_MINOR": &cfg.Payouts.MinimumPayoutMinor,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
	}
	if v, ok := os.LookupEnv("CREATORPAY_HOLDING_PERIOD_DAYS"); ok && strings.TrimSpace(v) != "" {
		days, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CREATORPAY_HOLDING_PERIOD_DAYS: %w", err)
		}
		cfg.Payouts.HoldingPeriodDays = days
	}
	if v, ok := os.LookupEnv("CREATORPAY_SUPPORTED_COUNTRIES"); ok && strings.TrimSpace(v) != "" {
		cfg.Accounts.SupportedCountries = splitList(v)
	}
	if v, ok := os.LookupEnv("CREATORPAY_CORS_ALLOWED_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.CORS.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, origin)
			}
		}
	}
	if v, ok := os.LookupEnv("CREATORPAY_PROCESSOR_FAKE"); ok && strings.TrimSpace(v) != "" {
		fake, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CREATORPAY_PROCESSOR_FAKE: %w", err)
		}
		cfg.Processor.Fake = fake
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Service == "" {
		cfg.Service = "creatorpay"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:8080"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite://creatorpay.db"
	}
	if cfg.Processor.BaseURL == "" {
		cfg.Processor.BaseURL = "https://api.stripe.com"
	}
	if cfg.Processor.Timeout.Duration == 0 {
		cfg.Processor.Timeout.Duration = 10 * time.Second
	}
	if cfg.Processor.MaxAttempts <= 0 {
		cfg.Processor.MaxAttempts = 3
	}
	if cfg.Processor.BaseBackoff.Duration == 0 {
		cfg.Processor.BaseBackoff.Duration = 200 * time.Millisecond
	}
	if cfg.Processor.MaxBackoff.Duration == 0 {
		cfg.Processor.MaxBackoff.Duration = 5 * time.Second
	}
	if cfg.Processor.RateLimit == 0 {
		cfg.Processor.RateLimit = 25
	}
	if cfg.Processor.Burst <= 0 {
		cfg.Processor.Burst = 10
	}
	if cfg.Webhooks.Tolerance.Duration == 0 {
		cfg.Webhooks.Tolerance.Duration = 5 * time.Minute
	}
	if cfg.Webhooks.OrphanAfter.Duration == 0 {
		cfg.Webhooks.OrphanAfter.Duration = 72 * time.Hour
	}
	if len(cfg.Accounts.SupportedCountries) == 0 {
		cfg.Accounts.SupportedCountries = []string{"US", "CA", "GB", "AU", "DE", "FR", "JP"}
	}
	if cfg.Accounts.StateTTL.Duration == 0 {
		cfg.Accounts.StateTTL.Duration = 24 * time.Hour
	}
	if cfg.Accounts.Resolver == "" {
		cfg.Accounts.Resolver = "1.1.1.1:53"
	}
	if cfg.Payments.MinimumChargeMinor == 0 {
		cfg.Payments.MinimumChargeMinor = 50
	}
	if len(cfg.Payments.Tiers) == 0 {
		cfg.Payments.Tiers = map[string]int64{"basic": 499, "premium": 1499, "vip": 2999, "elite": 4999}
	}
	if cfg.Payouts.MinimumPayoutMinor == 0 {
		cfg.Payouts.MinimumPayoutMinor = 2500
	}
	if cfg.Payouts.HoldingPeriodDays == 0 {
		cfg.Payouts.HoldingPeriodDays = 7
	}
	if cfg.Payouts.Currency == "" {
		cfg.Payouts.Currency = "usd"
	}
	if cfg.Idempotency.Lease.Duration == 0 {
		cfg.Idempotency.Lease.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon"
	}
	if cfg.Recon.Window.Duration == 0 {
		cfg.Recon.Window.Duration = 24 * time.Hour
	}
	if cfg.Recon.TransferSettleGrace.Duration == 0 {
		cfg.Recon.TransferSettleGrace.Duration = 48 * time.Hour
	}
	if cfg.Recon.PayoutGrace.Duration == 0 {
		cfg.Recon.PayoutGrace.Duration = 48 * time.Hour
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 28
	}
}

func resolveSecrets(cfg *Config) error {
	if path := strings.TrimSpace(cfg.Admin.BearerTokenFile); path != "" && cfg.Admin.BearerToken == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read admin token file: %w", err)
		}
		cfg.Admin.BearerToken = strings.TrimSpace(string(data))
	}
	if path := strings.TrimSpace(cfg.Processor.APIKeyFile); path != "" && cfg.Processor.APIKey == "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read processor api key file: %w", err)
		}
		cfg.Processor.APIKey = strings.TrimSpace(string(data))
	}
	return nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Processor.APIKey) == "" && !cfg.Processor.Fake {
		return fmt.Errorf("processor api_key must be configured")
	}
	if strings.TrimSpace(cfg.Webhooks.Secret) == "" {
		return fmt.Errorf("webhook secret must be configured")
	}
	if len(cfg.Accounts.StateSecret) < 16 {
		return fmt.Errorf("accounts state_secret must be at least 16 bytes")
	}
	if cfg.Payments.MinimumChargeMinor < 1 {
		return fmt.Errorf("minimum_charge_minor must be positive")
	}
	if cfg.Payouts.MinimumPayoutMinor < 1 {
		return fmt.Errorf("minimum_payout_minor must be positive")
	}
	if cfg.Payouts.HoldingPeriodDays < 0 {
		return fmt.Errorf("holding_period_days must not be negative")
	}
	if cfg.Transfers.FeeBasisPoints < 0 || cfg.Transfers.FeeBasisPoints >= 10000 {
		return fmt.Errorf("fee_basis_points must be in [0, 10000)")
	}
	if cfg.Recon.RunHour < 0 || cfg.Recon.RunHour > 23 || cfg.Recon.RunMinute < 0 || cfg.Recon.RunMinute > 59 {
		return fmt.Errorf("recon run time must be a valid hour and minute")
	}
	for tier, price := range cfg.Payments.Tiers {
		if price < cfg.Payments.MinimumChargeMinor {
			return fmt.Errorf("tier %s price %d is below the minimum charge", tier, price)
		}
	}
	return nil
}
