package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
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

// Config captures the runtime configuration for proofworkd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	Environment   string `yaml:"environment"`
	PublicBaseURL string `yaml:"public_base_url"`

	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Payout    PayoutConfig    `yaml:"payout"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Origins   OriginsConfig   `yaml:"origins"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Limits    LimitsConfig    `yaml:"limits"`
	Quotas    QuotaConfig     `yaml:"quotas"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Verification VerificationConfig `yaml:"verification"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Retention    RetentionConfig    `yaml:"retention"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuthConfig carries token peppers and session secrets per audience.
type AuthConfig struct {
	TokenPepper          string   `yaml:"token_pepper"`
	SessionSecret        string   `yaml:"session_secret"`
	AdminTokens          []string `yaml:"admin_tokens"`
	VerifierTokens       []string `yaml:"verifier_tokens"`
	SessionTTL           Duration `yaml:"session_ttl"`
	AllowLegacyTokenHash bool     `yaml:"allow_legacy_token_hash"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend          string   `yaml:"backend"` // local | s3
	LocalRoot        string   `yaml:"local_root"`
	Endpoint         string   `yaml:"endpoint"`
	StagingBucket    string   `yaml:"staging_bucket"`
	CleanBucket      string   `yaml:"clean_bucket"`
	QuarantineBucket string   `yaml:"quarantine_bucket"`
	SigningSecret    string   `yaml:"signing_secret"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
	PresignTTL       Duration `yaml:"presign_ttl"`
}

// ScannerConfig points at the optional streaming AV engine.
type ScannerConfig struct {
	Engine  string   `yaml:"engine"` // none | clamav
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout"`
}

// PayoutConfig selects the payment provider and platform economics.
type PayoutConfig struct {
	Provider        string   `yaml:"provider"` // mock | http | evmsplit
	ProviderURL     string   `yaml:"provider_url"`
	ProviderKey     string   `yaml:"provider_key"`
	ProofworkFeeBps int      `yaml:"proofwork_fee_bps"`
	MaxPlatformBps  int      `yaml:"max_platform_fee_bps"`
	ProviderTimeout Duration `yaml:"provider_timeout"`

	EVMRPCEndpoint string `yaml:"evm_rpc_endpoint"`
	EVMPrivateKey  string `yaml:"evm_private_key"`
	EVMChainID     int64  `yaml:"evm_chain_id"`
	EVMWeiPerCent  string `yaml:"evm_wei_per_cent"`
}

// WebhookConfig secures the billing top-up webhook.
type WebhookConfig struct {
	Secret    string   `yaml:"secret"`
	Tolerance Duration `yaml:"tolerance"`
	NoncePath string   `yaml:"nonce_path"`
}

// OriginsConfig controls origin attestation fetches.
type OriginsConfig struct {
	DNSTimeout    Duration `yaml:"dns_timeout"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
	MaxFetchBytes int64    `yaml:"max_fetch_bytes"`
	AllowPrivate  bool     `yaml:"allow_private"`
	Resolver      string   `yaml:"resolver"`
}

// OutboxConfig tunes the dispatcher loops.
type OutboxConfig struct {
	Dispatchers       int      `yaml:"dispatchers"`
	BatchSize         int      `yaml:"batch_size"`
	PollInterval      Duration `yaml:"poll_interval"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffCap        Duration `yaml:"backoff_cap"`
	MaxAttempts       int      `yaml:"max_attempts"`
}

// LimitsConfig carries ingress rate limits per route class.
type LimitsConfig struct {
	Global RouteLimit            `yaml:"global"`
	Routes map[string]RouteLimit `yaml:"routes"`
}

// RouteLimit is requests-per-minute with a burst allowance. Shared routes
// also debit a bucket persisted in the database, so the budget survives
// restarts and spans instances.
type RouteLimit struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
	Shared    bool    `yaml:"shared"`
}

// QuotaConfig sets default org quotas; zero means unlimited.
type QuotaConfig struct {
	DailySpendLimitCents   int64 `yaml:"daily_spend_limit_cents"`
	MonthlySpendLimitCents int64 `yaml:"monthly_spend_limit_cents"`
	MaxOpenJobs            int   `yaml:"max_open_jobs"`
}

// VerificationConfig bounds the verification state machine.
type VerificationConfig struct {
	MaxAttempts         int      `yaml:"max_attempts"`
	CountFailedAttempts bool     `yaml:"count_failed_attempts"`
	ClaimTTLMin         Duration `yaml:"claim_ttl_min"`
	ClaimTTLMax         Duration `yaml:"claim_ttl_max"`
}

// AdmissionConfig carries the backpressure thresholds for jobs/next.
type AdmissionConfig struct {
	MaxVerifierBacklog    int      `yaml:"max_verifier_backlog"`
	MaxVerifierBacklogAge Duration `yaml:"max_verifier_backlog_age"`
	MaxOutboxPendingAge   Duration `yaml:"max_outbox_pending_age"`
	MaxArtifactScanAge    Duration `yaml:"max_artifact_scan_age"`
}

// RetentionConfig sets the default artifact TTL.
type RetentionConfig struct {
	DefaultTTLDays int      `yaml:"default_ttl_days"`
	SweepInterval  Duration `yaml:"sweep_interval"`
}

// TelemetryConfig wires the optional OTLP exporters. Headers ride on every
// export request, typically carrying the collector's auth token.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Traces   bool              `yaml:"traces"`
	Metrics  bool              `yaml:"metrics"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used before a file is applied.
func Default() *Config {
	return &Config{
		ListenAddress: ":8080",
		Environment:   "development",
		Database:      DatabaseConfig{Driver: "sqlite", DSN: "file:proofwork.db"},
		Logging:       LoggingConfig{Level: "info"},
		Auth: AuthConfig{
			SessionTTL: Duration{12 * time.Hour},
		},
		Storage: StorageConfig{
			Backend:          "local",
			LocalRoot:        "data/artifacts",
			StagingBucket:    "proofwork-staging",
			CleanBucket:      "proofwork-clean",
			QuarantineBucket: "proofwork-quarantine",
			MaxUploadBytes:   64 << 20,
			PresignTTL:       Duration{15 * time.Minute},
		},
		Scanner: ScannerConfig{Engine: "none", Timeout: Duration{2 * time.Minute}},
		Payout: PayoutConfig{
			Provider:        "mock",
			ProofworkFeeBps: 100,
			MaxPlatformBps:  2000,
			ProviderTimeout: Duration{10 * time.Second},
		},
		Webhook: WebhookConfig{Tolerance: Duration{5 * time.Minute}, NoncePath: "data/webhook-nonces"},
		Origins: OriginsConfig{
			DNSTimeout:    Duration{5 * time.Second},
			FetchTimeout:  Duration{10 * time.Second},
			MaxFetchBytes: 64 << 10,
		},
		Outbox: OutboxConfig{
			Dispatchers:       2,
			BatchSize:         16,
			PollInterval:      Duration{time.Second},
			VisibilityTimeout: Duration{2 * time.Minute},
			BackoffBase:       Duration{2 * time.Second},
			BackoffCap:        Duration{10 * time.Minute},
			MaxAttempts:       8,
		},
		Limits: LimitsConfig{
			Global: RouteLimit{PerMinute: 600, Burst: 60},
			Routes: map[string]RouteLimit{
				"jobs_next": {PerMinute: 120, Burst: 20},
				"submit":    {PerMinute: 60, Burst: 10},
				"presign":   {PerMinute: 60, Burst: 10},
				"register":  {PerMinute: 10, Burst: 3, Shared: true},
				"webhook":   {PerMinute: 120, Burst: 30, Shared: true},
			},
		},
		Verification: VerificationConfig{
			MaxAttempts: 3,
			ClaimTTLMin: Duration{60 * time.Second},
			ClaimTTLMax: Duration{2 * time.Hour},
		},
		Admission: AdmissionConfig{
			MaxVerifierBacklog:    500,
			MaxVerifierBacklogAge: Duration{30 * time.Minute},
			MaxOutboxPendingAge:   Duration{15 * time.Minute},
			MaxArtifactScanAge:    Duration{30 * time.Minute},
		},
		Retention: RetentionConfig{DefaultTTLDays: 30, SweepInterval: Duration{time.Minute}},
	}
}

// Production reports whether the config runs with production hardening.
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Validate fails closed: production refuses missing or dev-default secrets.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database dsn required")
	}
	if c.Payout.ProofworkFeeBps < 0 || c.Payout.ProofworkFeeBps > 10_000 {
		return fmt.Errorf("proofwork fee bps out of range")
	}
	if c.Payout.MaxPlatformBps < 0 || c.Payout.MaxPlatformBps > 10_000 {
		return fmt.Errorf("max platform fee bps out of range")
	}
	if !c.Production() {
		return nil
	}
	if weakSecret(c.Auth.TokenPepper) {
		return fmt.Errorf("auth.token_pepper must be set in production")
	}
	if weakSecret(c.Auth.SessionSecret) {
		return fmt.Errorf("auth.session_secret must be set in production")
	}
	if weakSecret(c.Webhook.Secret) {
		return fmt.Errorf("webhook.secret must be set in production")
	}
	if c.Storage.Backend == "s3" && weakSecret(c.Storage.SigningSecret) {
		return fmt.Errorf("storage.signing_secret must be set in production")
	}
	if c.Payout.Provider == "http" && weakSecret(c.Payout.ProviderKey) {
		return fmt.Errorf("payout.provider_key must be set in production")
	}
	for _, tok := range c.Auth.AdminTokens {
		if weakSecret(tok) {
			return fmt.Errorf("auth.admin_tokens contains a weak token")
		}
	}
	return nil
}

func weakSecret(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 16 {
		return true
	}
	switch strings.ToLower(s) {
	case "changeme", "devsecret", "insecure-dev-secret":
		return true
	}
	return false
}
