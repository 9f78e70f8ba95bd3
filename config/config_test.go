package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.Production())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 100, cfg.Payout.ProofworkFeeBps)
	require.Equal(t, 3, cfg.Verification.MaxAttempts)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
database:
  driver: postgres
  dsn: "host=localhost dbname=proofwork"
outbox:
  poll_interval: 250ms
verification:
  claim_ttl_max: 1h
telemetry:
  endpoint: "collector.internal:4318"
  traces: true
  headers:
    authorization: "Bearer otlp-token"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddress)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval.Duration)
	require.Equal(t, time.Hour, cfg.Verification.ClaimTTLMax.Duration)
	require.Equal(t, map[string]string{"authorization": "Bearer otlp-token"}, cfg.Telemetry.Headers)
	// Untouched sections keep defaults.
	require.Equal(t, 8, cfg.Outbox.MaxAttempts)
	require.Equal(t, int64(64<<20), cfg.Storage.MaxUploadBytes)
	require.True(t, cfg.Limits.Routes["register"].Shared)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "outbox:\n  poll_interval: soon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateDriverAndFees(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.DSN = " "
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Payout.ProofworkFeeBps = 10_001
	require.Error(t, cfg.Validate())
}

func TestProductionRequiresStrongSecrets(t *testing.T) {
	cfg := Default()
	cfg.Environment = "production"
	require.Error(t, cfg.Validate())

	cfg.Auth.TokenPepper = "long-enough-pepper-value"
	cfg.Auth.SessionSecret = "long-enough-session-value"
	cfg.Webhook.Secret = "long-enough-webhook-value"
	require.NoError(t, cfg.Validate())

	cfg.Auth.AdminTokens = []string{"short"}
	require.Error(t, cfg.Validate())

	cfg.Auth.AdminTokens = []string{"an-acceptably-long-admin-token"}
	cfg.Payout.Provider = "http"
	require.Error(t, cfg.Validate())
	cfg.Payout.ProviderKey = "an-acceptably-long-provider-key"
	require.NoError(t, cfg.Validate())
}
