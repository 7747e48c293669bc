package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// TestDefaults verifies the server boots with safe values when nothing is set.
func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(nil)))

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL, "empty DATABASE_URL selects lite mode")
	assert.Equal(t, 5*time.Minute, cfg.Auth.TTL)
	assert.Equal(t, "sql", cfg.Auth.NonceStore)
	assert.Equal(t, int64(6600), cfg.Payout.StakersBps)
	assert.Equal(t, int64(1900), cfg.Payout.AuthorsBps)
	assert.Equal(t, 10*time.Second, cfg.Chain.Timeout)
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"PORT":                "9090",
		"DATABASE_URL":        "postgres://payout:secret@db:5432/payout",
		"PAYOUTD_HMAC_SECRET": "s3cret",
		"AUTH_TTL":            "90s",
		"NONCE_STORE":         "redis",
		"REDIS_ADDR":          "redis:6379",
		"DISTRIBUTOR_ADDRESS": "0x00000000000000000000000000000000000000aa",
		"RECONCILE_MAX_AGE":   "15m",
		"MAX_STAKERS":         "3",
		"STAKERS_BPS":         "5000",
		"WORKER_BATCH":        "25",
		"OTEL_ENABLED":        "true",
		"PAYOUTD_URL":         "http://payoutd:8080",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	assert.Equal(t, 90*time.Second, cfg.Auth.TTL)
	assert.Equal(t, "redis", cfg.Auth.NonceStore)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.MaxAge)
	assert.Equal(t, 3, cfg.Payout.MaxStakers)
	assert.Equal(t, int64(5000), cfg.Payout.StakersBps)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "http://payoutd:8080", cfg.Client.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_ReportsEveryBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"AUTH_TTL":    "five minutes",
		"MAX_AUTHORS": "many",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_TTL")
	assert.Contains(t, err.Error(), "MAX_AUTHORS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing secret", func(c *Config) { c.Auth.HMACSecret = "" }, "PAYOUTD_HMAC_SECRET"},
		{"unknown nonce store", func(c *Config) { c.Auth.NonceStore = "etcd" }, "nonce store"},
		{"redis without addr", func(c *Config) { c.Auth.NonceStore = "redis" }, "REDIS_ADDR"},
		{"split over 100%", func(c *Config) { c.Payout.StakersBps = 9000 }, "bucket split"},
		{"zero batch", func(c *Config) { c.Worker.BatchSize = 0 }, "batch size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.HMACSecret = "k"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	assert.ErrorIs(t, cfg.Validate(), ErrSecretRequired)
}

func TestLoadFile_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payoutd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7070"
auth:
  hmac_secret: from-file
  ttl: 2m
payout:
  max_stakers: 10
  stakers_bps: 7000
  authors_bps: 2000
worker:
  lease_ttl: 30s
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.Auth.TTL)
	assert.Equal(t, 10, cfg.Payout.MaxStakers)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseTTL)
	assert.Equal(t, 50, cfg.Payout.MaxAuthors, "unset keys keep defaults")

	t.Setenv("PAYOUTD_CONFIG", path)
	t.Setenv("PORT", "6060")
	t.Setenv("PAYOUTD_HMAC_SECRET", "")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, "from-file", cfg.Auth.HMACSecret)
	assert.NotEmpty(t, cfg.Worker.ID)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
