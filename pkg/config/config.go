package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds payoutd configuration. It is passed explicitly to every
// component; nothing reads the environment after Load returns.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	Auth      AuthConfig      `yaml:"auth"`
	Chain     ChainConfig     `yaml:"chain"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Payout    PayoutConfig    `yaml:"payout"`
	Worker    WorkerConfig    `yaml:"worker"`
	HTTP      HTTPConfig      `yaml:"http"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Client    ClientConfig    `yaml:"client"`
}

// AuthConfig configures signed-request verification.
type AuthConfig struct {
	HMACSecret    string        `yaml:"hmac_secret"`
	TTL           time.Duration `yaml:"ttl"`
	AllowedSkew   time.Duration `yaml:"allowed_skew"`
	NonceStore    string        `yaml:"nonce_store"` // "memory" | "sql" | "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ChainConfig configures access to the distributor contract through the chain gateway.
type ChainConfig struct {
	GatewayURL         string        `yaml:"gateway_url"`
	DistributorAddress string        `yaml:"distributor_address"`
	SignerKey          string        `yaml:"signer_key"`
	Timeout            time.Duration `yaml:"timeout"`
}

// ReconcileConfig bounds how old a ready report may be before gates ignore it.
type ReconcileConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
}

// PayoutConfig holds recipient caps and the bucket split in basis points.
// The treasury bucket receives whatever the other buckets do not, including dust.
type PayoutConfig struct {
	MaxStakers int   `yaml:"max_stakers"`
	MaxAuthors int   `yaml:"max_authors"`
	StakersBps int64 `yaml:"stakers_bps"`
	AuthorsBps int64 `yaml:"authors_bps"`
}

// WorkerConfig configures the outbox submission worker.
type WorkerConfig struct {
	ID           string        `yaml:"id"`
	BatchSize    int           `yaml:"batch_size"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// HTTPConfig configures the request-serving edge.
type HTTPConfig struct {
	RateLimitRPS   int           `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// ArchiveConfig selects where month evidence bundles are stored.
type ArchiveConfig struct {
	StorageType string `yaml:"storage_type"` // "fs" | "s3" | "gcs"
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Prefix    string `yaml:"s3_prefix"`
	GCSBucket   string `yaml:"gcs_bucket"`
	GCSPrefix   string `yaml:"gcs_prefix"`
}

// TelemetryConfig toggles OpenTelemetry export.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// ClientConfig is used by CLI commands that call a running server.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:     "8080",
		LogLevel: "INFO",
		DataDir:  "data",
		Auth: AuthConfig{
			TTL:           5 * time.Minute,
			AllowedSkew:   30 * time.Second,
			NonceStore:    "sql",
			SweepInterval: time.Minute,
		},
		Chain: ChainConfig{
			Timeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			MaxAge: time.Hour,
		},
		Payout: PayoutConfig{
			MaxStakers: 200,
			MaxAuthors: 50,
			StakersBps: 6600,
			AuthorsBps: 1900,
		},
		Worker: WorkerConfig{
			BatchSize:    10,
			LeaseTTL:     2 * time.Minute,
			PollInterval: 5 * time.Second,
			MaxAttempts:  5,
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			IdempotencyTTL: 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			StorageType: "fs",
			S3Region:    "us-east-1",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "localhost:4317",
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from environment variables. If PAYOUTD_CONFIG
// points at a YAML file it is applied first; environment variables win.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("PAYOUTD_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)

	str("PAYOUTD_HMAC_SECRET", &c.Auth.HMACSecret)
	dur("AUTH_TTL", &c.Auth.TTL)
	dur("AUTH_SKEW", &c.Auth.AllowedSkew)
	str("NONCE_STORE", &c.Auth.NonceStore)
	str("REDIS_ADDR", &c.Auth.RedisAddr)
	str("REDIS_PASSWORD", &c.Auth.RedisPassword)
	dur("NONCE_SWEEP_INTERVAL", &c.Auth.SweepInterval)

	str("CHAIN_GATEWAY_URL", &c.Chain.GatewayURL)
	str("DISTRIBUTOR_ADDRESS", &c.Chain.DistributorAddress)
	str("CHAIN_SIGNER_KEY", &c.Chain.SignerKey)
	dur("CHAIN_TIMEOUT", &c.Chain.Timeout)

	dur("RECONCILE_MAX_AGE", &c.Reconcile.MaxAge)

	num("MAX_STAKERS", &c.Payout.MaxStakers)
	num("MAX_AUTHORS", &c.Payout.MaxAuthors)
	num64("STAKERS_BPS", &c.Payout.StakersBps)
	num64("AUTHORS_BPS", &c.Payout.AuthorsBps)

	str("WORKER_ID", &c.Worker.ID)
	num("WORKER_BATCH", &c.Worker.BatchSize)
	dur("WORKER_LEASE", &c.Worker.LeaseTTL)
	dur("WORKER_POLL", &c.Worker.PollInterval)
	num("WORKER_MAX_ATTEMPTS", &c.Worker.MaxAttempts)

	num("RATE_LIMIT_RPS", &c.HTTP.RateLimitRPS)
	num("RATE_LIMIT_BURST", &c.HTTP.RateLimitBurst)
	dur("IDEMPOTENCY_TTL", &c.HTTP.IdempotencyTTL)

	str("ARCHIVE_STORAGE_TYPE", &c.Archive.StorageType)
	str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	str("ARCHIVE_S3_PREFIX", &c.Archive.S3Prefix)
	str("ARCHIVE_GCS_BUCKET", &c.Archive.GCSBucket)
	str("ARCHIVE_GCS_PREFIX", &c.Archive.GCSPrefix)

	if v := getenv("OTEL_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	str("OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	if v := getenv("OTEL_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	str("PAYOUTD_URL", &c.Client.BaseURL)
	dur("PAYOUTD_CLIENT_TIMEOUT", &c.Client.Timeout)

	return errors.Join(errs...)
}

// ErrSecretRequired is returned by Validate when serving without an HMAC secret.
var ErrSecretRequired = errors.New("PAYOUTD_HMAC_SECRET is required")

// Validate checks settings that the server cannot run without.
func (c *Config) Validate() error {
	if c.Auth.HMACSecret == "" {
		return ErrSecretRequired
	}
	if c.Auth.TTL <= 0 {
		return fmt.Errorf("auth ttl must be positive, got %s", c.Auth.TTL)
	}
	switch c.Auth.NonceStore {
	case "memory", "sql", "redis":
	default:
		return fmt.Errorf("unsupported nonce store %q", c.Auth.NonceStore)
	}
	if c.Auth.NonceStore == "redis" && c.Auth.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required for the redis nonce store")
	}
	if c.Payout.StakersBps < 0 || c.Payout.AuthorsBps < 0 || c.Payout.StakersBps+c.Payout.AuthorsBps > 10000 {
		return fmt.Errorf("invalid bucket split: stakers=%d authors=%d bps", c.Payout.StakersBps, c.Payout.AuthorsBps)
	}
	if c.Worker.BatchSize <= 0 || c.Worker.MaxAttempts <= 0 {
		return errors.New("worker batch size and max attempts must be positive")
	}
	return nil
}
