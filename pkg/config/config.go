// Package config loads the ledger configuration from the environment, with
// an optional YAML file supplying values the environment leaves unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/blossm-network/packages/pkg/archive"
	"github.com/blossm-network/packages/pkg/ledger"
	"github.com/blossm-network/packages/pkg/merkle"
	"github.com/blossm-network/packages/pkg/observability"
)

// FileEnv names the variable pointing at the optional YAML file.
const FileEnv = "LEDGER_CONFIG_FILE"

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every process option.
type Config struct {
	// Identity stamped on aggregates, snapshots and blocks.
	Network string `env:"LEDGER_NETWORK" envDefault:"local"`
	Domain  string `env:"LEDGER_DOMAIN" envDefault:"ledger"`
	Service string `env:"LEDGER_SERVICE" envDefault:"core"`

	Public             bool   `env:"LEDGER_PUBLIC" envDefault:"false"`
	BlockLimit         int    `env:"LEDGER_BLOCK_LIMIT" envDefault:"100"`
	BlockParallelism   int    `env:"LEDGER_BLOCK_PARALLELISM" envDefault:"0"`
	EncryptParallelism int    `env:"LEDGER_ENCRYPT_PARALLELISM" envDefault:"8"`
	IdempotencyRetries int    `env:"LEDGER_IDEMPOTENCY_RETRIES" envDefault:"3"`
	MerkleHash         string `env:"LEDGER_MERKLE_HASH" envDefault:"sha256"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL"`

	// An empty RedisAddr runs the in-process scheduler and logs publishes.
	RedisAddr        string `env:"REDIS_ADDR"`
	RedisPassword    string `env:"REDIS_PASSWORD"`
	RedisDB          int    `env:"REDIS_DB" envDefault:"0"`
	RedisQueue       string `env:"REDIS_QUEUE" envDefault:"ledger:anchor"`
	RedisTopicPrefix string `env:"REDIS_TOPIC_PREFIX"`

	SigningKeyPath string   `env:"SIGNING_KEY_PATH" envDefault:"ledger.key"`
	SigningKeyID   string   `env:"SIGNING_KEY_ID" envDefault:"ledger"`
	KeystorePath   string   `env:"KEYSTORE_PATH" envDefault:"keystore.json"`
	AgeRecipients  []string `env:"AGE_RECIPIENTS" envSeparator:","`

	AnchorInterval   time.Duration `env:"ANCHOR_INTERVAL" envDefault:"1m"`
	AnchorBurst      int           `env:"ANCHOR_BURST" envDefault:"1"`
	AnchorRetryDelay time.Duration `env:"ANCHOR_RETRY_DELAY" envDefault:"5s"`

	ArchiveBackend     string `env:"ARCHIVE_BACKEND" envDefault:"none"`
	ArchiveBucket      string `env:"ARCHIVE_BUCKET"`
	ArchivePrefix      string `env:"ARCHIVE_PREFIX" envDefault:"blocks"`
	ArchiveRegion      string `env:"ARCHIVE_REGION"`
	ArchiveEndpoint    string `env:"ARCHIVE_ENDPOINT"`
	ArchiveCompression string `env:"ARCHIVE_COMPRESSION" envDefault:"zstd"`

	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	// Per-client request rate; zero disables limiting.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	TelemetryEnabled bool    `env:"TELEMETRY_ENABLED" envDefault:"false"`
	TelemetrySample  float64 `env:"TELEMETRY_SAMPLE_RATE" envDefault:"1"`
}

// Load reads the process environment. When LEDGER_CONFIG_FILE is set, the
// YAML file it names supplies defaults for variables the environment does
// not set.
func Load() (*Config, error) {
	vars := env.ToMap(os.Environ())
	if path := vars[FileEnv]; path != "" {
		fileVars, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileVars {
			if _, set := vars[k]; !set {
				vars[k] = v
			}
		}
	}
	return FromMap(vars)
}

// FromMap parses a configuration from variable names to values.
func FromMap(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadFile reads a YAML mapping keyed by environment variable name, e.g.
//
//	LEDGER_BLOCK_LIMIT: 50
//	AGE_RECIPIENTS: [age1..., age1...]
func ReadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, len(val))
			for i, p := range val {
				parts[i] = fmt.Sprint(p)
			}
			vars[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar or list", path, k)
		default:
			vars[k] = fmt.Sprint(val)
		}
	}
	return vars, nil
}

// Validate rejects unknown enum values and unusable limits.
func (c *Config) Validate() error {
	var errs []error
	if c.BlockLimit < 2 {
		errs = append(errs, fmt.Errorf("LEDGER_BLOCK_LIMIT must be at least 2, got %d", c.BlockLimit))
	}
	if c.BlockParallelism < 0 || c.EncryptParallelism < 0 || c.IdempotencyRetries < 0 {
		errs = append(errs, errors.New("parallelism and retry settings must not be negative"))
	}
	if _, err := merkle.ParseAlgorithm(c.MerkleHash); err != nil {
		errs = append(errs, err)
	}
	switch c.DatabaseDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for driver %s", c.DatabaseDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	switch archive.Backend(c.ArchiveBackend) {
	case "", archive.BackendNone:
	case archive.BackendDir, archive.BackendS3, archive.BackendGCS:
		if c.ArchiveBucket == "" {
			errs = append(errs, fmt.Errorf("ARCHIVE_BUCKET is required for backend %s", c.ArchiveBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ARCHIVE_BACKEND %q", c.ArchiveBackend))
	}
	if _, err := archive.ParseCompression(c.ArchiveCompression); err != nil {
		errs = append(errs, err)
	}
	if c.AnchorInterval < 0 || c.AnchorBurst < 1 {
		errs = append(errs, errors.New("ANCHOR_INTERVAL must not be negative and ANCHOR_BURST must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

// EngineOptions maps the configuration onto ledger engine options.
func (c *Config) EngineOptions() ledger.Options {
	algo, _ := merkle.ParseAlgorithm(c.MerkleHash)
	return ledger.Options{
		Network:            c.Network,
		Domain:             c.Domain,
		Service:            c.Service,
		Public:             c.Public,
		BlockLimit:         c.BlockLimit,
		BlockParallelism:   c.BlockParallelism,
		EncryptParallelism: c.EncryptParallelism,
		IdempotencyRetries: c.IdempotencyRetries,
		MerkleHash:         algo,
	}
}

func (c *Config) Archive() archive.Config {
	return archive.Config{
		Backend:     archive.Backend(c.ArchiveBackend),
		Bucket:      c.ArchiveBucket,
		Prefix:      c.ArchivePrefix,
		Region:      c.ArchiveRegion,
		Endpoint:    c.ArchiveEndpoint,
		Compression: c.ArchiveCompression,
	}
}

func (c *Config) Telemetry() *observability.Config {
	t := observability.DefaultConfig()
	t.ServiceName = c.Domain + "." + c.Service
	t.Environment = c.Network
	t.OTLPEndpoint = c.OTLPEndpoint
	t.Enabled = c.TelemetryEnabled
	t.SampleRate = c.TelemetrySample
	return t
}
