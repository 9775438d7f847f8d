package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment names the deployment environment. It drives the registry's
// signature-verification and contract-schema defaults.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// RegistryConfig holds plugin registry settings.
type RegistryConfig struct {
	VerifySignatures        bool   `json:"verify_signatures"`
	FailClosed              bool   `json:"fail_closed"`
	TrustedKeysPath         string `json:"trusted_keys_path"`
	DisableContractWarnings bool   `json:"disable_contract_warnings"`
	ValidateContractSchema  bool   `json:"validate_contract_schema"`
	ContractsPath           string `json:"contracts_path"` // JSON contract document (optional, built-ins otherwise)
}

// EngineConfig holds DAG execution defaults. Per-execution options override.
type EngineConfig struct {
	MaxConcurrency    int           `json:"max_concurrency" validate:"gte=0"`
	MaxRetries        int           `json:"max_retries" validate:"gte=0"`
	Timeout           time.Duration `json:"timeout"`
	EnableCheckpoints bool          `json:"enable_checkpoints"`
}

// BatchConfig holds adaptive batch processor settings.
type BatchConfig struct {
	MaxTokensPerBatch      int           `json:"max_tokens_per_batch" validate:"gte=0"`
	MaxItemsPerBatch       int           `json:"max_items_per_batch" validate:"gte=0"`
	TargetBatchUtilization float64       `json:"target_batch_utilization" validate:"gte=0,lte=1"`
	AdaptiveSizing         bool          `json:"adaptive_sizing"`
	MaxMemoryMB            int           `json:"max_memory_mb" validate:"gte=0"`
	MaxRetries             int           `json:"max_retries" validate:"gte=0"`
	RetryDelay             time.Duration `json:"retry_delay"`
	Model                  string        `json:"model"`
}

// SLOConfig holds SLO monitor defaults. Per-SLO overrides allowed at Define.
type SLOConfig struct {
	MeasurementWindow time.Duration `json:"measurement_window"`
	AlertThreshold    float64       `json:"alert_threshold" validate:"gte=0,lte=1"`
}

// CheckpointConfig selects the checkpoint store backend.
type CheckpointConfig struct {
	Backend string        `json:"backend" validate:"omitempty,oneof=memory redis postgres"`
	TTL     time.Duration `json:"ttl"`
}

// RedisConfig holds Redis connection settings for the redis checkpoint store.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// PostgresConfig holds Postgres connection settings for the postgres
// checkpoint store.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`      // Default: false
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // ragpipe
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`           // Default: true
	Namespace        string    `json:"namespace"`         // ragpipe
	HistogramBuckets []float64 `json:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`            // debug, info, warn, error
	Format         string `json:"format"`           // text, json
	IncludeTraceID bool   `json:"include_trace_id"` // Correlate with traces
}

// ObservabilityConfig groups all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// DaemonConfig holds daemon-mode settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
}

// Config is the full toolkit configuration.
type Config struct {
	Environment   string              `json:"environment" validate:"omitempty,oneof=development production"`
	Registry      RegistryConfig      `json:"registry"`
	Engine        EngineConfig        `json:"engine"`
	Batch         BatchConfig         `json:"batch"`
	SLO           SLOConfig           `json:"slo"`
	Checkpoint    CheckpointConfig    `json:"checkpoint"`
	Redis         RedisConfig         `json:"redis"`
	Postgres      PostgresConfig      `json:"postgres"`
	Observability ObservabilityConfig `json:"observability"`
	Daemon        DaemonConfig        `json:"daemon"`
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// DefaultConfig returns the configuration used when no file is supplied.
// Environment detection follows RAGPIPE_ENV, falling back to NODE_ENV for
// drop-in parity with the original toolkit; anything other than "production"
// is treated as development.
func DefaultConfig() *Config {
	env := DetectEnvironment()
	production := env == EnvProduction

	return &Config{
		Environment: env,
		Registry: RegistryConfig{
			VerifySignatures:       production,
			FailClosed:             production,
			ValidateContractSchema: true,
		},
		Engine: EngineConfig{
			MaxConcurrency:    1,
			MaxRetries:        3,
			EnableCheckpoints: false,
		},
		Batch: BatchConfig{
			MaxTokensPerBatch:      8191,
			MaxItemsPerBatch:       100,
			TargetBatchUtilization: 0.9,
			AdaptiveSizing:         false,
			MaxMemoryMB:            512,
			MaxRetries:             3,
			RetryDelay:             time.Second,
		},
		SLO: SLOConfig{
			MeasurementWindow: 5 * time.Minute,
			AlertThreshold:    0.95,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			TTL:     time.Hour,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "ragpipe:checkpoint:",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "ragpipe",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "ragpipe",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
		},
	}
}

// DetectEnvironment resolves the deployment environment from the process
// environment.
func DetectEnvironment() string {
	env := os.Getenv("RAGPIPE_ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV")
	}
	if strings.EqualFold(env, EnvProduction) {
		return EnvProduction
	}
	return EnvDevelopment
}

// LoadFromFile reads a JSON config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies RAGPIPE_* environment overrides on top of cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RAGPIPE_ENV"); v != "" {
		if strings.EqualFold(v, EnvProduction) {
			cfg.Environment = EnvProduction
		} else {
			cfg.Environment = EnvDevelopment
		}
	}
	if v := os.Getenv("RAGPIPE_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("RAGPIPE_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("RAGPIPE_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}

	// Registry overrides
	if v := os.Getenv("RAGPIPE_VERIFY_SIGNATURES"); v != "" {
		cfg.Registry.VerifySignatures = parseBool(v)
	}
	if v := os.Getenv("RAGPIPE_FAIL_CLOSED"); v != "" {
		cfg.Registry.FailClosed = parseBool(v)
	}
	if v := os.Getenv("RAGPIPE_TRUSTED_KEYS"); v != "" {
		cfg.Registry.TrustedKeysPath = v
	}
	if v := os.Getenv("RAGPIPE_CONTRACTS"); v != "" {
		cfg.Registry.ContractsPath = v
	}
	if v := os.Getenv("RAGPIPE_DISABLE_CONTRACT_WARNINGS"); v != "" {
		cfg.Registry.DisableContractWarnings = parseBool(v)
	}

	// Engine overrides
	if v := os.Getenv("RAGPIPE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrency = n
		}
	}
	if v := os.Getenv("RAGPIPE_ENGINE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.Timeout = d
		}
	}
	if v := os.Getenv("RAGPIPE_ENABLE_CHECKPOINTS"); v != "" {
		cfg.Engine.EnableCheckpoints = parseBool(v)
	}

	// Batch overrides
	if v := os.Getenv("RAGPIPE_BATCH_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxTokensPerBatch = n
		}
	}
	if v := os.Getenv("RAGPIPE_BATCH_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxItemsPerBatch = n
		}
	}
	if v := os.Getenv("RAGPIPE_BATCH_MODEL"); v != "" {
		cfg.Batch.Model = v
	}
	if v := os.Getenv("RAGPIPE_BATCH_ADAPTIVE"); v != "" {
		cfg.Batch.AdaptiveSizing = parseBool(v)
	}
	if v := os.Getenv("RAGPIPE_BATCH_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.MaxMemoryMB = n
		}
	}

	// SLO overrides
	if v := os.Getenv("RAGPIPE_SLO_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SLO.MeasurementWindow = d
		}
	}
	if v := os.Getenv("RAGPIPE_SLO_ALERT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SLO.AlertThreshold = f
		}
	}

	// Checkpoint store overrides
	if v := os.Getenv("RAGPIPE_CHECKPOINT_BACKEND"); v != "" {
		cfg.Checkpoint.Backend = v
	}
	if v := os.Getenv("RAGPIPE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RAGPIPE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RAGPIPE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("RAGPIPE_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}

	// Tracing overrides
	if v := os.Getenv("RAGPIPE_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("RAGPIPE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("RAGPIPE_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}

	// Metrics overrides
	if v := os.Getenv("RAGPIPE_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("RAGPIPE_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
