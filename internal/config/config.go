// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreLite     = "lite"
)

// Lock backends for the per-run invocation lock.
const (
	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockLocal    = "local"
	LockNone     = "none"
)

// Continuation modes.
const (
	ContinuationHTTP   = "http"
	ContinuationOutbox = "outbox"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	// PublicURL is where continuations reach this service's process endpoint.
	PublicURL string

	// Database settings. A postgres:// URL selects the Postgres store; a
	// sqlite: or file: URL selects the single-node lite store.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY. Empty disables SSE fan-out across instances.

	// Redis settings. Used by the redis lock backend and the shared rate limiter.
	RedisURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// InternalSecret authenticates the process and recover endpoints.
	InternalSecret string

	// AI gateway.
	GatewayURL    string
	GatewayAPIKey string
	GatewayRPS    float64
	GatewayBurst  int
	DefaultModel  string
	PromptsPath   string // Optional YAML file overriding the embedded prompt catalogue.

	// Scheduler.
	InvocationBudget time.Duration
	MaxIterations    int
	LockBackend      string
	LockLease        time.Duration
	ContinuationMode string

	// Executor.
	PollInterval        time.Duration
	OperationTimeout    time.Duration
	FanoutWidth         int
	GatewayConcurrency  int
	MaxRateLimitRetries int

	// Continuation outbox.
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxConcurrency  int
	OutboxMaxAttempts  int

	// Recovery of stalled runs. A zero interval disables the in-process sweep.
	StallThreshold   time.Duration
	RecoveryInterval time.Duration

	// User-endpoint rate limiting.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel       string
	EnableMCP      bool
	IdempotencyTTL time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                integer("KENKYU_PORT", 8080),
		ReadTimeout:         duration("KENKYU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("KENKYU_WRITE_TIMEOUT", 90*time.Second),
		MaxRequestBodyBytes: int64(integer("KENKYU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		PublicURL:           str("KENKYU_PUBLIC_URL", "http://localhost:8080"),
		DatabaseURL:         str("DATABASE_URL", "sqlite:kenkyu.db"),
		NotifyURL:           str("NOTIFY_URL", ""),
		RedisURL:            str("REDIS_URL", ""),
		JWTPrivateKeyPath:   str("KENKYU_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("KENKYU_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       duration("KENKYU_JWT_EXPIRATION", 24*time.Hour),
		InternalSecret:      str("KENKYU_INTERNAL_SECRET", ""),
		GatewayURL:          str("KENKYU_GATEWAY_URL", ""),
		GatewayAPIKey:       str("KENKYU_GATEWAY_API_KEY", ""),
		GatewayRPS:          float("KENKYU_GATEWAY_RPS", 5),
		GatewayBurst:        integer("KENKYU_GATEWAY_BURST", 10),
		DefaultModel:        str("KENKYU_DEFAULT_MODEL", "deep-research"),
		PromptsPath:         str("KENKYU_PROMPTS_PATH", ""),
		InvocationBudget:    duration("KENKYU_INVOCATION_BUDGET", 50*time.Second),
		MaxIterations:       integer("KENKYU_MAX_ITERATIONS", 20),
		LockBackend:         strings.ToLower(str("KENKYU_LOCK_BACKEND", "")),
		LockLease:           duration("KENKYU_LOCK_LEASE", 2*time.Minute),
		ContinuationMode:    strings.ToLower(str("KENKYU_CONTINUATION_MODE", ContinuationHTTP)),
		PollInterval:        duration("KENKYU_POLL_INTERVAL", 10*time.Second),
		OperationTimeout:    duration("KENKYU_OPERATION_TIMEOUT", 2*time.Hour),
		FanoutWidth:         integer("KENKYU_FANOUT_WIDTH", 8),
		GatewayConcurrency:  integer("KENKYU_GATEWAY_CONCURRENCY", 4),
		MaxRateLimitRetries: integer("KENKYU_MAX_RATE_LIMIT_RETRIES", 5),
		OutboxPollInterval:  duration("KENKYU_OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:     integer("KENKYU_OUTBOX_BATCH_SIZE", 16),
		OutboxConcurrency:   integer("KENKYU_OUTBOX_CONCURRENCY", 4),
		OutboxMaxAttempts:   integer("KENKYU_OUTBOX_MAX_ATTEMPTS", 10),
		StallThreshold:      duration("KENKYU_STALL_THRESHOLD", 10*time.Minute),
		RecoveryInterval:    duration("KENKYU_RECOVERY_INTERVAL", 2*time.Minute),
		RateLimitEnabled:    boolean("KENKYU_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        float("KENKYU_RATE_LIMIT_RPS", 1),
		RateLimitBurst:      integer("KENKYU_RATE_LIMIT_BURST", 5),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "kenkyu"),
		LogLevel:            str("KENKYU_LOG_LEVEL", "info"),
		EnableMCP:           boolean("KENKYU_ENABLE_MCP", true),
		IdempotencyTTL:      duration("KENKYU_IDEMPOTENCY_TTL", 24*time.Hour),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.LockBackend == "" {
		cfg.LockBackend = cfg.defaultLockBackend()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StoreBackend reports which store DatabaseURL selects.
func (c Config) StoreBackend() string {
	if strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return StorePostgres
	}
	return StoreLite
}

// LitePath returns the SQLite path for a sqlite: or file: DatabaseURL.
func (c Config) LitePath() string {
	p := strings.TrimPrefix(c.DatabaseURL, "sqlite:")
	p = strings.TrimPrefix(p, "file:")
	return strings.TrimPrefix(p, "//")
}

func (c Config) defaultLockBackend() string {
	switch {
	case c.StoreBackend() == StorePostgres:
		return LockPostgres
	case c.RedisURL != "":
		return LockRedis
	default:
		return LockLocal
	}
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	switch c.LockBackend {
	case LockPostgres:
		if c.StoreBackend() != StorePostgres {
			errs = append(errs, fmt.Errorf("KENKYU_LOCK_BACKEND=postgres requires a postgres DATABASE_URL"))
		}
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("KENKYU_LOCK_BACKEND=redis requires REDIS_URL"))
		}
	case LockLocal, LockNone:
	default:
		errs = append(errs, fmt.Errorf("KENKYU_LOCK_BACKEND=%q is not one of postgres, redis, local, none", c.LockBackend))
	}
	switch c.ContinuationMode {
	case ContinuationHTTP:
		if c.PublicURL == "" {
			errs = append(errs, fmt.Errorf("KENKYU_PUBLIC_URL is required for http continuations"))
		}
	case ContinuationOutbox:
		if c.StoreBackend() != StorePostgres {
			errs = append(errs, fmt.Errorf("KENKYU_CONTINUATION_MODE=outbox requires a postgres DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("KENKYU_CONTINUATION_MODE=%q is not one of http, outbox", c.ContinuationMode))
	}
	if c.InvocationBudget <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_INVOCATION_BUDGET must be positive"))
	}
	if c.InvocationBudget >= c.WriteTimeout {
		errs = append(errs, fmt.Errorf("KENKYU_INVOCATION_BUDGET (%s) must be shorter than KENKYU_WRITE_TIMEOUT (%s)", c.InvocationBudget, c.WriteTimeout))
	}
	if c.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_MAX_ITERATIONS must be positive"))
	}
	if c.FanoutWidth <= 0 || c.GatewayConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("KENKYU_FANOUT_WIDTH and KENKYU_GATEWAY_CONCURRENCY must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
