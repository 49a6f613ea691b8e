// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, database and key storage paths, queue capacities, sync and retry
// tuning, rate limiting, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// QueueConfig tunes queue capacity, retention, and retry behavior.
type QueueConfig struct {
	MaxSize        int           // per-tenant queue capacity
	MaxMemoryItems int           // hot working-set size
	MaxAge         time.Duration // TTL for queued requests
	MaxRetries     int           // default delivery attempts per request
	AuditCap       int           // bounded audit log size
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	BackendBaseURL string        // upstream API base URL
	AuthToken      string        // bearer token attached to deliveries (optional)
	Interval       time.Duration // periodic sync cadence while online
	BatchSize      int           // items per delivery batch
	RetryBaseDelay time.Duration // exponential backoff base
	RetryMaxDelay  time.Duration // exponential backoff cap
	DeliveryRPS    float64       // outbound request throttle (0 disables)
	DeliveryBurst  int
	ProbeURL       string        // connectivity probe target
	ProbeInterval  time.Duration
	SyncOnQueue    bool // trigger a pass right after admission while online
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage
	DBPath string // SQLite path
	KeyDir string // directory for the secure credential store

	// Queue and sync
	Queue QueueConfig
	Sync  SyncConfig

	// Rate limiting (inbound API)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", (1<<20)+(64<<10))),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "queue.db"),
		KeyDir: getenv("KEY_DIR", "keys"),

		// Queue
		Queue: QueueConfig{
			MaxSize:        getint("QUEUE_MAX_SIZE", 500),
			MaxMemoryItems: getint("QUEUE_MAX_MEMORY_ITEMS", 100),
			MaxAge:         getdur("QUEUE_MAX_AGE", 7*24*time.Hour),
			MaxRetries:     getint("QUEUE_MAX_RETRIES", 3),
			AuditCap:       getint("AUDIT_CAP", 1000),
		},

		// Sync
		Sync: SyncConfig{
			BackendBaseURL: getenv("BACKEND_BASE_URL", "http://localhost:9090"),
			AuthToken:      getenv("BACKEND_AUTH_TOKEN", ""),
			Interval:       getdur("SYNC_INTERVAL", 30*time.Second),
			BatchSize:      getint("SYNC_BATCH_SIZE", 10),
			RetryBaseDelay: getdur("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:  getdur("RETRY_MAX_DELAY", 5*time.Minute),
			DeliveryRPS:    getfloat("DELIVERY_RPS", 0),
			DeliveryBurst:  getint("DELIVERY_BURST", 1),
			ProbeURL:       getenv("PROBE_URL", ""),
			ProbeInterval:  getdur("PROBE_INTERVAL", 10*time.Second),
			SyncOnQueue:    getbool("SYNC_ON_QUEUE", true),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 25.0),
		RateBurst: getint("RATE_BURST", 50),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pos-offline-queue"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.Sync.BackendBaseURL = strings.TrimRight(cfg.Sync.BackendBaseURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 || cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES and MAX_BODY_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.KeyDir) == "" {
		return cfg, errors.New("KEY_DIR must not be empty")
	}
	if cfg.Queue.MaxSize < 1 {
		return cfg, errors.New("QUEUE_MAX_SIZE must be >= 1")
	}
	if cfg.Queue.MaxMemoryItems < 1 || cfg.Queue.MaxMemoryItems > cfg.Queue.MaxSize {
		return cfg, errors.New("QUEUE_MAX_MEMORY_ITEMS must be in [1, QUEUE_MAX_SIZE]")
	}
	if cfg.Queue.MaxAge <= 0 {
		return cfg, errors.New("QUEUE_MAX_AGE must be > 0")
	}
	if cfg.Queue.MaxRetries < 1 {
		return cfg, errors.New("QUEUE_MAX_RETRIES must be >= 1")
	}
	if cfg.Queue.AuditCap < 1 {
		return cfg, errors.New("AUDIT_CAP must be >= 1")
	}
	if strings.TrimSpace(cfg.Sync.BackendBaseURL) == "" {
		return cfg, errors.New("BACKEND_BASE_URL must not be empty")
	}
	if cfg.Sync.Interval <= 0 || cfg.Sync.ProbeInterval <= 0 {
		return cfg, errors.New("SYNC_INTERVAL and PROBE_INTERVAL must be > 0")
	}
	if cfg.Sync.BatchSize < 1 {
		return cfg, errors.New("SYNC_BATCH_SIZE must be >= 1")
	}
	if cfg.Sync.RetryBaseDelay <= 0 || cfg.Sync.RetryMaxDelay < cfg.Sync.RetryBaseDelay {
		return cfg, errors.New("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	}
	if cfg.Sync.DeliveryRPS < 0 {
		return cfg, errors.New("DELIVERY_RPS must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
