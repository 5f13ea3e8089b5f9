package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Scheduler SchedulerConfig
	Store     StoreConfig
	Artifacts ArtifactConfig
	Notify    NotifyConfig
	Policy    PolicyConfig
	Jobs      JobsConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"

	// ShutdownGrace bounds the drain of in-flight requests and renders.
	ShutdownGrace time.Duration // default: 10s
}

// BrowserConfig controls the render capability.
type BrowserConfig struct {
	// Renderer selects the backend: "browser" (rod) or "http" (no JS).
	Renderer string // default: "browser"

	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy is the upstream proxy URL for all renders.
	Proxy string

	ViewportWidth  int // default: 1920
	ViewportHeight int // default: 1080

	// BlockedResourceTypes lists resource types to block.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string
}

// SchedulerConfig controls the worker pool.
type SchedulerConfig struct {
	// Workers is the fixed number of concurrent renders.
	Workers int // default: 5

	// JobTimeout is the wall-clock deadline of one render attempt.
	JobTimeout time.Duration // default: 120s

	// MaxRetries bounds re-enqueues after recoverable failures.
	MaxRetries int // default: 2

	// RetryBackoff is the delay before a retried job re-enters the queue.
	RetryBackoff time.Duration // default: 2s
}

// StoreConfig selects the job repository.
type StoreConfig struct {
	Driver string // "memory", "sqlite" or "postgres"; default: "sqlite"
	DSN    string // default: "scrapeflow.db"
}

// ArtifactConfig selects the blob store for HTML, text and screenshots.
type ArtifactConfig struct {
	Backend string // "fs" or "s3"; default: "fs"
	Dir     string // default: "./data/artifacts"

	S3Endpoint  string
	S3Bucket    string // default: "scrapeflow"
	S3Region    string // default: "us-east-1"
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool // default: true (MinIO)
}

// NotifyConfig controls the external status sinks.
type NotifyConfig struct {
	// NATSURL enables publishing status events to NATS when set.
	NATSURL string

	// SubjectPrefix is prepended to "<job_id>.status".
	SubjectPrefix string // default: "scrapeflow.jobs"

	// WebhookURL enables signed webhook delivery when set.
	WebhookURL    string
	WebhookSecret string
}

// PolicyConfig restricts which hosts may be scraped.
type PolicyConfig struct {
	AllowPrivateHosts bool     // default: false
	AllowedDomains    []string // empty: any public host
}

// JobsConfig holds job read-path limits.
type JobsConfig struct {
	// InlineTextLimit caps text_content stored on the job record.
	InlineTextLimit int // default: 100 KiB

	// MaxPageSize clamps the list limit.
	MaxPageSize int // default: 100
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          envOr("SCRAPEFLOW_HOST", "0.0.0.0"),
			Port:          envIntOr("SCRAPEFLOW_PORT", 8080),
			Mode:          envOr("SCRAPEFLOW_MODE", "release"),
			ShutdownGrace: envDurationOr("SCRAPEFLOW_SHUTDOWN_GRACE", 10*time.Second),
		},
		Browser: BrowserConfig{
			Renderer:       envOr("SCRAPEFLOW_RENDERER", "browser"),
			Headless:       envBoolOr("SCRAPEFLOW_HEADLESS", true),
			NoSandbox:      envBoolOr("SCRAPEFLOW_NO_SANDBOX", false),
			BrowserBin:     os.Getenv("SCRAPEFLOW_BROWSER_BIN"),
			Proxy:          os.Getenv("SCRAPEFLOW_PROXY"),
			ViewportWidth:  envIntOr("SCRAPEFLOW_VIEWPORT_WIDTH", 1920),
			ViewportHeight: envIntOr("SCRAPEFLOW_VIEWPORT_HEIGHT", 1080),
			BlockedResourceTypes: envSliceOr("SCRAPEFLOW_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
		},
		Scheduler: SchedulerConfig{
			Workers:      envIntOr("SCRAPEFLOW_WORKERS", 5),
			JobTimeout:   envDurationOr("SCRAPEFLOW_JOB_TIMEOUT", 120*time.Second),
			MaxRetries:   envIntOr("SCRAPEFLOW_MAX_RETRIES", 2),
			RetryBackoff: envDurationOr("SCRAPEFLOW_RETRY_BACKOFF", 2*time.Second),
		},
		Store: StoreConfig{
			Driver: envOr("SCRAPEFLOW_STORE_DRIVER", "sqlite"),
			DSN:    envOr("SCRAPEFLOW_STORE_DSN", "scrapeflow.db"),
		},
		Artifacts: ArtifactConfig{
			Backend:     envOr("SCRAPEFLOW_ARTIFACT_BACKEND", "fs"),
			Dir:         envOr("SCRAPEFLOW_ARTIFACT_DIR", "./data/artifacts"),
			S3Endpoint:  os.Getenv("SCRAPEFLOW_S3_ENDPOINT"),
			S3Bucket:    envOr("SCRAPEFLOW_S3_BUCKET", "scrapeflow"),
			S3Region:    envOr("SCRAPEFLOW_S3_REGION", "us-east-1"),
			S3AccessKey: os.Getenv("SCRAPEFLOW_S3_ACCESS_KEY"),
			S3SecretKey: os.Getenv("SCRAPEFLOW_S3_SECRET_KEY"),
			S3PathStyle: envBoolOr("SCRAPEFLOW_S3_PATH_STYLE", true),
		},
		Notify: NotifyConfig{
			NATSURL:       os.Getenv("SCRAPEFLOW_NATS_URL"),
			SubjectPrefix: envOr("SCRAPEFLOW_NATS_SUBJECT_PREFIX", "scrapeflow.jobs"),
			WebhookURL:    os.Getenv("SCRAPEFLOW_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("SCRAPEFLOW_WEBHOOK_SECRET"),
		},
		Policy: PolicyConfig{
			AllowPrivateHosts: envBoolOr("SCRAPEFLOW_ALLOW_PRIVATE_HOSTS", false),
			AllowedDomains:    envSliceOr("SCRAPEFLOW_ALLOWED_DOMAINS", nil),
		},
		Jobs: JobsConfig{
			InlineTextLimit: envIntOr("SCRAPEFLOW_INLINE_TEXT_LIMIT", 100*1024),
			MaxPageSize:     envIntOr("SCRAPEFLOW_MAX_PAGE_SIZE", 100),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("SCRAPEFLOW_AUTH_ENABLED", true),
			APIKeys: envSliceOr("SCRAPEFLOW_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("SCRAPEFLOW_RATE_RPS", 5.0),
			Burst:             envIntOr("SCRAPEFLOW_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("SCRAPEFLOW_LOG_LEVEL", "info"),
			Format: envOr("SCRAPEFLOW_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
