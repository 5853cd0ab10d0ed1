package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Queue       QueueConfig     `toml:"queue"`
	Engines     EnginesConfig   `toml:"engines"`
	Recovery    RecoveryConfig  `toml:"recovery"`
	Platforms   PlatformsConfig `toml:"platforms"`
	Batch       BatchConfig     `toml:"batch"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "trace", "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for console/file output
	FileName   string   `toml:"file_name"`   // Log file name inside ./logs
}

// QueueConfig controls the generic job processor and retry bookkeeping
type QueueConfig struct {
	Concurrency       int    `toml:"concurrency"`         // Number of processor workers
	PollInterval      string `toml:"poll_interval"`       // Idle poll interval, e.g. "1s"
	ErrorBackoff      string `toml:"error_backoff"`       // Wait after a queue error, e.g. "5s"
	DefaultMaxRetries int    `toml:"default_max_retries"` // Applied when enqueue leaves max_retries unset
	RetryBaseDelay    string `toml:"retry_base_delay"`    // First retry delay
	RetryMaxDelay     string `toml:"retry_max_delay"`     // Cap for retry delay
	JobTimeout        string `toml:"job_timeout"`         // Hard ceiling for one job execution
}

// EnginesConfig holds browser engine defaults
type EnginesConfig struct {
	Default        string   `toml:"default"`         // "chromedp" or "playwright"
	SessionTTL     string   `toml:"session_ttl"`     // Idle session eviction threshold
	ReapSchedule   string   `toml:"reap_schedule"`   // Cron spec for the idle session sweep
	Headless       bool     `toml:"headless"`        // Default headless flag
	ViewportWidth  int      `toml:"viewport_width"`  // Default viewport width
	ViewportHeight int      `toml:"viewport_height"` // Default viewport height
	UserAgent      string   `toml:"user_agent"`      // Default user agent
	Timeout        string   `toml:"timeout"`         // Default operation timeout
	RetryAttempts  int      `toml:"retry_attempts"`  // Default per-session retry attempts
	AntiDetection  bool     `toml:"anti_detection"`  // Suppress automation fingerprints
	NoSandbox      bool     `toml:"no_sandbox"`      // Chrome --no-sandbox
	InstallBrowser bool     `toml:"install_browser"` // Let playwright download its browser on first use
	BlockPatterns  []string `toml:"block_patterns"`  // URL patterns blocked by request interception
}

// RecoveryConfig holds retry and circuit breaker defaults
type RecoveryConfig struct {
	MaxAttempts      int      `toml:"max_attempts"`
	BaseDelay        string   `toml:"base_delay"`
	MaxDelay         string   `toml:"max_delay"`
	BackoffFactor    float64  `toml:"backoff_factor"`
	Jitter           string   `toml:"jitter"`
	RetryableErrors  []string `toml:"retryable_errors"`
	BreakerThreshold int      `toml:"breaker_threshold"`
	BreakerReset     string   `toml:"breaker_reset"`
}

// PlatformsConfig controls target platform definitions and adapter lifecycle
type PlatformsConfig struct {
	DefinitionsDir string   `toml:"definitions_dir"` // Directory of platform TOML/YAML files
	Enabled        []string `toml:"enabled"`         // Restrict to these platforms (empty = all)
	IdleTimeout    string   `toml:"idle_timeout"`    // Adapter idle cleanup threshold
	HealthSchedule string   `toml:"health_schedule"` // Cron spec for the health sweep
	SubmitRate     float64  `toml:"submit_rate"`     // Submissions per second per platform
	SubmitBurst    int      `toml:"submit_burst"`
	Headless       bool     `toml:"headless"`
}

// BatchConfig controls batch execution
type BatchConfig struct {
	JobTimeout            string `toml:"job_timeout"`             // Per-job hard ceiling
	PollInterval          string `toml:"poll_interval"`           // Worker idle poll when no job is eligible yet
	DefaultMaxConcurrency int    `toml:"default_max_concurrency"` // Parallel mode default
	MaxConcurrencyCap     int    `toml:"max_concurrency_cap"`     // Upper bound for requested concurrency
	CompletionTimeout     string `toml:"completion_timeout"`      // waitForCompletion budget per job
}

// WebSocketConfig contains configuration for progress streaming
type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // Minimum interval between progress frames per client
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
			FileName:   "promptrelay.log",
		},
		Queue: QueueConfig{
			Concurrency:       5,
			PollInterval:      "1s",
			ErrorBackoff:      "5s",
			DefaultMaxRetries: 3,
			RetryBaseDelay:    "1s",
			RetryMaxDelay:     "5m",
			JobTimeout:        "5m",
		},
		Engines: EnginesConfig{
			Default:        "chromedp",
			SessionTTL:     "1h",
			ReapSchedule:   "@every 5m",
			Headless:       true,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Timeout:        "30s",
			RetryAttempts:  3,
			AntiDetection:  true,
			NoSandbox:      false,
			InstallBrowser: false,
			BlockPatterns:  []string{"*google-analytics.com*", "*doubleclick.net*"},
		},
		Recovery: RecoveryConfig{
			MaxAttempts:      3,
			BaseDelay:        "1s",
			MaxDelay:         "30s",
			BackoffFactor:    2,
			Jitter:           "1s",
			RetryableErrors:  []string{"timeout", "network", "connection", "ECONNRESET", "navigation", "target closed"},
			BreakerThreshold: 5,
			BreakerReset:     "5m",
		},
		Platforms: PlatformsConfig{
			DefinitionsDir: "./platforms",
			IdleTimeout:    "10m",
			HealthSchedule: "@every 5m",
			SubmitRate:     0.5,
			SubmitBurst:    1,
			Headless:       true,
		},
		Batch: BatchConfig{
			JobTimeout:            "5m",
			PollInterval:          "2s",
			DefaultMaxConcurrency: 3,
			MaxConcurrencyCap:     10,
			CompletionTimeout:     "3m",
		},
		WebSocket: WebSocketConfig{
			ProgressThrottle: "500ms",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("PROMPTRELAY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server
	if port := os.Getenv("PROMPTRELAY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PROMPTRELAY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage
	if badgerPath := os.Getenv("PROMPTRELAY_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("PROMPTRELAY_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Logging
	if level := os.Getenv("PROMPTRELAY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("PROMPTRELAY_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Queue
	if concurrency := os.Getenv("PROMPTRELAY_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if pollInterval := os.Getenv("PROMPTRELAY_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if maxRetries := os.Getenv("PROMPTRELAY_QUEUE_MAX_RETRIES"); maxRetries != "" {
		if mr, err := strconv.Atoi(maxRetries); err == nil {
			config.Queue.DefaultMaxRetries = mr
		}
	}

	// Engines
	if engine := os.Getenv("PROMPTRELAY_ENGINE_DEFAULT"); engine != "" {
		config.Engines.Default = engine
	}
	if headless := os.Getenv("PROMPTRELAY_ENGINE_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Engines.Headless = h
			config.Platforms.Headless = h
		}
	}
	if userAgent := os.Getenv("PROMPTRELAY_ENGINE_USER_AGENT"); userAgent != "" {
		config.Engines.UserAgent = userAgent
	}
	if noSandbox := os.Getenv("PROMPTRELAY_ENGINE_NO_SANDBOX"); noSandbox != "" {
		if ns, err := strconv.ParseBool(noSandbox); err == nil {
			config.Engines.NoSandbox = ns
		}
	}
	if ttl := os.Getenv("PROMPTRELAY_ENGINE_SESSION_TTL"); ttl != "" {
		config.Engines.SessionTTL = ttl
	}

	// Platforms
	if dir := os.Getenv("PROMPTRELAY_PLATFORMS_DIR"); dir != "" {
		config.Platforms.DefinitionsDir = dir
	}
	if enabled := os.Getenv("PROMPTRELAY_PLATFORMS_ENABLED"); enabled != "" {
		config.Platforms.Enabled = splitList(enabled)
	}

	// Batch
	if jobTimeout := os.Getenv("PROMPTRELAY_BATCH_JOB_TIMEOUT"); jobTimeout != "" {
		config.Batch.JobTimeout = jobTimeout
	}
	if maxConcurrency := os.Getenv("PROMPTRELAY_BATCH_MAX_CONCURRENCY"); maxConcurrency != "" {
		if mc, err := strconv.Atoi(maxConcurrency); err == nil {
			config.Batch.DefaultMaxConcurrency = mc
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDuration parses a duration string, returning fallback when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func splitList(value string) []string {
	var result []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
