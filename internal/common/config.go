package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	LLM         LLMConfig         `toml:"llm"`
	Presets     PresetsConfig     `toml:"presets"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string  `toml:"host"` // Bind address (default: localhost)
	Port           int     `toml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout    string  `toml:"read_timeout"`     // Request read timeout as duration string (default: "30s")
	WriteTimeout   string  `toml:"write_timeout"`    // Response write timeout as duration string (default: "120s")
	IdleTimeout    string  `toml:"idle_timeout"`     // Keep-alive idle timeout as duration string (default: "120s")
	RateLimitRPS   float64 `toml:"rate_limit_rps"`   // API requests per second per client, 0 disables limiting
	RateLimitBurst int     `toml:"rate_limit_burst"` // Burst allowance for the API rate limiter
}

// StorageConfig contains storage backend configuration
type StorageConfig struct {
	Type   string       `toml:"type"` // Storage backend, only "badger" is supported
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig contains BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory (default: ./data)
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Wipe the database on startup (development only)
}

// QueueConfig contains job queue and worker configuration
type QueueConfig struct {
	PollInterval     string `toml:"poll_interval"`                      // Worker lease poll interval as duration string (default: "1s")
	RetryDelay       string `toml:"retry_delay"`                        // Delay before a retrying job becomes leasable again (default: "5s")
	DrainTimeout     string `toml:"drain_timeout"`                      // Max wait for in-flight jobs during shutdown (default: "30s")
	MaxAttempts      int    `toml:"max_attempts" validate:"gte=1"`      // Attempts before a job is marked failed (default: 3)
	ParallelRequests int    `toml:"parallel_requests" validate:"gte=1"` // Concurrent LLM calls per project when the project enables parallel requests
}

// LLMConfig contains fallback LLM provider configuration.
// Projects carry their own endpoint, model and API key; these values
// apply when a project leaves them empty.
type LLMConfig struct {
	Endpoint  string `toml:"endpoint"`   // Chat completions URL (default: OpenAI)
	Model     string `toml:"model"`      // Model identifier (default: gpt-4o-mini)
	APIKey    string `toml:"api_key"`    // Bearer token, TABULA_LLM_API_KEY takes precedence
	MaxTokens int    `toml:"max_tokens"` // Maximum completion tokens per request (default: 8192)
}

// PresetsConfig contains schema preset loading configuration
type PresetsConfig struct {
	Dir string `toml:"dir"` // Directory containing preset TOML/YAML files (default: ./presets)
}

// MaintenanceConfig contains background maintenance schedules
type MaintenanceConfig struct {
	StaleSweepSchedule  string `toml:"stale_sweep_schedule"`  // Cron schedule for stale batch reconciliation (default: every 5 minutes)
	MetricPruneSchedule string `toml:"metric_prune_schedule"` // Cron schedule for metric pruning (default: daily at 03:00)
	MetricRetentionDays int    `toml:"metric_retention_days"` // Metrics older than this are pruned (default: 30)
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=debug info warn error"` // Log level (default: info)
	Format string   `toml:"format"`                                       // Output format: text or json (default: text)
	Output []string `toml:"output"`                                       // Destinations: stdout, file (default: both)
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in tabula.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8090,
			ReadTimeout:    "30s",
			WriteTimeout:   "120s", // Extraction enqueue responses are small; uploads can be large
			IdleTimeout:    "120s",
			RateLimitRPS:   0, // Disabled unless configured
			RateLimitBurst: 20,
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Queue: QueueConfig{
			PollInterval:     "1s",
			RetryDelay:       "5s",
			DrainTimeout:     "30s",
			MaxAttempts:      3,
			ParallelRequests: 4,
		},
		LLM: LLMConfig{
			Endpoint:  "https://api.openai.com/v1/chat/completions",
			Model:     "gpt-4o-mini",
			APIKey:    "", // User must provide a key via config or TABULA_LLM_API_KEY
			MaxTokens: 8192,
		},
		Presets: PresetsConfig{
			Dir: "./presets",
		},
		Maintenance: MaintenanceConfig{
			StaleSweepSchedule:  "*/5 * * * *",
			MetricPruneSchedule: "0 3 * * *",
			MetricRetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI.
// Later files override earlier files.
// Example: LoadFromFiles("base.toml", "local.toml") - local.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration for invalid or inconsistent values
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := ValidateSchedule(c.Maintenance.StaleSweepSchedule); err != nil {
		return fmt.Errorf("invalid stale_sweep_schedule: %w", err)
	}
	if err := ValidateSchedule(c.Maintenance.MetricPruneSchedule); err != nil {
		return fmt.Errorf("invalid metric_prune_schedule: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: TABULA_ENV, fallback: GO_ENV)
	if env := os.Getenv("TABULA_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("TABULA_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("TABULA_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if rps := os.Getenv("TABULA_SERVER_RATE_LIMIT_RPS"); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil {
			config.Server.RateLimitRPS = r
		}
	}

	// Storage configuration
	if path := os.Getenv("TABULA_STORAGE_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if reset := os.Getenv("TABULA_STORAGE_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Queue configuration
	if pollInterval := os.Getenv("TABULA_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if retryDelay := os.Getenv("TABULA_QUEUE_RETRY_DELAY"); retryDelay != "" {
		config.Queue.RetryDelay = retryDelay
	}
	if drainTimeout := os.Getenv("TABULA_QUEUE_DRAIN_TIMEOUT"); drainTimeout != "" {
		config.Queue.DrainTimeout = drainTimeout
	}
	if maxAttempts := os.Getenv("TABULA_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = ma
		}
	}
	if parallel := os.Getenv("TABULA_QUEUE_PARALLEL_REQUESTS"); parallel != "" {
		if p, err := strconv.Atoi(parallel); err == nil {
			config.Queue.ParallelRequests = p
		}
	}

	// LLM configuration
	if endpoint := os.Getenv("TABULA_LLM_ENDPOINT"); endpoint != "" {
		config.LLM.Endpoint = endpoint
	}
	if model := os.Getenv("TABULA_LLM_MODEL"); model != "" {
		config.LLM.Model = model
	}
	if apiKey := os.Getenv("TABULA_LLM_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	} else if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if maxTokens := os.Getenv("TABULA_LLM_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.LLM.MaxTokens = mt
		}
	}

	// Presets configuration
	if presetsDir := os.Getenv("TABULA_PRESETS_DIR"); presetsDir != "" {
		config.Presets.Dir = presetsDir
	}

	// Maintenance configuration
	if sweep := os.Getenv("TABULA_MAINTENANCE_STALE_SWEEP_SCHEDULE"); sweep != "" {
		config.Maintenance.StaleSweepSchedule = sweep
	}
	if retention := os.Getenv("TABULA_MAINTENANCE_METRIC_RETENTION_DAYS"); retention != "" {
		if rd, err := strconv.Atoi(retention); err == nil {
			config.Maintenance.MetricRetentionDays = rd
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("TABULA_LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("TABULA_LOG_FORMAT"); logFormat != "" {
		config.Logging.Format = logFormat
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ResolveAPIKey returns the effective LLM API key for a project-level key,
// falling back to the configured key when the project leaves it empty.
// An empty result is valid for endpoints that do not require authentication.
func (c *Config) ResolveAPIKey(projectKey string) string {
	if projectKey != "" {
		return projectKey
	}
	return c.LLM.APIKey
}

// ParseDuration parses a duration string, returning the fallback on
// empty or malformed input.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// PollIntervalDuration returns the parsed worker poll interval
func (q *QueueConfig) PollIntervalDuration() time.Duration {
	return ParseDuration(q.PollInterval, 1*time.Second)
}

// RetryDelayDuration returns the parsed retry delay
func (q *QueueConfig) RetryDelayDuration() time.Duration {
	return ParseDuration(q.RetryDelay, 5*time.Second)
}

// DrainTimeoutDuration returns the parsed shutdown drain timeout
func (q *QueueConfig) DrainTimeoutDuration() time.Duration {
	return ParseDuration(q.DrainTimeout, 30*time.Second)
}

// ValidateSchedule validates a standard 5-field cron schedule expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
