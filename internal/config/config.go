// Package config handles application configuration loading and validation
// from environment variables and an optional YAML file, providing a
// type-safe configuration structure.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Event bus backends accepted by EVENT_BUS.
const (
	EventBusDisabled = ""
	EventBusInMemory = "in-memory"
	EventBusRedis    = "redis"
)

// ErrProjectIDRequired is returned when no project could be resolved from
// configuration or from the detected credentials.
var ErrProjectIDRequired = errors.New("PROJECT_ID is required (set it or use credentials that carry a project)")

var locationPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Config holds all application configuration values. It is built once at
// startup and passed by pointer to the components that need it.
type Config struct {
	// Upstream
	ProjectID       string `yaml:"project_id"`        // Google Cloud project hosting the endpoints
	Location        string `yaml:"location"`          // Vertex AI region, e.g. us-central1
	UpstreamBaseURL string `yaml:"upstream_base_url"` // Overrides the derived Vertex AI base URL
	CredentialsFile string `yaml:"credentials_file"`  // Service account JSON; empty uses ADC lookup

	// Server configuration
	Port            int           `yaml:"port"`             // Port used when ListenAddr is empty
	ListenAddr      string        `yaml:"listen_addr"`      // Address to listen on (e.g., ":8000")
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for in-flight requests

	// Logging
	LogLevel  string `yaml:"log_level"`  // Log level (debug, info, warn, error)
	LogFormat string `yaml:"log_format"` // Log format (json, console)
	LogFile   string `yaml:"log_file"`   // Path to log file (empty for stdout)

	// Monitoring
	EnableMetrics bool   `yaml:"enable_metrics"` // Expose Prometheus metrics
	MetricsPath   string `yaml:"metrics_path"`   // Path for metrics endpoint

	// Observability event bus
	EventBusBackend   string `yaml:"event_bus"`           // "", "in-memory" or "redis"
	EventBufferSize   int    `yaml:"event_buffer_size"`   // Buffer size for the in-memory bus
	RedisAddr         string `yaml:"redis_addr"`          // Redis server address (e.g., "localhost:6379")
	RedisDB           int    `yaml:"redis_db"`            // Redis database number
	RedisStreamKey    string `yaml:"redis_stream_key"`    // Stream receiving request events
	RedisStreamMaxLen int64  `yaml:"redis_stream_maxlen"` // Approximate stream cap (0 = unlimited)
}

// New creates a configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order of
// precedence, and validates it.
func New() (*Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Location:        "us-central1",
		Port:            8000,
		ShutdownTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",

		EnableMetrics: true,
		MetricsPath:   "/metrics",

		EventBufferSize:   1000,
		RedisAddr:         "localhost:6379",
		RedisStreamKey:    "vertex-proxy-events",
		RedisStreamMaxLen: 10000,
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
// Keys absent from the file keep their default values.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the current values.
func (c *Config) applyEnv() {
	c.ProjectID = getEnvString("PROJECT_ID", c.ProjectID)
	c.Location = getEnvString("LOCATION", c.Location)
	c.UpstreamBaseURL = getEnvString("UPSTREAM_BASE_URL", c.UpstreamBaseURL)
	c.CredentialsFile = getEnvString("CREDENTIALS_FILE", c.CredentialsFile)

	c.Port = getEnvInt("PORT", c.Port)
	c.ListenAddr = getEnvString("LISTEN_ADDR", c.ListenAddr)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvString("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnvString("LOG_FILE", c.LogFile)

	c.EnableMetrics = getEnvBool("ENABLE_METRICS", c.EnableMetrics)
	c.MetricsPath = getEnvString("METRICS_PATH", c.MetricsPath)

	c.EventBusBackend = getEnvString("EVENT_BUS", c.EventBusBackend)
	c.EventBufferSize = getEnvInt("EVENT_BUFFER_SIZE", c.EventBufferSize)
	c.RedisAddr = getEnvString("REDIS_ADDR", c.RedisAddr)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.RedisStreamKey = getEnvString("REDIS_STREAM_KEY", c.RedisStreamKey)
	c.RedisStreamMaxLen = getEnvInt64("REDIS_STREAM_MAXLEN", c.RedisStreamMaxLen)
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	if !locationPattern.MatchString(c.Location) {
		return fmt.Errorf("invalid LOCATION %q", c.Location)
	}
	if c.ListenAddr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.UpstreamBaseURL != "" {
		u, err := url.Parse(c.UpstreamBaseURL)
		if err != nil {
			return fmt.Errorf("invalid UPSTREAM_BASE_URL: %w", err)
		}
		if !u.IsAbs() || u.Host == "" {
			return errors.New("UPSTREAM_BASE_URL must be absolute (scheme://host)")
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (want json or console)", c.LogFormat)
	}
	switch c.EventBusBackend {
	case EventBusDisabled, EventBusInMemory, EventBusRedis:
	default:
		return fmt.Errorf("invalid EVENT_BUS %q (want in-memory or redis)", c.EventBusBackend)
	}
	return nil
}

// ResolveProject fills ProjectID from fallback (typically the project
// detected alongside the default credentials) when it is not configured.
func (c *Config) ResolveProject(fallback string) error {
	if c.ProjectID == "" {
		c.ProjectID = strings.TrimSpace(fallback)
	}
	if c.ProjectID == "" {
		return ErrProjectIDRequired
	}
	return nil
}

// Addr returns the address the HTTP server listens on.
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + strconv.Itoa(c.Port)
}

// BaseURL returns the upstream base every endpoint path is appended to.
func (c *Config) BaseURL() string {
	if c.UpstreamBaseURL != "" {
		return strings.TrimRight(c.UpstreamBaseURL, "/")
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1beta1/projects/%s/locations/%s",
		c.Location, c.ProjectID, c.Location)
}
