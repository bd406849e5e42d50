// Package config provides configuration management for the transfer client.
//
// Values are resolved in order: built-in defaults, then config.yaml (with
// ${VAR} and ${VAR:-default} expansion), then environment variables, which
// may themselves come from a .env file.
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

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SearchPaths lists where Load looks for config.yaml, first match wins.
var SearchPaths = []string{"config/config.yaml", "config.yaml"}

// Config holds the client configuration
type Config struct {
	Client   ClientConfig   `yaml:"client"`
	Retry    RetryConfig    `yaml:"retry"`
	Auth     AuthConfig     `yaml:"auth"`
	Transfer TransferConfig `yaml:"transfer"`
	Logging  LogConfig      `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ClientConfig holds request engine settings
type ClientConfig struct {
	// BaseURL is the service origin (default: "http://localhost:8000")
	BaseURL string `yaml:"base_url"`
	// APIRoot prefixes every endpoint (default: "/api")
	APIRoot string `yaml:"api_root"`
	// Timeout bounds one request (default: 30s)
	Timeout time.Duration `yaml:"timeout"`
}

// RetryConfig holds the retry policy for ordinary requests
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

// AuthConfig selects where the bearer token comes from
type AuthConfig struct {
	// Token is a fixed credential; when set, no store is consulted
	Token string `yaml:"token"`
	// TokenFile is the file store path (default: user config dir)
	TokenFile string `yaml:"token_file"`
	// RedisURL switches the credential store to redis
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`
	// LivenessInterval is how often a stored token is revalidated (default: 5m)
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// TransferConfig holds transfer engine settings
type TransferConfig struct {
	// QueueLimit caps concurrent uploads; 0 means unlimited
	QueueLimit   int    `yaml:"queue_limit"`
	UploadPath   string `yaml:"upload_path"`
	DownloadPath string `yaml:"download_path"`
}

// LogConfig holds logging settings
type LogConfig struct {
	// Format is json, pretty or auto (default: auto)
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig holds prometheus settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address serves /metrics while long-running commands execute; empty disables serving
	Address string `yaml:"address"`
}

func buildDefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			BaseURL: "http://localhost:8000",
			APIRoot: "/api",
			Timeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
		},
		Auth: AuthConfig{
			LivenessInterval: 5 * time.Minute,
		},
		Logging: LogConfig{
			Format: "auto",
			Level:  "info",
		},
	}
}

// Load resolves configuration from defaults, the first config.yaml found in
// SearchPaths, .env and the environment.
func Load() (*Config, error) {
	path := ""
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail on first use.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Client.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client.base_url must be an absolute http(s) URL, got %q", c.Client.BaseURL)
	}
	if c.Client.APIRoot != "" && !strings.HasPrefix(c.Client.APIRoot, "/") {
		return fmt.Errorf("client.api_root must start with /, got %q", c.Client.APIRoot)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0,1], got %v", c.Retry.Jitter)
	}
	if c.Transfer.QueueLimit < 0 {
		return fmt.Errorf("transfer.queue_limit must be >= 0, got %d", c.Transfer.QueueLimit)
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}. A ${VAR} whose variable
// is unset or empty is left as written.
func expandString(s string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasDefault {
			return def
		}
		return m
	})
}

func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Client.BaseURL, "TRANSFER_BASE_URL")
	setString(&cfg.Client.APIRoot, "TRANSFER_API_ROOT")
	setString(&cfg.Auth.Token, "TRANSFER_TOKEN")
	setString(&cfg.Auth.TokenFile, "TRANSFER_TOKEN_FILE")
	setString(&cfg.Auth.RedisURL, "TRANSFER_REDIS_URL")
	setString(&cfg.Auth.RedisKey, "TRANSFER_REDIS_KEY")
	setString(&cfg.Transfer.UploadPath, "TRANSFER_UPLOAD_PATH")
	setString(&cfg.Transfer.DownloadPath, "TRANSFER_DOWNLOAD_PATH")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Metrics.Address, "METRICS_ADDRESS")

	var errs []error
	errs = append(errs,
		setDuration(&cfg.Client.Timeout, "TRANSFER_TIMEOUT"),
		setDuration(&cfg.Retry.BaseDelay, "TRANSFER_RETRY_BASE_DELAY"),
		setDuration(&cfg.Retry.MaxDelay, "TRANSFER_RETRY_MAX_DELAY"),
		setDuration(&cfg.Auth.LivenessInterval, "TRANSFER_LIVENESS_INTERVAL"),
		setInt(&cfg.Retry.MaxAttempts, "TRANSFER_RETRY_MAX_ATTEMPTS"),
		setInt(&cfg.Transfer.QueueLimit, "TRANSFER_QUEUE_LIMIT"),
		setBool(&cfg.Metrics.Enabled, "METRICS_ENABLED"),
	)
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts plain integers as seconds or Go duration strings.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
