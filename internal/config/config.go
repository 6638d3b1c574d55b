// Package config handles .deskchat configuration file parsing.
//
// The .deskchat file lives in the working directory (or a parent, up to the
// git root) and contains:
//
//	base_url: "https://shop.example.com"   - Back office API base URL
//	hub_url: "https://.../hubs/chat"       - Live hub URL (default: base_url + /hubs/chat)
//	transport: "sse"                       - sse | ws | redis
//	operator_id: 1                         - The operator's user id
//	api_key: "..."                         - Bearer token for the API and hub
//	redis_url: "redis://localhost:6379/0"  - Required for the redis transport
//	redis_prefix: "deskchat"               - Channel prefix for the redis transport
//	max_connect_attempts: 3                - Consecutive failures before live updates stop
//	retry_delay: 5s                        - Delay between connect attempts
//	backfill_interval: 2s                  - Minimum spacing of backfill fetches
//	max_windows: 0                         - Open window cap (0 = unlimited)
//	metrics_addr: ":9464"                  - Serve /metrics while watching
//	log_level: "info"                      - debug | info | warn | error
//
// DESKCHAT_* environment variables override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = ".deskchat"

// Transports.
const (
	TransportSSE   = "sse"
	TransportWS    = "ws"
	TransportRedis = "redis"
)

// Defaults applied by WithDefaults.
const (
	DefaultTransport          = TransportSSE
	DefaultHubPath            = "/hubs/chat"
	DefaultMaxConnectAttempts = 3
	DefaultRetryDelay         = 5 * time.Second
	DefaultBackfillInterval   = 2 * time.Second
	DefaultRedisPrefix        = "deskchat"
)

// customPath holds an optional custom config file path.
// When empty, Load() uses the default FileName.
var customPath string

// SetPath sets a custom config file path for Load() to use.
// Pass an empty string to reset to the default path.
func SetPath(path string) {
	customPath = path
}

// GetPath returns the current config file path.
// Returns the custom path if set, otherwise the default FileName.
func GetPath() string {
	if customPath != "" {
		return customPath
	}
	return FileName
}

// FindPath resolves the config file path using the same logic as Load(),
// without reading or parsing the file contents.
func FindPath() (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	return findDefaultConfigPath()
}

// Root returns the directory containing the resolved config file.
func Root() (string, error) {
	path, err := FindPath()
	if err != nil {
		return "", err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return filepath.Dir(path), nil
}

var (
	urlPattern      = regexp.MustCompile(`^https?://[^\s]+$`)
	redisURLPattern = regexp.MustCompile(`^rediss?://[^\s]+$`)
	prefixPattern   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)
)

// Config represents the .deskchat configuration file.
type Config struct {
	BaseURL            string        `yaml:"base_url"`
	HubURL             string        `yaml:"hub_url,omitempty"`
	Transport          string        `yaml:"transport,omitempty"`
	OperatorID         int64         `yaml:"operator_id"`
	APIKey             string        `yaml:"api_key,omitempty"`
	RedisURL           string        `yaml:"redis_url,omitempty"`
	RedisPrefix        string        `yaml:"redis_prefix,omitempty"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts,omitempty"`
	RetryDelay         time.Duration `yaml:"retry_delay,omitempty"`
	BackfillInterval   time.Duration `yaml:"backfill_interval,omitempty"`
	MaxWindows         int           `yaml:"max_windows,omitempty"`
	MetricsAddr        string        `yaml:"metrics_addr,omitempty"`
	LogLevel           string        `yaml:"log_level,omitempty"`
}

// Load reads and parses the .deskchat configuration file.
// Uses the custom path if set via SetPath(), otherwise uses the default FileName.
func Load() (*Config, error) {
	if customPath != "" {
		return LoadFrom(customPath)
	}

	path, err := findDefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads and parses a .deskchat configuration file from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err // Return unwrapped for os.IsNotExist() checks
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return &cfg, nil
}

// Resolve loads the config file if there is one, applies the environment
// and fills defaults. A missing file is not an error: the environment alone
// can configure a session.
func Resolve() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if customPath != "" {
			return nil, err
		}
		cfg = &Config{}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	resolved := cfg.WithDefaults()
	return &resolved, nil
}

func findDefaultConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return FileName, nil
	}

	gitRoot, ok := findGitRoot(cwd)
	if !ok {
		// Outside a git worktree only the current directory counts.
		candidate := filepath.Join(cwd, FileName)
		if _, err := os.Stat(candidate); err != nil {
			return candidate, &os.PathError{Op: "open", Path: candidate, Err: os.ErrNotExist}
		}
		return candidate, nil
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		if dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	// Return an IsNotExist error with a helpful path (repo root) so callers
	// can still rely on os.IsNotExist(err).
	rootCandidate := filepath.Join(gitRoot, FileName)
	return rootCandidate, &os.PathError{Op: "open", Path: rootCandidate, Err: os.ErrNotExist}
}

func findGitRoot(start string) (string, bool) {
	dir := start
	for {
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			return dir, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// ApplyEnv overrides fields from DESKCHAT_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("DESKCHAT_BASE_URL", &c.BaseURL)
	str("DESKCHAT_HUB_URL", &c.HubURL)
	str("DESKCHAT_API_KEY", &c.APIKey)
	str("DESKCHAT_TRANSPORT", &c.Transport)
	str("DESKCHAT_REDIS_URL", &c.RedisURL)
	str("DESKCHAT_METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup("DESKCHAT_OPERATOR_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("DESKCHAT_OPERATOR_ID must be an integer: %w", err)
		}
		c.OperatorID = id
	}
	return nil
}

// WithDefaults returns a copy with unset fields defaulted.
func (c Config) WithDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.HubURL == "" && c.BaseURL != "" && c.Transport != TransportRedis {
		c.HubURL = c.BaseURL + DefaultHubPath
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BackfillInterval == 0 {
		c.BackfillInterval = DefaultBackfillInterval
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = DefaultRedisPrefix
	}
	return c
}

// Save writes the configuration to the config file.
// Uses the custom path if set via SetPath(), otherwise uses the default FileName.
func (c *Config) Save() error {
	path := GetPath()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := "# Generated by: deskchat config init\n# DO NOT COMMIT - contains the API key\n\n"
	content := header + string(data)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// Validate checks that all required fields are present and valid. Call it
// on a config that went through WithDefaults.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !urlPattern.MatchString(c.BaseURL) {
		return fmt.Errorf("base_url must be a valid HTTP(S) URL")
	}
	if c.OperatorID <= 0 {
		return fmt.Errorf("operator_id must be a positive integer")
	}

	switch c.Transport {
	case TransportSSE, TransportWS:
		if c.HubURL == "" {
			return fmt.Errorf("hub_url is required for the %s transport", c.Transport)
		}
		if !urlPattern.MatchString(c.HubURL) {
			return fmt.Errorf("hub_url must be a valid HTTP(S) URL")
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis_url is required for the redis transport")
		}
		if !redisURLPattern.MatchString(c.RedisURL) {
			return fmt.Errorf("redis_url must be a redis:// or rediss:// URL")
		}
		if !prefixPattern.MatchString(c.RedisPrefix) {
			return fmt.Errorf("redis_prefix must be alphanumeric with dots, dashes or underscores (max 64 chars)")
		}
	default:
		return fmt.Errorf("transport must be one of sse, ws, redis (got %q)", c.Transport)
	}

	if c.MaxConnectAttempts < 1 {
		return fmt.Errorf("max_connect_attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry_delay must not be negative")
	}
	if c.BackfillInterval < 0 {
		return fmt.Errorf("backfill_interval must not be negative")
	}
	if c.MaxWindows < 0 {
		return fmt.Errorf("max_windows must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "<redacted>"
	}
	return c
}
