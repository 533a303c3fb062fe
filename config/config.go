/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/PivotLLM/Surveyor/global"
)

//go:embed config-example.json
var defaultConfig []byte

// Config provides access to application configuration
type Config struct {
	configPath string      // resolved path to config file
	data       *configData // parsed configuration
	firstRun   bool        // true if config was just created
	dbPath     string      // resolved database path
	lockPath   string      // resolved sweep lock path
	envFile    string      // resolved .env path (may not exist)
}

// configData holds the parsed configuration (internal)
type configData struct {
	Version            int       `json:"version"`
	BaseDir            string    `json:"base_dir"`
	Database           string    `json:"database,omitempty"`
	EnvFile            string    `json:"env_file,omitempty"`
	Logging            Logging   `json:"logging"`
	Runner             Runner    `json:"runner,omitempty"`
	Retrieval          Retrieval `json:"retrieval,omitempty"`
	Telemetry          Telemetry `json:"telemetry,omitempty"`
	MarkNonDestructive bool      `json:"mark_non_destructive,omitempty"`
}

// Logging represents logging configuration
type Logging struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

// Runner represents configuration for AI request execution
type Runner struct {
	MaxConcurrent          int       `json:"max_concurrent,omitempty"`           // Upper bound on parallel tasks per request
	ProviderTimeoutSeconds int       `json:"provider_timeout_seconds,omitempty"` // Wall-clock limit per provider call
	MaxOutputTokens        int       `json:"max_output_tokens,omitempty"`        // Used when the model has no limit of its own
	SkipLockedTasks        bool      `json:"skip_locked_tasks,omitempty"`        // Record skipped_dependency instead of calling the provider
	RateLimit              RateLimit `json:"rate_limit,omitempty"`
	QuotaPatterns          []string  `json:"quota_patterns,omitempty"` // Extra case-insensitive quota phrases
	SweepLockFile          string    `json:"sweep_lock_file,omitempty"`
}

// RateLimit represents rate limiting configuration, applied per provider
type RateLimit struct {
	MaxRequests   int `json:"max_requests,omitempty"`
	PeriodSeconds int `json:"period_seconds,omitempty"`
}

// Retrieval configures the Firecrawl evidence search
type Retrieval struct {
	FirecrawlAPIKey  string `json:"firecrawl_api_key,omitempty"` // literal or env:NAME
	FirecrawlBaseURL string `json:"firecrawl_base_url,omitempty"`
	MaxResults       int    `json:"max_results,omitempty"`
	MaxContentChars  int    `json:"max_content_chars,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	QuerySuffix      string `json:"query_suffix,omitempty"`
}

// Telemetry configures OpenTelemetry tracing
type Telemetry struct {
	Enabled      bool   `json:"enabled,omitempty"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
	ServiceName  string `json:"service_name,omitempty"`
}

// Option is a functional option for configuring Config
type Option func(*Config)

// New creates a new Config instance with optional configuration
func New(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfigPath sets an explicit config file path
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
	}
}

// setupDefaultConfig creates a default config file from the embedded example
func (c *Config) setupDefaultConfig(configPath string) error {
	if err := global.AtomicWrite(configPath, defaultConfig); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Load loads and validates configuration from file.
// If the config file doesn't exist, it is created from embedded defaults.
func (c *Config) Load() error {
	configPath, err := c.resolveConfigPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	c.configPath = configPath

	if !global.FileExists(configPath) {
		c.firstRun = true
		if err := c.setupDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default config at %s: %w", configPath, err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg, err := parse(configPath, data)
	if err != nil {
		return err
	}
	c.data = cfg

	c.resolveBaseDir()

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.normalizePaths(); err != nil {
		return fmt.Errorf("failed to normalize paths: %w", err)
	}

	// Load .env so env: credentials resolve. Existing variables win.
	if c.envFile != "" && global.FileExists(c.envFile) {
		if err := godotenv.Load(c.envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", c.envFile, err)
		}
	}

	return nil
}

// parse decodes config JSON, warning about (but tolerating) unknown fields
func parse(configPath string, data []byte) (*configData, error) {
	var cfg configData
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		if !strings.Contains(err.Error(), "unknown field") {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Warning: config file %s: %v\n", configPath, err)
		cfg = configData{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}
	return &cfg, nil
}

// resolveConfigPath determines the config file path using precedence rules
func (c *Config) resolveConfigPath() (string, error) {
	// 1. Explicit path (from WithConfigPath option)
	if c.configPath != "" {
		return resolveToAbsolute(c.configPath)
	}

	// 2. Environment variable
	if envPath := os.Getenv(global.ConfigEnvVar); envPath != "" {
		return resolveToAbsolute(envPath)
	}

	// 3. Default: base_dir/config.json
	return filepath.Join(global.ExpandHomePath(global.DefaultBaseDir), global.DefaultConfigFileName), nil
}

// resolveBaseDir resolves the base_dir from config, falling back to the default
func (c *Config) resolveBaseDir() {
	if c.data.BaseDir == "" {
		c.data.BaseDir = global.ExpandHomePath(global.DefaultBaseDir)
		return
	}

	resolved := global.ExpandHomePath(c.data.BaseDir)
	if !filepath.IsAbs(resolved) {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: base_dir '%s' is not absolute, using default '%s'\n",
			c.data.BaseDir, global.DefaultBaseDir)
		resolved = global.ExpandHomePath(global.DefaultBaseDir)
	}
	c.data.BaseDir = resolved
}

// resolveToAbsolute converts a path to absolute, expanding ~/ if needed
func resolveToAbsolute(path string) (string, error) {
	expanded := global.ExpandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return filepath.Abs(expanded)
}

// resolvePath resolves a path relative to base_dir
func (c *Config) resolvePath(path string) string {
	if path == "" {
		return ""
	}
	expanded := global.ExpandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(c.data.BaseDir, expanded)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.data.Version != 1 {
		if c.data.Version < 1 {
			return fmt.Errorf("config version %d is too old (expected 1)", c.data.Version)
		}
		return fmt.Errorf("config version %d is newer than supported (expected 1)", c.data.Version)
	}

	r := c.data.Runner
	if r.MaxConcurrent < 0 {
		return fmt.Errorf("runner.max_concurrent cannot be negative")
	}
	if _, err := global.ValidateTimeout(r.ProviderTimeoutSeconds); err != nil {
		return fmt.Errorf("runner.provider_timeout_seconds: %w", err)
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("runner.max_output_tokens cannot be negative")
	}
	for _, p := range r.QuotaPatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("runner.quota_patterns cannot contain empty entries")
		}
	}

	ret := c.data.Retrieval
	if ret.MaxResults < 0 || ret.MaxContentChars < 0 || ret.TimeoutSeconds < 0 {
		return fmt.Errorf("retrieval limits cannot be negative")
	}
	if ret.FirecrawlBaseURL != "" &&
		!strings.HasPrefix(ret.FirecrawlBaseURL, "http://") && !strings.HasPrefix(ret.FirecrawlBaseURL, "https://") {
		return fmt.Errorf("retrieval.firecrawl_base_url must be an http(s) URL: %s", ret.FirecrawlBaseURL)
	}

	return nil
}

// normalizePaths resolves all paths to absolute paths and creates directories
func (c *Config) normalizePaths() error {
	if err := os.MkdirAll(c.data.BaseDir, 0755); err != nil {
		return fmt.Errorf("failed to create base directory %s: %w", c.data.BaseDir, err)
	}

	database := c.data.Database
	if database == "" {
		database = global.DefaultDatabaseFile
	}
	c.dbPath = c.resolvePath(database)

	lock := c.data.Runner.SweepLockFile
	if lock == "" {
		lock = global.DefaultSweepLockFile
	}
	c.lockPath = c.resolvePath(lock)

	c.envFile = c.resolvePath(c.data.EnvFile)

	if c.data.Logging.File != "" {
		c.data.Logging.File = c.resolvePath(c.data.Logging.File)
	}

	return nil
}

// Getter methods

// Version returns the config version
func (c *Config) Version() int {
	return c.data.Version
}

// BaseDir returns the resolved base directory (always absolute)
func (c *Config) BaseDir() string {
	return c.data.BaseDir
}

// DatabasePath returns the resolved SQLite database path
func (c *Config) DatabasePath() string {
	return c.dbPath
}

// SweepLockPath returns the resolved path of the queue sweep lock file
func (c *Config) SweepLockPath() string {
	return c.lockPath
}

// LogFile returns the resolved log file path (always absolute)
func (c *Config) LogFile() string {
	return c.data.Logging.File
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() string {
	return c.data.Logging.Level
}

// MarkNonDestructive returns true if tools should be marked as non-destructive
func (c *Config) MarkNonDestructive() bool {
	return c.data.MarkNonDestructive
}

// IsFirstRun returns true if this is the first run (config was just created)
func (c *Config) IsFirstRun() bool {
	return c.firstRun
}

// ConfigPath returns the path to the loaded config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Runner returns the runner configuration with defaults applied
func (c *Config) Runner() Runner {
	r := c.data.Runner
	if r.MaxConcurrent <= 0 {
		r.MaxConcurrent = global.DefaultMaxConcurrent
	}
	if r.ProviderTimeoutSeconds <= 0 {
		r.ProviderTimeoutSeconds = global.DefaultProviderTimeoutSeconds
	}
	if r.MaxOutputTokens <= 0 {
		r.MaxOutputTokens = global.DefaultMaxOutputTokens
	}
	if r.RateLimit.MaxRequests <= 0 {
		r.RateLimit.MaxRequests = global.DefaultRateLimitRequests
	}
	if r.RateLimit.PeriodSeconds <= 0 {
		r.RateLimit.PeriodSeconds = global.DefaultRateLimitPeriod
	}
	return r
}

// ProviderTimeout returns the provider call timeout as a duration
func (r Runner) ProviderTimeout() time.Duration {
	return time.Duration(r.ProviderTimeoutSeconds) * time.Second
}

// Retrieval returns the retrieval configuration with defaults applied.
// The API key is returned unresolved.
func (c *Config) Retrieval() Retrieval {
	r := c.data.Retrieval
	if r.FirecrawlBaseURL == "" {
		r.FirecrawlBaseURL = global.DefaultFirecrawlBaseURL
	}
	if r.MaxResults <= 0 {
		r.MaxResults = global.DefaultRetrievalMaxResults
	}
	if r.MaxContentChars <= 0 {
		r.MaxContentChars = global.DefaultRetrievalMaxChars
	}
	if r.TimeoutSeconds <= 0 {
		r.TimeoutSeconds = global.DefaultRetrievalTimeout
	}
	if r.QuerySuffix == "" {
		r.QuerySuffix = global.DefaultRetrievalSuffix
	}
	return r
}

// Telemetry returns the telemetry configuration with defaults applied
func (c *Config) Telemetry() Telemetry {
	t := c.data.Telemetry
	if t.OTLPEndpoint == "" {
		t.OTLPEndpoint = global.DefaultOTLPEndpoint
	}
	if t.ServiceName == "" {
		t.ServiceName = strings.ToLower(global.ProgramName)
	}
	return t
}
