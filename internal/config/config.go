// Package config manages revec configuration and the .revec directory.
// It handles loading, saving, and initializing a collection's configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	RevecDir   = ".revec"
	ConfigFile = "config"
	BoltFile   = "revec.db"
	SQLiteFile = "revec.sqlite"
)

// Backends and indexes accepted in the configuration. BackendMemory names the
// process-local store, which cannot back a repository and is rejected.
const (
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"

	IndexFlat     = "flat"
	IndexWeaviate = "weaviate"
)

// ErrNotInitialized is returned when no .revec directory is found.
var ErrNotInitialized = errors.New("not a revec collection (or any parent up to root)")

// Config represents the revec configuration.
type Config struct {
	Dimension      int             `toml:"dimension"`
	Backend        string          `toml:"backend"`
	KeepHistory    bool            `toml:"keep_history"`
	QueryTimeoutMS int             `toml:"query_timeout_ms"`
	Index          IndexConfig     `toml:"index"`
	Retry          RetryConfig     `toml:"retry"`
	Embedding      EmbeddingConfig `toml:"embedding"`
	Log            LogConfig       `toml:"log"`
	path           string          // path to .revec directory
}

// IndexConfig selects the current index.
type IndexConfig struct {
	Kind          string `toml:"kind"`
	WeaviateURL   string `toml:"weaviate_url,omitempty"`
	WeaviateClass string `toml:"weaviate_class,omitempty"`
}

// RetryConfig bounds conflict and transient-failure retries.
type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// EmbeddingConfig configures the text embedding provider used by --text.
// The API key is read from OPENAI_API_KEY, never from the file.
type EmbeddingConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model,omitempty"`
	BaseURL  string `toml:"base_url,omitempty"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Defaults returns the configuration written by init.
func Defaults(dimension int) *Config {
	return &Config{
		Dimension:      dimension,
		Backend:        BackendBbolt,
		KeepHistory:    true,
		QueryTimeoutMS: 30000,
		Index:          IndexConfig{Kind: IndexFlat},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMS: 10,
			MaxDelayMS:  500,
		},
		Embedding: EmbeddingConfig{Provider: "openai"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// FindRoot finds the .revec directory by walking up from the current directory.
func FindRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return FindRootFrom(dir)
}

// FindRootFrom finds the .revec directory by walking up from dir.
func FindRootFrom(dir string) (string, error) {
	for {
		revecPath := filepath.Join(dir, RevecDir)
		if info, err := os.Stat(revecPath); err == nil && info.IsDir() {
			return revecPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotInitialized
		}
		dir = parent
	}
}

// Load loads the configuration from the nearest .revec directory and applies
// REVEC_* environment overrides.
func Load() (*Config, error) {
	revecPath, err := FindRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFile(revecPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the config file of the given .revec directory.
func LoadFile(revecPath string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(revecPath, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults(0)
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = revecPath
	return cfg, nil
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.path, ConfigFile), data, 0644)
}

// Initialize creates a .revec directory under dir holding cfg.
func Initialize(dir string, cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	revecPath := filepath.Join(dir, RevecDir)

	if _, err := os.Stat(revecPath); err == nil {
		return nil, fmt.Errorf("revec collection already exists at %s", revecPath)
	}
	if err := os.MkdirAll(revecPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", RevecDir, err)
	}

	cfg.path = revecPath
	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(revecPath)
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	switch c.Backend {
	case BackendBbolt, BackendSQLite:
	case BackendMemory:
		return fmt.Errorf("backend %q does not persist between commands (want %s or %s)", c.Backend, BackendBbolt, BackendSQLite)
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendBbolt, BackendSQLite)
	}
	switch c.Index.Kind {
	case IndexFlat:
	case IndexWeaviate:
		if c.Index.WeaviateURL == "" {
			return fmt.Errorf("index.weaviate_url is required for the weaviate index")
		}
	default:
		return fmt.Errorf("unknown index %q (want %s or %s)", c.Index.Kind, IndexFlat, IndexWeaviate)
	}
	if c.QueryTimeoutMS < 0 {
		return fmt.Errorf("query_timeout_ms must not be negative, got %d", c.QueryTimeoutMS)
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxAttempts > 100 {
		return fmt.Errorf("retry.max_attempts must be 0-100, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// ApplyEnv overrides settings from REVEC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"REVEC_BACKEND":            &c.Backend,
		"REVEC_INDEX":              &c.Index.Kind,
		"REVEC_WEAVIATE_URL":       &c.Index.WeaviateURL,
		"REVEC_WEAVIATE_CLASS":     &c.Index.WeaviateClass,
		"REVEC_EMBEDDING_MODEL":    &c.Embedding.Model,
		"REVEC_EMBEDDING_BASE_URL": &c.Embedding.BaseURL,
		"REVEC_LOG_LEVEL":          &c.Log.Level,
		"REVEC_LOG_FORMAT":         &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REVEC_QUERY_TIMEOUT_MS":   &c.QueryTimeoutMS,
		"REVEC_RETRY_MAX_ATTEMPTS": &c.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := lookup("REVEC_KEEP_HISTORY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("REVEC_KEEP_HISTORY: %w", err)
		}
		c.KeepHistory = b
	}
	return nil
}

// Path returns the path to the .revec directory.
func (c *Config) Path() string {
	return c.path
}

// DatabasePath returns the path of the record store file for the backend.
func (c *Config) DatabasePath() string {
	if c.Backend == BackendSQLite {
		return filepath.Join(c.path, SQLiteFile)
	}
	return filepath.Join(c.path, BoltFile)
}

// QueryTimeout returns the query timeout, zero when disabled.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// RetryDelays returns the base and maximum retry delays.
func (c *Config) RetryDelays() (base, maxDelay time.Duration) {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}
