package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

// Config represents the fincontext configuration
type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Session   SessionConfig   `yaml:"session"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider       string        `yaml:"provider"` // gemini | azure | ollama | local
	Model          string        `yaml:"model,omitempty"`
	Dimension      int           `yaml:"dimension"`
	Endpoint       string        `yaml:"endpoint,omitempty"`
	MaxInputChars  int           `yaml:"max_input_chars,omitempty"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// Secrets come from the environment only.
	APIKey string `yaml:"-"`
}

// StoreConfig selects the vector index backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres | memory
	DSN    string `yaml:"dsn,omitempty"`
}

// RetrievalConfig holds the defaults applied to every retrieval request.
type RetrievalConfig struct {
	MinResults       int           `yaml:"min_results"`
	InitialThreshold float64       `yaml:"initial_threshold"`
	ThresholdStep    float64       `yaml:"threshold_step"`
	FloorThreshold   float64       `yaml:"floor_threshold"`
	PerTypeLimit     int           `yaml:"per_type_limit"`
	TotalLimit       int           `yaml:"total_limit"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	EntityTypes      []string      `yaml:"entity_types"`

	CategoryBreakdown bool `yaml:"category_breakdown,omitempty"`
	MonthlyBreakdown  bool `yaml:"monthly_breakdown,omitempty"`
}

// SessionConfig selects the conversation session backend.
type SessionConfig struct {
	Backend   string        `yaml:"backend"` // memory | redis
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
}

// ServerConfig configures the HTTP wrapper.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:       "gemini",
			Dimension:      768,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Store: StoreConfig{Driver: "sqlite"},
		Retrieval: RetrievalConfig{
			MinResults:       5,
			InitialThreshold: 0.7,
			ThresholdStep:    0.05,
			FloorThreshold:   0.5,
			PerTypeLimit:     10,
			TotalLimit:       20,
			MaxTokens:        1000,
			Timeout:          10 * time.Second,
			EntityTypes:      []string{"expense", "income"},
		},
		Session: SessionConfig{Backend: "memory", TTL: time.Hour},
		Server:  ServerConfig{Addr: "127.0.0.1:8080"},
		Log:     LogConfig{Level: "info"},
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("FINCONTEXT_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fincontext"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	if override := os.Getenv("FINCONTEXT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Fincontext"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "fincontext"), nil
	}

	return filepath.Join(home, ".local", "share", "fincontext"), nil
}

// GetPath returns the path of config.yaml.
func GetPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// LoadEnv loads a .env file from the working directory and the config directory.
// Variables already set in the process environment win. Missing files are ignored.
func LoadEnv() error {
	candidates := []string{".env"}
	if dir, err := GetConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	path, err := GetPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom loads config from path, falling back to defaults when it does not exist.
// Environment overrides are applied after the file.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	switch strings.ToLower(c.Embedding.Provider) {
	case "gemini":
		c.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
	case "azure":
		c.Embedding.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		if endpoint := os.Getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
			c.Embedding.Endpoint = endpoint
		}
	}
	if dsn := os.Getenv("FINCONTEXT_PG_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if addr := os.Getenv("FINCONTEXT_REDIS_ADDR"); addr != "" {
		c.Session.RedisAddr = addr
	}
	if level := os.Getenv("FINCONTEXT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate checks the values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Embedding.Provider) {
	case "gemini", "azure", "ollama", "local":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver postgres requires a dsn (or FINCONTEXT_PG_DSN)")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Session.RedisAddr == "" {
			return fmt.Errorf("session backend redis requires redis_addr (or FINCONTEXT_REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	r := c.Retrieval
	if r.ThresholdStep <= 0 {
		return fmt.Errorf("retrieval threshold_step must be positive")
	}
	if r.FloorThreshold > r.InitialThreshold {
		return fmt.Errorf("retrieval floor_threshold %.2f exceeds initial_threshold %.2f", r.FloorThreshold, r.InitialThreshold)
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	path, err := GetPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the config to path, creating its directory.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
