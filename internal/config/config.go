package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete configuration for both the authority server and the
// client-side validation engine. Everything is passed explicitly into
// constructors; nothing reads the environment after Load returns.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Authority AuthorityConfig `yaml:"authority" envconfig:"AUTHORITY"`
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration for the authority.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST" default:"40"`
}

// AuthorityConfig contains authority-side licensing configuration.
type AuthorityConfig struct {
	DatabasePath  string        `yaml:"database_path" envconfig:"DATABASE_PATH" default:"data/parklic.db" validate:"required"`
	SharedSecret  string        `yaml:"shared_secret" envconfig:"SHARED_SECRET" default:"" validate:"required,min=16"`
	TrialDuration time.Duration `yaml:"trial_duration" envconfig:"TRIAL_DURATION" default:"336h"` // 14 days
	AdminUser     string        `yaml:"admin_user" envconfig:"ADMIN_USER" default:"operator"`
	// AdminPasswordHash is a bcrypt hash; plaintext passwords never live in config.
	// An empty hash fails every login (bcrypt rejects it), so it is not required.
	AdminPasswordHash string `yaml:"admin_password_hash" envconfig:"ADMIN_PASSWORD_HASH"`
	// SessionSecret signs operator session tokens. Required: an empty key
	// would let anyone mint an operator session.
	SessionSecret string        `yaml:"session_secret" envconfig:"SESSION_SECRET" validate:"required,min=16"`
	SessionTTL    time.Duration `yaml:"session_ttl" envconfig:"SESSION_TTL" default:"1h"`
}

// ClientConfig contains the client-side validation engine configuration.
type ClientConfig struct {
	AuthorityURL   string        `yaml:"authority_url" envconfig:"AUTHORITY_URL" default:"http://localhost:8090" validate:"required,url"`
	DataDir        string        `yaml:"data_dir" envconfig:"DATA_DIR" default:"data" validate:"required"`
	SharedSecret   string        `yaml:"shared_secret" envconfig:"SHARED_SECRET" default:"" validate:"required,min=16"`
	CheckInterval  time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" default:"720h"` // 30 days
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"10s" validate:"gt=0"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/parklic.log"`
}

// Load loads configuration from an optional YAML file, then overlays
// environment variables (PARKLIC_* takes precedence), then validates.
func Load() (*Config, error) {
	var cfg Config

	if path := findConfigFile(); path != "" {
		fileCfg, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
		cfg = *fileCfg
	}

	if err := envconfig.Process("PARKLIC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration with struct tags plus cross-field rules.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.Client.CheckInterval < 24*time.Hour {
		return fmt.Errorf("client check interval must be at least 24h, got %s", c.Client.CheckInterval)
	}
	return nil
}

// CredentialPath returns the path of the obfuscated credential blob.
func (c *ClientConfig) CredentialPath() string {
	return filepath.Join(c.DataDir, "credential.dat")
}

// LastCheckPath returns the path of the last-online-check timestamp file.
func (c *ClientConfig) LastCheckPath() string {
	return filepath.Join(c.DataDir, "lastcheck")
}

// FallbackIDPath returns the path of the persisted fallback hardware id.
func (c *ClientConfig) FallbackIDPath() string {
	return filepath.Join(c.DataDir, "machine.id")
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns a configuration suitable for local development and tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Authority: AuthorityConfig{
			DatabasePath:  "data/parklic.db",
			SharedSecret:  "dev-only-secret-change-me",
			TrialDuration: 14 * 24 * time.Hour,
			AdminUser:     "operator",
			SessionSecret: "dev-only-session-secret-change-me",
			SessionTTL:    time.Hour,
		},
		Client: ClientConfig{
			AuthorityURL:   "http://localhost:8090",
			DataDir:        "data",
			SharedSecret:   "dev-only-secret-change-me",
			CheckInterval:  30 * 24 * time.Hour,
			RequestTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}
