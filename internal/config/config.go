// Package config loads the client configuration: built-in defaults, an
// optional YAML file, then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

type Config struct {
	APIURL     string           `yaml:"api_url"`
	HubURL     string           `yaml:"hub_url"`
	Credential CredentialConfig `yaml:"credential"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	// ArchiveDSN enables the PostgreSQL transcript archive when set.
	ArchiveDSN string        `yaml:"archive_dsn"`
	Logging    LoggingConfig `yaml:"logging"`
}

type CredentialConfig struct {
	Store string `yaml:"store"`
	// Path of the credential file; empty means the user config directory.
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type RealtimeConfig struct {
	SkipNegotiation   bool            `yaml:"skip_negotiation"`
	ReconnectDelays   []time.Duration `yaml:"reconnect_delays"`
	KeepAliveInterval time.Duration   `yaml:"keep_alive_interval"`
	ServerTimeout     time.Duration   `yaml:"server_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		APIURL: "https://localhost:7027/api/Auth/",
		HubURL: "http://localhost:7027/chathub",
		Credential: CredentialConfig{
			Store:       StoreFile,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "chatclient",
		},
		Realtime: RealtimeConfig{
			KeepAliveInterval: 15 * time.Second,
			ServerTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file, or an empty path, leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the environment without
// overriding ones already set. With no arguments it reads ./.env.
func LoadDotEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}

// DefaultPath is the config file used when none is given on the command line.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatclient", "config.yaml")
}

func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHAT_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("CHAT_HUB_URL"); v != "" {
		c.HubURL = v
	}
	if v := os.Getenv("CHAT_CREDENTIAL_STORE"); v != "" {
		c.Credential.Store = v
	}
	if v := os.Getenv("CHAT_CREDENTIAL_PATH"); v != "" {
		c.Credential.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Credential.RedisAddr = v
	}
	if v := os.Getenv("CHAT_ARCHIVE_DSN"); v != "" {
		c.ArchiveDSN = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	for name, raw := range map[string]string{"api_url": c.APIURL, "hub_url": c.HubURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s: %q is not an http(s) URL", name, raw)
		}
	}

	switch c.Credential.Store {
	case StoreFile, StoreMemory:
	case StoreRedis:
		if c.Credential.RedisAddr == "" {
			return fmt.Errorf("credential store %q needs redis_addr", StoreRedis)
		}
	default:
		return fmt.Errorf("invalid credential store: %s (valid: %v)", c.Credential.Store,
			[]string{StoreFile, StoreRedis, StoreMemory})
	}

	for _, d := range c.Realtime.ReconnectDelays {
		if d < 0 {
			return fmt.Errorf("invalid reconnect delay: %s", d)
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}
