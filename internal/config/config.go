// Package config loads the chat client configuration: defaults, then an
// optional YAML file, then CHATCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHATCORE_"

// Config is the client configuration.
type Config struct {
	// APIURL is the REST backend root.
	APIURL string `yaml:"api_url" env:"API_URL"`
	// RealtimeURL is the socket root. Derived from APIURL when empty.
	RealtimeURL string `yaml:"realtime_url" env:"REALTIME_URL"`
	// Token is a static bearer token. Empty means anonymous.
	Token          string          `yaml:"token" env:"TOKEN"`
	RequestTimeout time.Duration   `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	Reconnect      ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Logging        LogConfig       `yaml:"logging" envPrefix:"LOG_"`
}

// ReconnectConfig is the realtime reconnection policy.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Factor      float64       `yaml:"factor" env:"FACTOR"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // console or json
}

// Validate checks the level and format.
func (l LogConfig) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil || l.Level == "" {
		return fmt.Errorf("invalid logging.level: %q", l.Level)
	}
	switch l.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("invalid logging.format: %q", l.Format)
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		APIURL:         "http://localhost:8080",
		RequestTimeout: 30 * time.Second,
		Reconnect: ReconnectConfig{
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Factor:      2,
			MaxAttempts: 5,
			DialTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Finalize derives RealtimeURL when unset and validates the result.
// Call it again after applying command-line overrides.
func (c *Config) Finalize() error {
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.RealtimeURL == "" {
		derived, err := RealtimeURLFor(c.APIURL)
		if err != nil {
			return err
		}
		c.RealtimeURL = derived
	}
	return c.Validate()
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if err := validateURL("api_url", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("realtime_url", c.RealtimeURL, "ws", "wss"); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}

	r := c.Reconnect
	if r.BaseDelay <= 0 {
		return errors.New("reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return errors.New("reconnect.max_delay must not be below reconnect.base_delay")
	}
	if r.Factor < 1 {
		return errors.New("reconnect.factor must be at least 1")
	}
	if r.MaxAttempts < 0 {
		return errors.New("reconnect.max_attempts must not be negative")
	}
	if r.DialTimeout <= 0 {
		return errors.New("reconnect.dial_timeout must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}

// RealtimeURLFor maps an http(s) API root to the matching ws(s) root.
func RealtimeURLFor(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api_url %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid api_url %q: scheme must be http or https", apiURL)
	}
	return u.String(), nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: want %s URL with a host", field, raw, strings.Join(schemes, " or "))
}
