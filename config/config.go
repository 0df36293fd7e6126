package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration. Values come from, in increasing
// priority: defaults, an optional YAML file, environment overrides.
// Credentials are environment-only and never live in the file.
type Config struct {
	Vendor   string        `yaml:"vendor"` // "openai" or "deepgram"
	Model    string        `yaml:"model"`
	Language string        `yaml:"language"`
	Device   string        `yaml:"device"` // capture device name, empty = system default
	Silence  SilenceConfig `yaml:"silence"`
	Session  SessionConfig `yaml:"session"`

	APIKey string `yaml:"-"`
}

// SilenceConfig tunes the client-side auto-stop.
type SilenceConfig struct {
	Enabled     bool    `yaml:"enabled"`
	WindowMs    int     `yaml:"window_ms"`   // how long sustained silence must last
	Sensitivity float64 `yaml:"sensitivity"` // speech-frame ratio below which the window counts as silent
}

// SessionConfig tunes session teardown timing.
type SessionConfig struct {
	StopGraceMs      int `yaml:"stop_grace_ms"` // wait for the server's final after commit
	ConnectTimeoutMs int `yaml:"connect_timeout_ms"`
}

func Default() Config {
	return Config{
		Vendor:   "openai",
		Model:    "gpt-4o-mini-transcribe",
		Language: "",
		Silence: SilenceConfig{
			Enabled:     true,
			WindowMs:    5000,
			Sensitivity: 0.10,
		},
		Session: SessionConfig{
			StopGraceMs:      3000,
			ConnectTimeoutMs: 10000,
		},
	}
}

// Load reads the config file at path (optional: empty path or a missing
// default file just yields defaults), applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.APIKey = keyForVendor(cfg.Vendor)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyFlags lets command-line values win over the file and environment.
// The API key is re-resolved in case the vendor changed.
func (c *Config) ApplyFlags(vendor, model, language, device string) error {
	if vendor != "" {
		c.Vendor = vendor
	}
	if model != "" {
		c.Model = model
	}
	if language != "" {
		c.Language = language
	}
	if device != "" {
		c.Device = device
	}
	c.APIKey = keyForVendor(c.Vendor)
	return c.Validate()
}

func keyForVendor(vendor string) string {
	switch vendor {
	case "deepgram":
		return os.Getenv("DEEPGRAM_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Vendor, "MURMUR_VENDOR")
	overrideString(&cfg.Model, "MURMUR_MODEL")
	overrideString(&cfg.Language, "MURMUR_LANGUAGE")
	overrideString(&cfg.Device, "MURMUR_DEVICE")
	overrideBool(&cfg.Silence.Enabled, "MURMUR_SILENCE_ENABLED")
	overrideInt(&cfg.Silence.WindowMs, "MURMUR_SILENCE_WINDOW_MS")
	overrideFloat(&cfg.Silence.Sensitivity, "MURMUR_SILENCE_SENSITIVITY")
	overrideInt(&cfg.Session.StopGraceMs, "MURMUR_STOP_GRACE_MS")
	overrideInt(&cfg.Session.ConnectTimeoutMs, "MURMUR_CONNECT_TIMEOUT_MS")
}

func (c *Config) Validate() error {
	switch c.Vendor {
	case "openai", "deepgram":
	default:
		return fmt.Errorf("unknown vendor %q (use openai or deepgram)", c.Vendor)
	}
	if c.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if c.Silence.WindowMs < 500 {
		return fmt.Errorf("silence window %dms too short (minimum 500ms)", c.Silence.WindowMs)
	}
	if c.Silence.Sensitivity <= 0 || c.Silence.Sensitivity >= 1 {
		return fmt.Errorf("silence sensitivity %v out of range (0, 1)", c.Silence.Sensitivity)
	}
	if c.Session.StopGraceMs < 0 {
		return fmt.Errorf("stop grace must not be negative")
	}
	if c.Session.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}
