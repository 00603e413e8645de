package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	// UserID is the signed-in user. Empty means nobody is signed in.
	UserID string `toml:"user_id"`

	Remote Remote `toml:"remote"`
	Sync   Sync   `toml:"sync"`
	Typing Typing `toml:"typing"`
}

// Remote locates the remote service. An empty Addr runs against an
// in-process server, which is only useful for local development.
type Remote struct {
	Addr            string   `toml:"addr"`
	Password        string   `toml:"password"`
	DB              int      `toml:"db"`
	KeyPrefix       string   `toml:"key_prefix"`
	DisconnectLease Duration `toml:"disconnect_lease"`
}

type Sync struct {
	MaxAttempts      int      `toml:"max_attempts"`
	BackoffBase      Duration `toml:"backoff_base"`
	Jitter           bool     `toml:"jitter"`
	LowPowerCooldown Duration `toml:"low_power_cooldown"`
	DrainInterval    Duration `toml:"drain_interval"`
	ProbeInterval    Duration `toml:"probe_interval"`
}

type Typing struct {
	Throttle Duration `toml:"throttle"`
	Expiry   Duration `toml:"expiry"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Remote: Remote{
			KeyPrefix:       "chatsync:",
			DisconnectLease: Duration{30 * time.Second},
		},
		Sync: Sync{
			MaxAttempts:      3,
			BackoffBase:      Duration{time.Second},
			LowPowerCooldown: Duration{10 * time.Second},
			DrainInterval:    Duration{30 * time.Second},
			ProbeInterval:    Duration{5 * time.Second},
		},
		Typing: Typing{
			Throttle: Duration{3 * time.Second},
			Expiry:   Duration{3 * time.Second},
		},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
