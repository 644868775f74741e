package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	Server         ServerConfig    `toml:"server"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Heartbeat      HeartbeatConfig `toml:"heartbeat"`
	Typing         TypingConfig    `toml:"typing"`
	Ledger         LedgerConfig    `toml:"ledger"`
	Log            LogConfig       `toml:"log"`
}

// ServerConfig locates the messaging server.
type ServerConfig struct {
	WSURL  string `toml:"ws_url"`
	APIURL string `toml:"api_url"`
}

// ReconnectConfig tunes the backoff between connection attempts.
// MaxAttempts 0 retries forever.
type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	Jitter      float64  `toml:"jitter"`
	MaxAttempts int      `toml:"max_attempts"`
}

// HeartbeatConfig tunes ping/pong liveness checks. Interval 0 disables them.
type HeartbeatConfig struct {
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

type TypingConfig struct {
	Window Duration `toml:"window"`
}

type LedgerConfig struct {
	AckTimeout Duration `toml:"ack_timeout"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			WSURL:  "ws://127.0.0.1:8080/ws",
			APIURL: "http://127.0.0.1:8080",
		},
		Reconnect: ReconnectConfig{
			BaseDelay: Duration{time.Second},
			MaxDelay:  Duration{30 * time.Second},
			Jitter:    0.2,
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration{30 * time.Second},
			Timeout:  Duration{10 * time.Second},
		},
		Typing: TypingConfig{Window: Duration{2 * time.Second}},
		Ledger: LedgerConfig{AckTimeout: Duration{10 * time.Second}},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
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
