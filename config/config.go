// Package config loads the client configuration from YAML with
// environment overrides. Defaulting happens in one place: Default returns
// the full baseline and Load only overrides what the file and environment
// set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studiolens/visionchat/capture"
	"github.com/studiolens/visionchat/transport"
)

// Environment variable overrides.
const (
	EnvServerURL    = "VISIONCHAT_SERVER_URL"
	EnvWebsocketURL = "VISIONCHAT_WS_URL"
	EnvKeyringPath  = "VISIONCHAT_KEYRING_PATH"
	EnvMetricsAddr  = "VISIONCHAT_METRICS_ADDR"
	EnvMaxAttempts  = "VISIONCHAT_MAX_ATTEMPTS"
)

// Config is the full client configuration.
type Config struct {
	// Server is the HTTP control-surface and auth base URL.
	Server ServerConfig `yaml:"server"`

	// Websocket configures the persistent analysis connection.
	Websocket WebsocketConfig `yaml:"websocket"`

	// Camera holds the capture constraints.
	Camera capture.Constraints `yaml:"camera"`

	// Frame configures encoding quality and the payload budget.
	Frame FrameConfig `yaml:"frame"`

	// Keyring is where the credential pair is persisted.
	Keyring KeyringConfig `yaml:"keyring"`

	// Metrics configures the Prometheus exporter. An empty address
	// disables it.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig is the HTTP backend location.
type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// WebsocketConfig is the persistent connection endpoint and its reconnect
// policy.
type WebsocketConfig struct {
	URL         string `yaml:"url"`
	BaseDelayMS int    `yaml:"base_delay_ms"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// BaseDelay returns the linear backoff base as a duration.
func (c WebsocketConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

// FrameConfig is the adaptive encoding contract.
type FrameConfig struct {
	Quality         int `yaml:"quality"`
	FallbackQuality int `yaml:"fallback_quality"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
}

// KeyringConfig is the credential storage location.
type KeyringConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig is the Prometheus exporter listen address.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
		},
		Websocket: WebsocketConfig{
			URL:         "ws://localhost:8000/ws",
			BaseDelayMS: int(transport.DefaultBaseDelay / time.Millisecond),
			MaxAttempts: transport.DefaultMaxAttempts,
		},
		Camera: capture.DefaultConstraints(),
		Frame: FrameConfig{
			Quality:         capture.DefaultQuality,
			FallbackQuality: capture.DefaultFallbackQuality,
			MaxPayloadBytes: capture.DefaultMaxPayloadBytes,
		},
		Keyring: KeyringConfig{
			Path: defaultKeyringPath(),
		},
	}
}

// Load reads the YAML file at path, when non-empty, over the defaults and
// applies environment overrides last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv(EnvWebsocketURL); v != "" {
		cfg.Websocket.URL = v
	}
	if v := os.Getenv(EnvKeyringPath); v != "" {
		cfg.Keyring.Path = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Websocket.MaxAttempts = n
		}
	}
}

func (c Config) validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Websocket.URL == "" {
		return fmt.Errorf("websocket.url is required")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera dimensions must be positive")
	}
	if c.Frame.FallbackQuality > c.Frame.Quality {
		return fmt.Errorf("frame.fallback_quality must not exceed frame.quality")
	}
	return nil
}

func defaultKeyringPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".visionchat/keyring.json"
	}
	return home + "/.visionchat/keyring.json"
}
