package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatwire.
type Config struct {
	// Base URL of the chat REST API, e.g. https://chat.example.com
	ServerURL string `env:"CHATWIRE_SERVER_URL"`

	// WebSocket URL for the realtime channel. When empty it is derived
	// from ServerURL by swapping the scheme (http -> ws, https -> wss).
	SocketURL string `env:"CHATWIRE_SOCKET_URL"`

	// Account email, used for the OTP sign-in flow when no cached
	// session token is valid.
	Email string `env:"CHATWIRE_EMAIL"`

	// Conversation to open on startup, by id or title. If empty and the
	// account has exactly one conversation, that one is used.
	Conversation string `env:"CHATWIRE_CONVERSATION"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Number of messages fetched per history page.
	HistoryPageSize int `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// How long a local mutation may wait for a server response before it
	// is failed, rolled back, and surfaced as a retryable error.
	PendingTimeout time.Duration `env:"PENDING_TIMEOUT" envDefault:"15s"`

	// Path of the local state database. Defaults to ~/.chatwire/state.db.
	StatePath string `env:"CHATWIRE_STATE_PATH"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chatwire"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.SocketURL == "" {
		derived, err := deriveSocketURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving socket URL: %w", err)
		}

		cfg.SocketURL = derived
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHATWIRE_SERVER_URL is required")
	}

	if c.Email == "" {
		return fmt.Errorf("CHATWIRE_EMAIL is required")
	}

	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive")
	}

	if c.PendingTimeout <= 0 {
		return fmt.Errorf("PENDING_TIMEOUT must be positive")
	}

	return nil
}

// deriveSocketURL maps the REST base URL onto the realtime endpoint:
// http becomes ws, https becomes wss, host and port carry over.
func deriveSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = ""

	return u.String(), nil
}

// DefaultStatePath returns ~/.chatwire/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatwire", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
