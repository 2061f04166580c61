// Package config loads docsync configuration from the environment.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for docsync.
type Config struct {
	// Backend base URL, e.g. https://app.example.com
	APIURL string `env:"DOCSYNC_API_URL"`

	// Account credentials for the token exchange.
	Email    string `env:"DOCSYNC_EMAIL"`
	Password string `env:"DOCSYNC_PASSWORD"`

	// Directory watched for new files to upload. Empty disables the
	// drop-folder uploader.
	UploadDir string `env:"DOCSYNC_UPLOAD_DIR"`

	// Optional YAML file with upload filter rules.
	FilterFile string `env:"DOCSYNC_FILTER_FILE"`

	// Interval between polling-fallback status sweeps.
	PollInterval time.Duration `env:"DOCSYNC_POLL_INTERVAL" envDefault:"30s"`

	// Upper bound on the reconnect backoff delay.
	ReconnectCap time.Duration `env:"DOCSYNC_RECONNECT_CAP" envDefault:"30s"`

	// Listen address for the local status endpoint. Empty disables it.
	StatusAddr string `env:"DOCSYNC_STATUS_ADDR" envDefault:""`

	// Directory for the offline state database. Defaults to
	// ~/.docsync/ when empty.
	StateDir string `env:"DOCSYNC_STATE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format; LogLevel the production level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "docsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve UploadDir to an absolute path at startup so the watcher's
	// path handling is stable regardless of the working directory.
	if cfg.UploadDir != "" {
		absDir, err := filepath.Abs(cfg.UploadDir)
		if err != nil {
			return nil, fmt.Errorf("resolving upload dir to absolute path: %w", err)
		}

		cfg.UploadDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("DOCSYNC_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DOCSYNC_API_URL must be an absolute URL")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("DOCSYNC_API_URL scheme must be http or https")
	}

	if c.Email == "" {
		return fmt.Errorf("DOCSYNC_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("DOCSYNC_PASSWORD is required")
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("DOCSYNC_POLL_INTERVAL must be at least 1s")
	}

	if c.ReconnectCap < time.Second {
		return fmt.Errorf("DOCSYNC_RECONNECT_CAP must be at least 1s")
	}

	return nil
}

// PushHost returns the host for the websocket push channel and whether
// the connection should use TLS, derived from the API URL. The push
// scheme mirrors the API scheme: https becomes wss, http becomes ws.
func (c *Config) PushHost() (host string, secure bool) {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return "", true
	}

	return u.Host, u.Scheme == "https"
}

// defaultStateDir returns ~/.docsync/.
func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".docsync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
