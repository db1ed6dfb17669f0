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

// DefaultTokenURL is the well-known token endpoint of the depot account
// service. Overridable for self-hosted deployments and tests.
const DefaultTokenURL = "https://accounts.depot.dev/oauth/token"

// Config holds all environment-based configuration for depot.
type Config struct {
	// Directory holding the connection database. Defaults to ~/.depot.
	StateDir string `env:"DEPOT_STATE_DIR"`

	// OAuth2 client-credentials token endpoint.
	TokenURL string `env:"DEPOT_TOKEN_URL" envDefault:"https://accounts.depot.dev/oauth/token"`

	// Timeout applied to token requests and remote-store calls.
	HTTPTimeout time.Duration `env:"DEPOT_HTTP_TIMEOUT" envDefault:"30s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `env:"DEPOT_LOG_LEVEL" envDefault:"info"`
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

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	// Downstream code joins StateDir with file names; keep it absolute so
	// relative invocations don't scatter databases around.
	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.TokenURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DEPOT_TOKEN_URL is not a valid URL: %q", c.TokenURL)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("DEPOT_HTTP_TIMEOUT must be positive")
	}

	return nil
}

// DBPath returns the path of the connection database inside StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "depot.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".depot"), nil
}
