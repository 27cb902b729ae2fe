// Package config loads server configuration from the environment, with an
// optional YAML profile file for settings that are awkward as env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port         string
	LogLevel     string
	StoreBackend string // "postgres" | "sqlite" | "memory"
	DatabaseURL  string
	SQLitePath   string
	LockWait     time.Duration
	JWTSecret    string
	OTLPEndpoint string
	Profile      *Profile
}

// Profile carries per-deployment billing policy loaded from YAML.
type Profile struct {
	Name            string  `yaml:"name"`
	DefaultCurrency string  `yaml:"default_currency"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://settlement@localhost:5432/settlement?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "settlement.db"
	}

	lockWait := 3 * time.Second
	if v := os.Getenv("LOCK_WAIT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: bad LOCK_WAIT %q: %w", v, err)
		}
		lockWait = d
	}

	cfg := &Config{
		Port:         port,
		LogLevel:     logLevel,
		StoreBackend: backend,
		DatabaseURL:  dbURL,
		SQLitePath:   sqlitePath,
		LockWait:     lockWait,
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	}

	if path := os.Getenv("PROFILE_FILE"); path != "" {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.Profile = p
	}
	return cfg, nil
}

// LoadProfile reads and validates a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if p.DefaultCurrency == "" {
		p.DefaultCurrency = "USD"
	}
	if p.RateLimitPerSec <= 0 {
		p.RateLimitPerSec = 20
	}
	if p.RateLimitBurst <= 0 {
		p.RateLimitBurst = 40
	}
	return &p, nil
}
