// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath     string
	PolicyPath       string
	DispatchInterval time.Duration
	SnapshotInterval time.Duration
	AlertCooldown    time.Duration
	Retention        time.Duration
	WebhookURL       string
	EmailTo          string
}

// Default values
const (
	// defaultDispatchInterval bounds how often a saturated provider's
	// queue is re-scanned, so a full window never turns into a busy poll.
	defaultDispatchInterval = 250 * time.Millisecond
	defaultSnapshotInterval = 30 * time.Second
	defaultAlertCooldown    = 60 * time.Second
	defaultRetention        = 7 * 24 * time.Hour
)

// Load reads configuration from .env files and environment variables.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	envPaths := getEnvPaths()
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	cfg := &Config{
		DatabasePath:     getEnvString("DATABASE_PATH", getDefaultDatabasePath()),
		PolicyPath:       getEnvString("POLICY_PATH", getDefaultPolicyPath()),
		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", defaultDispatchInterval),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", defaultSnapshotInterval),
		AlertCooldown:    getEnvDuration("ALERT_COOLDOWN", defaultAlertCooldown),
		Retention:        getEnvDuration("RETENTION", defaultRetention),
		WebhookURL:       getEnvString("ALERT_WEBHOOK_URL", ""),
		EmailTo:          getEnvString("ALERT_EMAIL_TO", ""),
	}

	if cfg.DispatchInterval <= 0 {
		return nil, fmt.Errorf("DISPATCH_INTERVAL must be positive")
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "quotagate", ".env"),
			filepath.Join(home, ".quotagate", ".env"),
		)
	}

	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quotagate.db"
	}
	return filepath.Join(home, ".config", "quotagate", "quotagate.db")
}

// getDefaultPolicyPath returns the default path for the policy JSON file.
func getDefaultPolicyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "policy.json"
	}
	return filepath.Join(home, ".config", "quotagate", "policy.json")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Try parsing as seconds if no unit specified
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
