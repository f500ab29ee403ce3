// Package config provides configuration management for the cryo specimen server.
// This file contains the lightweight configuration for single-node operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cryo-specimen-server/internal/domain"
)

// LiteConfig is a simplified configuration for single-node operation.
// It requires no external databases and keeps everything in one SQLite file.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for data files

	// HTTP settings
	HTTPHost string
	HTTPPort int

	// Allocation
	EnforceFreezeFlag bool
	RefreshSpec       string // Cron spec of the location cache refresh

	// Directories (optional)
	UsersURL    string
	PatientsURL string

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".cryo-specimen-server")

	return &LiteConfig{
		DataDir:     dataDir,
		HTTPHost:    "127.0.0.1",
		HTTPPort:    8080,
		RefreshSpec: "@every 5m",
		LogLevel:    "info",
		LogFormat:   "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("CRYO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("CRYO_HTTP_HOST"); v != "" {
		cfg.HTTPHost = v
	}
	if v := os.Getenv("CRYO_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	if v := os.Getenv("CRYO_ENFORCE_FREEZE_FLAG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.EnforceFreezeFlag = b
		}
	}
	if v := os.Getenv("CRYO_REFRESH_SPEC"); v != "" {
		cfg.RefreshSpec = v
	}

	cfg.UsersURL = os.Getenv("CRYO_USERS_URL")
	cfg.PatientsURL = os.Getenv("CRYO_PATIENTS_URL")

	if v := os.Getenv("CRYO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CRYO_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// DBPath returns the path to the SQLite database.
func (c *LiteConfig) DBPath() string {
	return filepath.Join(c.DataDir, "cryo.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// ToConfig expands the lite settings into a full configuration
func (c *LiteConfig) ToConfig() *domain.Config {
	return &domain.Config{
		Environment: "development",
		Server: domain.ServerConfig{
			Host:           c.HTTPHost,
			Port:           c.HTTPPort,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Storage: domain.StorageConfig{
			Driver:     domain.StorageDriverSQLite,
			SQLitePath: c.DBPath(),
		},
		Directory: domain.DirectoryConfig{
			UsersURL:    c.UsersURL,
			PatientsURL: c.PatientsURL,
			Timeout:     10 * time.Second,
			CacheSize:   256,
		},
		Allocation: domain.AllocationConfig{
			EnforceFreezeFlag: c.EnforceFreezeFlag,
			LockBackend:       domain.LockBackendLocal,
			DefaultTarget:     string(domain.StatusFrozen),
		},
		Scheduler: domain.SchedulerConfig{
			Enabled:             c.RefreshSpec != "",
			LocationRefreshSpec: c.RefreshSpec,
		},
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stdout",
		},
	}
}
