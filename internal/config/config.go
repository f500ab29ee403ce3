package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/spf13/viper"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/cryo-specimen-server/")

	viper.SetEnvPrefix("CRYO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment cover every key
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	viper.SetDefault("environment", "development")

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.request_timeout", "15s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "cryo_specimens")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.run_migrations", true)

	// Storage defaults
	viper.SetDefault("storage.driver", domain.StorageDriverPostgres)
	viper.SetDefault("storage.sqlite_path", "cryo.db")

	// Remote backend defaults
	viper.SetDefault("backend.base_url", "http://localhost:9000/api/v1")
	viper.SetDefault("backend.api_key", "")
	viper.SetDefault("backend.timeout", "30s")
	viper.SetDefault("backend.rate_limit", 20)
	viper.SetDefault("backend.retry_count", 3)
	viper.SetDefault("backend.retry_wait", "500ms")
	viper.SetDefault("backend.breaker_timeout", "60s")

	// Directory defaults
	viper.SetDefault("directory.users_url", "")
	viper.SetDefault("directory.patients_url", "")
	viper.SetDefault("directory.timeout", "10s")
	viper.SetDefault("directory.cache_size", 512)

	// Cache defaults
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.default_ttl", "5m")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Allocation defaults
	viper.SetDefault("allocation.enforce_freeze_flag", false)
	viper.SetDefault("allocation.lock_backend", domain.LockBackendLocal)
	viper.SetDefault("allocation.lock_ttl", "10s")
	viper.SetDefault("allocation.default_target", string(domain.StatusFrozen))

	// Scheduler defaults
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.location_refresh_spec", "@every 5m")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	return ValidateConfig(m.config)
}

// ValidateConfig checks a configuration regardless of where it was loaded from
func ValidateConfig(config *domain.Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case domain.StorageDriverPostgres:
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case domain.StorageDriverSQLite:
		if config.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case domain.StorageDriverRemote:
		if _, err := url.ParseRequestURI(config.Backend.BaseURL); err != nil {
			return fmt.Errorf("invalid backend base URL %q: %w", config.Backend.BaseURL, err)
		}
		if config.Backend.RateLimit <= 0 {
			return fmt.Errorf("backend rate limit must be positive")
		}
	case domain.StorageDriverMemory:
	default:
		return fmt.Errorf("unknown storage driver: %s", config.Storage.Driver)
	}

	switch config.Allocation.LockBackend {
	case domain.LockBackendLocal:
	case domain.LockBackendRedis:
		if config.Cache.RedisURL == "" {
			return fmt.Errorf("Redis URL is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend: %s", config.Allocation.LockBackend)
	}
	if config.Allocation.DefaultTarget != "" {
		target := domain.SampleStatus(config.Allocation.DefaultTarget)
		if !target.IsActive() {
			return fmt.Errorf("default import target must be Frozen or Stored, got %s", target)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database configuration as a postgres:// URL
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     db.Database,
		RawQuery: "sslmode=" + db.SSLMode,
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
