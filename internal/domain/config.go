package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Backend     BackendConfig    `mapstructure:"backend"`
	Directory   DirectoryConfig  `mapstructure:"directory"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Allocation  AllocationConfig `mapstructure:"allocation"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
	StorageDriverMemory   = "memory"
	StorageDriverRemote   = "remote"
)

// StorageConfig selects the backing store of the core
type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// BackendConfig represents the remote REST backend used by the remote driver
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryWait      time.Duration `mapstructure:"retry_wait"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
}

// DirectoryConfig represents the read-only user and patient directories
type DirectoryConfig struct {
	UsersURL    string        `mapstructure:"users_url"`
	PatientsURL string        `mapstructure:"patients_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheSize   int           `mapstructure:"cache_size"`
}

// CacheConfig represents Redis configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// Slot lock backends
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// AllocationConfig tunes the import coordinator
type AllocationConfig struct {
	EnforceFreezeFlag bool          `mapstructure:"enforce_freeze_flag"`
	LockBackend       string        `mapstructure:"lock_backend"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	DefaultTarget     string        `mapstructure:"default_target"`
}

// SchedulerConfig represents background jobs
type SchedulerConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	LocationRefreshSpec string `mapstructure:"location_refresh_spec"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
