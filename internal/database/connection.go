package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

const defaultMaxConnIdle = 30 * time.Minute

// DSN renders the key/value connection string of cfg
func DSN(cfg domain.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.Username, cfg.Password, cfg.SSLMode,
	)
}

// poolConfig applies the connection limits of cfg. Idle connections are kept
// at or below the open limit.
func poolConfig(cfg domain.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	idle := int32(cfg.MaxIdleConns)
	if idle > pc.MaxConns {
		idle = pc.MaxConns
	}
	pc.MinConns = idle
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = defaultMaxConnIdle
	return pc, nil
}

// DB owns the pgx pool behind the postgres storage driver
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Logger
}

// Open connects the pool and pings the server once
func Open(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":      cfg.Host,
		"database":  cfg.Database,
		"max_conns": pc.MaxConns,
		"min_conns": pc.MinConns,
	}).Info("Connected to specimen database")
	return &DB{Pool: pool, log: logger}, nil
}

// Close releases every pooled connection
func (db *DB) Close() {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.log.Info("Specimen database pool closed")
}

// Health pings the server. A failed ping is transient; a saturated pool is
// only logged since requests still queue for a connection.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return &domain.TransientIOError{Op: "database ping", Err: err}
	}
	stat := db.Pool.Stat()
	if stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns() {
		db.log.WithFields(logrus.Fields{
			"acquired":      stat.AcquiredConns(),
			"max_conns":     stat.MaxConns(),
			"empty_acquire": stat.EmptyAcquireCount(),
		}).Warn("Database pool saturated")
	}
	return nil
}
