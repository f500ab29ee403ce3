package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cryo-specimen-server/internal/database"
	"github.com/cryo-specimen-server/internal/domain"
)

var (
	pgOnce sync.Once
	pgDB   *database.DB
	pgErr  error
)

// sharedPostgres starts one container per test binary and migrates it
func sharedPostgres(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	pgOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:15-alpine",
			postgres.WithDatabase("cryo_test"),
			postgres.WithUsername("testuser"),
			postgres.WithPassword("testpass"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			pgErr = err
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := container.MappedPort(ctx, "5432")
		if err != nil {
			pgErr = err
			return
		}

		cfg := domain.DatabaseConfig{
			Host: host, Port: port.Int(), Database: "cryo_test",
			Username: "testuser", Password: "testpass", SSLMode: "disable",
			MaxOpenConns: 20, ConnMaxLifetime: time.Hour,
		}

		runner, err := database.NewMigrationRunner(database.DSN(cfg), quietLogger())
		if err != nil {
			pgErr = err
			return
		}
		defer runner.Close()
		if pgErr = runner.Up(ctx); pgErr != nil {
			return
		}

		pgDB, pgErr = database.Open(ctx, cfg, quietLogger())
	})
	if pgErr != nil {
		t.Skipf("PostgreSQL container unavailable: %v", pgErr)
	}
	return pgDB
}

func TestPostgresStore(t *testing.T) {
	db := sharedPostgres(t)

	runStoreContract(t, func(t *testing.T) domain.Store {
		_, err := db.Pool.Exec(context.Background(), `TRUNCATE cryo_imports, samples, cryo_locations`)
		require.NoError(t, err)
		return NewPostgresStore(db.Pool, quietLogger())
	})
}
