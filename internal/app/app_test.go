package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
)

func testConfig(driver string) *domain.Config {
	return &domain.Config{
		Server: domain.ServerConfig{
			Host:           "127.0.0.1",
			Port:           0,
			RequestTimeout: 5 * time.Second,
		},
		Storage:    domain.StorageConfig{Driver: driver},
		Allocation: domain.AllocationConfig{LockBackend: domain.LockBackendLocal},
		Logging:    domain.LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestNew_MemoryDriver(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), testConfig(domain.StorageDriverMemory), logger)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.scheduler)
	assert.NotNil(t, a.Services.Coordinator)

	w := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_SQLiteDriverWithScheduler(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig(domain.StorageDriverSQLite)
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "cryo.db")
	cfg.Scheduler = domain.SchedulerConfig{Enabled: true, LocationRefreshSpec: "@every 1h"}

	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.scheduler)
	tank, err := a.Services.Provisioner.ProvisionTank(context.Background(), domain.TankLayout{
		Name: "Tank 1", Canisters: 1, GobletsPerCanister: 1, SlotsPerGoblet: 2,
	})
	require.NoError(t, err)

	roots, err := a.Services.Tree.Roots(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, tank.ID, roots[0].ID)
}

func TestNew_Errors(t *testing.T) {
	logger, _ := test.NewNullLogger()

	_, err := New(context.Background(), testConfig("cassandra"), logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")

	cfg := testConfig(domain.StorageDriverMemory)
	cfg.Allocation.LockBackend = domain.LockBackendRedis
	_, err = New(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a redis client")
}

func TestRun_StopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := testConfig(domain.StorageDriverMemory)
	cfg.Scheduler = domain.SchedulerConfig{Enabled: true}

	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Nil(t, a.Store)
}
