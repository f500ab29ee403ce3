package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func createTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cryo.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "cryo.db")

	store, err := NewSQLiteStore(dbPath, quietLogger())

	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) domain.Store {
		return createTestSQLiteStore(t)
	})
}

func TestSQLiteStore_LedgerIsAppendOnly(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()
	seedTank(t, store)
	seedSample(t, store, "s1", domain.StatusQualityChecked)

	require.NoError(t, store.AppendImport(ctx, importRecord("s1", "S1", baseTime)))

	_, err := store.db.ExecContext(ctx, `UPDATE cryo_imports SET reason = 'edited'`)
	assert.Error(t, err)
	_, err = store.db.ExecContext(ctx, `DELETE FROM cryo_imports`)
	assert.Error(t, err)

	records, err := store.ListImportsBySample(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "storage", records[0].Reason)
}

func TestSQLiteStore_RejectsSelfWitness(t *testing.T) {
	store := createTestSQLiteStore(t)
	ctx := context.Background()
	seedTank(t, store)
	seedSample(t, store, "s1", domain.StatusQualityChecked)

	record := importRecord("s1", "S1", baseTime)
	record.WitnessedBy = record.ImportedBy

	err := store.AppendImport(ctx, record)
	require.Error(t, err)
	assert.False(t, domain.IsTransient(err), "constraint violations are not retried")
}

func TestSQLiteStore_GetSampleQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM samples WHERE id").
		WithArgs("s1").
		WillReturnError(errors.New("disk I/O error"))

	store := newSQLiteStoreWithDB(db, quietLogger())
	_, err = store.GetSample(context.Background(), "s1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.False(t, domain.IsNotFound(err))
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, domain.ErrTransientIO, domain.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CommitImportRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT type FROM cryo_locations").
		WithArgs("S1").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("Slot"))
	mock.ExpectQuery("SELECT type, status FROM samples").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"type", "status"}).AddRow("Sperm", "QualityChecked"))
	mock.ExpectQuery("SELECT latest.sample_id").
		WillReturnRows(sqlmock.NewRows([]string{"sample_id"}))
	mock.ExpectExec("INSERT INTO cryo_imports").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	store := newSQLiteStoreWithDB(db, quietLogger())
	_, err = store.CommitImport(context.Background(), domain.ImportCommit{
		Record: importRecord("s1", "S1", baseTime),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusFrozen,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.True(t, domain.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CommitImportReportsOccupant(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT type FROM cryo_locations").
		WillReturnRows(sqlmock.NewRows([]string{"type"}).AddRow("slot"))
	mock.ExpectQuery("SELECT type, status FROM samples").
		WillReturnRows(sqlmock.NewRows([]string{"type", "status"}).AddRow("Sperm", "QualityChecked"))
	mock.ExpectQuery("SELECT latest.sample_id").
		WillReturnRows(sqlmock.NewRows([]string{"sample_id"}).AddRow("s9"))
	mock.ExpectRollback()

	store := newSQLiteStoreWithDB(db, quietLogger())
	_, err = store.CommitImport(context.Background(), domain.ImportCommit{
		Record: importRecord("s1", "S1", baseTime),
		From:   domain.StatusQualityChecked,
		To:     domain.StatusFrozen,
	})

	var occupied *domain.SlotOccupiedError
	require.True(t, errors.As(err, &occupied))
	assert.Equal(t, "s9", occupied.OccupantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CommitImportRequiresRecord(t *testing.T) {
	store := newSQLiteStoreWithDB(nil, quietLogger())

	_, err := store.CommitImport(context.Background(), domain.ImportCommit{})

	assert.Equal(t, domain.ErrValidation, domain.ErrorCode(err))
}
