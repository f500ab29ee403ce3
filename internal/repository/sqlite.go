package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/cryo-specimen-server/internal/domain"
)

// sqliteTimeLayout is fixed width so that text comparison follows time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements domain.Store using a single SQLite file. Writers are
// serialised by writeMu so the vacancy check and the insert of CommitImport
// cannot interleave.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	writeMu sync.Mutex
	log     *logrus.Logger
}

// NewSQLiteStore opens (and creates if needed) the database file and schema
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("SQLite store opened")
	return &SQLiteStore{db: db, dbPath: dbPath, log: logger}, nil
}

func newSQLiteStoreWithDB(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, log: logger}
}

// createSchema creates the database tables and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cryo_locations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		parent_id TEXT REFERENCES cryo_locations(id),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS samples (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		treatment_cycle_id TEXT,
		collection_date TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		quality_payload TEXT,
		is_available INTEGER NOT NULL DEFAULT 1,
		can_frozen INTEGER NOT NULL DEFAULT 0,
		can_fertilize INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cryo_imports (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sample_id TEXT NOT NULL REFERENCES samples(id),
		slot_id TEXT NOT NULL REFERENCES cryo_locations(id),
		import_date TEXT NOT NULL,
		imported_by TEXT NOT NULL,
		witnessed_by TEXT NOT NULL,
		temperature REAL NOT NULL,
		reason TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		CHECK (imported_by <> witnessed_by)
	);

	CREATE INDEX IF NOT EXISTS idx_cryo_locations_parent ON cryo_locations(parent_id);
	CREATE INDEX IF NOT EXISTS idx_samples_patient ON samples(patient_id);
	CREATE INDEX IF NOT EXISTS idx_cryo_imports_sample ON cryo_imports(sample_id);
	CREATE INDEX IF NOT EXISTS idx_cryo_imports_slot ON cryo_imports(slot_id);

	CREATE TRIGGER IF NOT EXISTS cryo_imports_no_update BEFORE UPDATE ON cryo_imports
	BEGIN SELECT RAISE(ABORT, 'cryo_imports is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS cryo_imports_no_delete BEFORE DELETE ON cryo_imports
	BEGIN SELECT RAISE(ABORT, 'cryo_imports is append-only'); END;
	`

	_, err := db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, value)
}

const sampleColumns = `id, code, type, status, patient_id, treatment_cycle_id, collection_date,
	notes, quality_payload, is_available, can_frozen, can_fertilize, created_at, updated_at`

func scanSQLiteSample(s scanner) (*domain.Sample, error) {
	sample := &domain.Sample{}
	var (
		sampleType, status                  string
		cycle                               sql.NullString
		quality                             sql.NullString
		collected, createdAt, updatedAt     string
		isAvailable, canFrozen, canFertilize bool
	)
	err := s.Scan(
		&sample.ID, &sample.Code, &sampleType, &status, &sample.PatientID, &cycle, &collected,
		&sample.Notes, &quality, &isAvailable, &canFrozen, &canFertilize, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sample.Type = domain.SampleType(sampleType)
	sample.Status = domain.SampleStatus(status)
	if cycle.Valid {
		sample.TreatmentCycleID = &cycle.String
	}
	sample.IsAvailable, sample.CanFrozen, sample.CanFertilize = isAvailable, canFrozen, canFertilize

	if sample.CollectionDate, err = parseTime(collected); err != nil {
		return nil, fmt.Errorf("parsing collection_date: %w", err)
	}
	if sample.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sample.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if quality.Valid {
		if sample.Quality, err = decodeQuality(sample.Type, []byte(quality.String)); err != nil {
			return nil, err
		}
	}
	return sample, nil
}

func nullableQuality(q domain.QualityPayload) (sql.NullString, error) {
	data, err := encodeQuality(q)
	if err != nil || data == nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateSample inserts a new sample
func (s *SQLiteStore) CreateSample(ctx context.Context, sample *domain.Sample) error {
	quality, err := nullableQuality(sample.Quality)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = now
	}
	sample.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO samples (`+sampleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sample.ID, sample.Code, string(sample.Type), string(sample.Status), sample.PatientID,
		sample.TreatmentCycleID, formatTime(sample.CollectionDate), sample.Notes, quality,
		sample.IsAvailable, sample.CanFrozen, sample.CanFertilize,
		formatTime(sample.CreatedAt), formatTime(sample.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.NewValidationError("id", "sample id or code already exists", sample.ID)
		}
		return storeError("insert sample", err)
	}
	return nil
}

// GetSample returns one sample
func (s *SQLiteStore) GetSample(ctx context.Context, id string) (*domain.Sample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id)
	sample, err := scanSQLiteSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "sample", ID: id}
	}
	if err != nil {
		return nil, storeError("get sample", err)
	}
	return sample, nil
}

// ListSamplesByPatient returns the patient's samples, oldest collection first
func (s *SQLiteStore) ListSamplesByPatient(ctx context.Context, patientID string) ([]*domain.Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sampleColumns+` FROM samples
		WHERE patient_id = ?
		ORDER BY collection_date ASC, created_at ASC
	`, patientID)
	if err != nil {
		return nil, storeError("query samples", err)
	}
	defer rows.Close()

	var result []*domain.Sample
	for rows.Next() {
		sample, err := scanSQLiteSample(rows)
		if err != nil {
			return nil, storeError("scan sample", err)
		}
		result = append(result, sample)
	}
	return result, rows.Err()
}

// SaveSampleDetails stores everything except type and status
func (s *SQLiteStore) SaveSampleDetails(ctx context.Context, sample *domain.Sample) error {
	quality, err := nullableQuality(sample.Quality)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE samples SET
			treatment_cycle_id = ?,
			notes = ?,
			quality_payload = ?,
			is_available = ?,
			can_frozen = ?,
			can_fertilize = ?,
			updated_at = ?
		WHERE id = ?
	`,
		sample.TreatmentCycleID, sample.Notes, quality,
		sample.IsAvailable, sample.CanFrozen, sample.CanFertilize, formatTime(now), sample.ID,
	)
	if err != nil {
		return storeError("update sample", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return &domain.NotFoundError{Entity: "sample", ID: sample.ID}
	}
	sample.UpdatedAt = now
	return nil
}

// CompareAndSetStatus moves the sample to `to` only when it is still in `from`
func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.SampleStatus) (*domain.Sample, error) {
	s.writeMu.Lock()
	result, err := s.db.ExecContext(ctx,
		`UPDATE samples SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(time.Now()), id, string(from),
	)
	s.writeMu.Unlock()
	if err != nil {
		return nil, storeError("update status", err)
	}

	sample, err := s.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, stalledStatus(sample, domain.ImportCommit{From: from, To: to})
	}
	return sample, nil
}

// CreateLocation inserts a topology node
func (s *SQLiteStore) CreateLocation(ctx context.Context, node *domain.CryoLocationNode) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if node.ParentID != nil {
		parent, err := s.GetLocation(ctx, *node.ParentID)
		if err != nil {
			return err
		}
		if parent.IsSlot() {
			return domain.NewValidationError("parentId", "a slot cannot have children", parent.ID)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cryo_locations (id, name, type, parent_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Name, string(node.Type), node.ParentID, formatTime(node.CreatedAt),
	)
	if err != nil {
		return storeError("insert location", err)
	}
	return nil
}

// locationQuery selects nodes matching filter with the number of occupied
// slots in each subtree. filter is used for both the CTE seed and the result.
func locationQuery(filter string) string {
	return `
	WITH RECURSIVE subtree(root_id, id) AS (
		SELECT id, id FROM cryo_locations WHERE ` + filter + `
		UNION ALL
		SELECT subtree.root_id, c.id FROM cryo_locations c JOIN subtree ON c.parent_id = subtree.id
	),
	latest AS (
		SELECT sample_id, slot_id,
			ROW_NUMBER() OVER (PARTITION BY sample_id ORDER BY import_date DESC, seq DESC) AS rn
		FROM cryo_imports
	),
	occupied AS (
		SELECT DISTINCT latest.slot_id FROM latest
		JOIN samples ON samples.id = latest.sample_id
		WHERE latest.rn = 1 AND samples.status IN ('Frozen', 'Stored')
	)
	SELECT n.id, n.name, n.type, n.parent_id, n.created_at,
		(SELECT COUNT(*) FROM subtree JOIN occupied ON occupied.slot_id = subtree.id
		 WHERE subtree.root_id = n.id) AS sample_count
	FROM cryo_locations n
	WHERE ` + filter + `
	ORDER BY n.name ASC`
}

func scanSQLiteLocation(s scanner) (*domain.CryoLocationNode, error) {
	node := &domain.CryoLocationNode{}
	var nodeType, createdAt string
	var parent sql.NullString
	if err := s.Scan(&node.ID, &node.Name, &nodeType, &parent, &createdAt, &node.SampleCount); err != nil {
		return nil, err
	}
	node.Type = domain.NormalizeLocationType(nodeType)
	if parent.Valid {
		node.ParentID = &parent.String
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	node.CreatedAt = created
	return node, nil
}

func (s *SQLiteStore) queryLocations(ctx context.Context, filter string, args ...interface{}) ([]*domain.CryoLocationNode, error) {
	rows, err := s.db.QueryContext(ctx, locationQuery(filter), args...)
	if err != nil {
		return nil, storeError("query locations", err)
	}
	defer rows.Close()

	result := []*domain.CryoLocationNode{}
	for rows.Next() {
		node, err := scanSQLiteLocation(rows)
		if err != nil {
			return nil, storeError("scan location", err)
		}
		result = append(result, node)
	}
	return result, rows.Err()
}

// GetRoots returns the top-level nodes
func (s *SQLiteStore) GetRoots(ctx context.Context) ([]*domain.CryoLocationNode, error) {
	return s.queryLocations(ctx, "parent_id IS NULL")
}

// GetChildren returns the direct children of a node
func (s *SQLiteStore) GetChildren(ctx context.Context, parentID string) ([]*domain.CryoLocationNode, error) {
	if _, err := s.GetLocation(ctx, parentID); err != nil {
		return nil, err
	}
	// The filter appears twice in the query
	return s.queryLocations(ctx, "parent_id = ?", parentID, parentID)
}

// GetLocation returns a single node
func (s *SQLiteStore) GetLocation(ctx context.Context, id string) (*domain.CryoLocationNode, error) {
	nodes, err := s.queryLocations(ctx, "id = ?", id, id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &domain.NotFoundError{Entity: "location", ID: id}
	}
	return nodes[0], nil
}

const recordColumns = `seq, id, sample_id, slot_id, import_date, imported_by, witnessed_by, temperature, reason, notes`

func scanSQLiteRecord(s scanner) (*domain.CryoImportRecord, error) {
	r := &domain.CryoImportRecord{}
	var importDate string
	err := s.Scan(&r.Sequence, &r.ID, &r.SampleID, &r.SlotID, &importDate,
		&r.ImportedBy, &r.WitnessedBy, &r.Temperature, &r.Reason, &r.Notes)
	if err != nil {
		return nil, err
	}
	if r.ImportDate, err = parseTime(importDate); err != nil {
		return nil, fmt.Errorf("parsing import_date: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, column, value string) ([]*domain.CryoImportRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM cryo_imports WHERE `+column+` = ? ORDER BY seq ASC`, value)
	if err != nil {
		return nil, storeError("query imports", err)
	}
	defer rows.Close()

	var result []*domain.CryoImportRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, storeError("scan import", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListImportsBySlot returns every record written against the slot
func (s *SQLiteStore) ListImportsBySlot(ctx context.Context, slotID string) ([]*domain.CryoImportRecord, error) {
	return s.queryRecords(ctx, "slot_id", slotID)
}

// ListImportsBySample returns every record written for the sample
func (s *SQLiteStore) ListImportsBySample(ctx context.Context, sampleID string) ([]*domain.CryoImportRecord, error) {
	return s.queryRecords(ctx, "sample_id", sampleID)
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertSQLiteRecord(ctx context.Context, db execer, record *domain.CryoImportRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	result, err := db.ExecContext(ctx, `
		INSERT INTO cryo_imports (id, sample_id, slot_id, import_date, imported_by, witnessed_by, temperature, reason, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID, record.SampleID, record.SlotID, formatTime(record.ImportDate),
		record.ImportedBy, record.WitnessedBy, record.Temperature, record.Reason, record.Notes,
	)
	if err != nil {
		return storeError("insert import", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storeError("get import sequence", err)
	}
	record.Sequence = seq
	return nil
}

// AppendImport inserts a record without touching sample status. The target
// must be a slot, and it must be vacant when the sample is in an active status.
func (s *SQLiteStore) AppendImport(ctx context.Context, record *domain.CryoImportRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer tx.Rollback()

	sample, err := readPlacementTx(ctx, tx, record)
	if err != nil {
		return err
	}
	if sample.Status.IsActive() {
		if err := checkVacancyTx(ctx, tx, record); err != nil {
			return err
		}
	}
	if err := insertSQLiteRecord(ctx, tx, record); err != nil {
		return err
	}
	return storeError("commit import", tx.Commit())
}

const slotOccupantQuery = `
	SELECT latest.sample_id FROM (
		SELECT sample_id, slot_id,
			ROW_NUMBER() OVER (PARTITION BY sample_id ORDER BY import_date DESC, seq DESC) AS rn
		FROM cryo_imports
		WHERE sample_id IN (SELECT sample_id FROM cryo_imports WHERE slot_id = ?)
	) latest
	JOIN samples ON samples.id = latest.sample_id
	WHERE latest.rn = 1 AND latest.slot_id = ? AND samples.status IN ('Frozen', 'Stored') AND samples.id <> ?
	LIMIT 1`

// readPlacementTx checks that the record targets an existing slot and returns
// the type and status of its sample
func readPlacementTx(ctx context.Context, tx *sql.Tx, record *domain.CryoImportRecord) (*domain.Sample, error) {
	var slotType string
	err := tx.QueryRowContext(ctx, `SELECT type FROM cryo_locations WHERE id = ?`, record.SlotID).Scan(&slotType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "location", ID: record.SlotID}
	}
	if err != nil {
		return nil, storeError("read slot", err)
	}
	if t := domain.NormalizeLocationType(slotType); t != domain.LocationSlot {
		return nil, &domain.NotASlotError{LocationID: record.SlotID, Type: t}
	}

	var sampleType, status string
	err = tx.QueryRowContext(ctx, `SELECT type, status FROM samples WHERE id = ?`, record.SampleID).Scan(&sampleType, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "sample", ID: record.SampleID}
	}
	if err != nil {
		return nil, storeError("read sample", err)
	}
	return &domain.Sample{
		ID:     record.SampleID,
		Type:   domain.SampleType(sampleType),
		Status: domain.SampleStatus(status),
	}, nil
}

func checkVacancyTx(ctx context.Context, tx *sql.Tx, record *domain.CryoImportRecord) error {
	var occupant string
	err := tx.QueryRowContext(ctx, slotOccupantQuery, record.SlotID, record.SlotID, record.SampleID).Scan(&occupant)
	switch {
	case err == nil:
		return &domain.SlotOccupiedError{SlotID: record.SlotID, OccupantID: occupant}
	case errors.Is(err, sql.ErrNoRows):
		return nil
	default:
		return storeError("check slot occupancy", err)
	}
}

// CommitImport re-verifies vacancy and status, then appends and transitions in one transaction
func (s *SQLiteStore) CommitImport(ctx context.Context, commit domain.ImportCommit) (*domain.CryoImportRecord, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}
	record := commit.Record

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin transaction", err)
	}
	defer tx.Rollback()

	sample, err := readPlacementTx(ctx, tx, record)
	if err != nil {
		return nil, err
	}
	if err := checkVacancyTx(ctx, tx, record); err != nil {
		return nil, err
	}

	if sample.Status != commit.From {
		return nil, stalledStatus(sample, commit)
	}

	if err := insertSQLiteRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE samples SET status = ?, updated_at = ? WHERE id = ?`,
		string(commit.To), formatTime(time.Now()), record.SampleID); err != nil {
		return nil, storeError("update sample status", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit import", err)
	}

	s.log.WithFields(logrus.Fields{
		"sample_id": record.SampleID,
		"slot_id":   record.SlotID,
		"sequence":  record.Sequence,
	}).Debug("Import committed")

	cp := *record
	return &cp, nil
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
