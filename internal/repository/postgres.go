package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// PostgresStore implements domain.Store on PostgreSQL. CommitImport locks the
// slot row with SELECT ... FOR UPDATE so concurrent imports into one slot queue
// behind each other and re-check vacancy after the lock is granted.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewPostgresStore creates a new PostgreSQL store. The schema is created by migrations.
func NewPostgresStore(db *pgxpool.Pool, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger,
	}
}

const pgSampleColumns = `id, code, type, status, patient_id, treatment_cycle_id, collection_date,
	notes, quality_payload, is_available, can_frozen, can_fertilize, created_at, updated_at`

func scanPgSample(s scanner) (*domain.Sample, error) {
	sample := &domain.Sample{}
	var (
		sampleType, status string
		quality            []byte
	)
	err := s.Scan(
		&sample.ID, &sample.Code, &sampleType, &status, &sample.PatientID, &sample.TreatmentCycleID,
		&sample.CollectionDate, &sample.Notes, &quality, &sample.IsAvailable, &sample.CanFrozen,
		&sample.CanFertilize, &sample.CreatedAt, &sample.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sample.Type = domain.SampleType(sampleType)
	sample.Status = domain.SampleStatus(status)
	if quality != nil {
		if sample.Quality, err = decodeQuality(sample.Type, quality); err != nil {
			return nil, err
		}
	}
	return sample, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateSample inserts a new sample
func (r *PostgresStore) CreateSample(ctx context.Context, sample *domain.Sample) error {
	quality, err := encodeQuality(sample.Quality)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO samples (` + pgSampleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		sample.ID,
		sample.Code,
		string(sample.Type),
		string(sample.Status),
		sample.PatientID,
		sample.TreatmentCycleID,
		sample.CollectionDate,
		sample.Notes,
		quality,
		sample.IsAvailable,
		sample.CanFrozen,
		sample.CanFertilize,
	).Scan(&sample.CreatedAt, &sample.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("id", "sample id or code already exists", sample.ID)
		}
		r.log.WithFields(logrus.Fields{
			"sample_id": sample.ID,
			"error":     err,
		}).Error("Failed to create sample")
		return storeError("creating sample", err)
	}

	r.log.WithFields(logrus.Fields{
		"sample_id":  sample.ID,
		"type":       sample.Type,
		"patient_id": sample.PatientID,
	}).Info("Sample created successfully")

	return nil
}

// GetSample retrieves a sample by its ID
func (r *PostgresStore) GetSample(ctx context.Context, id string) (*domain.Sample, error) {
	query := `SELECT ` + pgSampleColumns + ` FROM samples WHERE id = $1`

	sample, err := scanPgSample(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "sample", ID: id}
		}
		r.log.WithFields(logrus.Fields{
			"sample_id": id,
			"error":     err,
		}).Error("Failed to get sample by ID")
		return nil, storeError("getting sample by ID", err)
	}
	return sample, nil
}

// ListSamplesByPatient returns the patient's samples, oldest collection first
func (r *PostgresStore) ListSamplesByPatient(ctx context.Context, patientID string) ([]*domain.Sample, error) {
	query := `
		SELECT ` + pgSampleColumns + `
		FROM samples
		WHERE patient_id = $1
		ORDER BY collection_date ASC, created_at ASC`

	rows, err := r.db.Query(ctx, query, patientID)
	if err != nil {
		return nil, storeError("querying samples by patient", err)
	}
	defer rows.Close()

	var samples []*domain.Sample
	for rows.Next() {
		sample, err := scanPgSample(rows)
		if err != nil {
			return nil, storeError("scanning sample", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating samples", err)
	}
	return samples, nil
}

// SaveSampleDetails stores everything except type and status
func (r *PostgresStore) SaveSampleDetails(ctx context.Context, sample *domain.Sample) error {
	quality, err := encodeQuality(sample.Quality)
	if err != nil {
		return err
	}

	query := `
		UPDATE samples SET
			treatment_cycle_id = $2,
			notes = $3,
			quality_payload = $4,
			is_available = $5,
			can_frozen = $6,
			can_fertilize = $7,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err = r.db.QueryRow(ctx, query,
		sample.ID,
		sample.TreatmentCycleID,
		sample.Notes,
		quality,
		sample.IsAvailable,
		sample.CanFrozen,
		sample.CanFertilize,
	).Scan(&sample.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.NotFoundError{Entity: "sample", ID: sample.ID}
	}
	if err != nil {
		return storeError("updating sample details", err)
	}
	return nil
}

// CompareAndSetStatus moves the sample to `to` only when it is still in `from`
func (r *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.SampleStatus) (*domain.Sample, error) {
	query := `
		UPDATE samples SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + pgSampleColumns

	sample, err := scanPgSample(r.db.QueryRow(ctx, query, id, string(from), string(to)))
	if err == nil {
		return sample, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storeError("updating sample status", err)
	}

	// Either the sample is unknown or its status moved underneath us
	current, err := r.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, stalledStatus(current, domain.ImportCommit{From: from, To: to})
}

// CreateLocation inserts a topology node
func (r *PostgresStore) CreateLocation(ctx context.Context, node *domain.CryoLocationNode) error {
	if node.ParentID != nil {
		var parentType string
		err := r.db.QueryRow(ctx, `SELECT type FROM cryo_locations WHERE id = $1`, *node.ParentID).Scan(&parentType)
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.NotFoundError{Entity: "location", ID: *node.ParentID}
		}
		if err != nil {
			return storeError("reading parent location", err)
		}
		if domain.NormalizeLocationType(parentType) == domain.LocationSlot {
			return domain.NewValidationError("parentId", "a slot cannot have children", *node.ParentID)
		}
	}

	err := r.db.QueryRow(ctx, `
		INSERT INTO cryo_locations (id, name, type, parent_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		node.ID, node.Name, string(node.Type), node.ParentID,
	).Scan(&node.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("id", "location already exists", node.ID)
		}
		return storeError("creating location", err)
	}
	return nil
}

func pgLocationQuery(filter string) string {
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
		WHERE latest.rn = 1 AND samples.status = ANY($1)
	)
	SELECT n.id, n.name, n.type, n.parent_id, n.created_at,
		(SELECT COUNT(*) FROM subtree JOIN occupied ON occupied.slot_id = subtree.id
		 WHERE subtree.root_id = n.id) AS sample_count
	FROM cryo_locations n
	WHERE ` + filter + `
	ORDER BY n.name ASC`
}

func (r *PostgresStore) queryLocations(ctx context.Context, filter string, args ...interface{}) ([]*domain.CryoLocationNode, error) {
	params := append([]interface{}{activeStatusStrings()}, args...)
	rows, err := r.db.Query(ctx, pgLocationQuery(filter), params...)
	if err != nil {
		return nil, storeError("querying locations", err)
	}
	defer rows.Close()

	nodes := []*domain.CryoLocationNode{}
	for rows.Next() {
		node := &domain.CryoLocationNode{}
		var nodeType string
		var count int64
		if err := rows.Scan(&node.ID, &node.Name, &nodeType, &node.ParentID, &node.CreatedAt, &count); err != nil {
			return nil, storeError("scanning location", err)
		}
		node.Type = domain.NormalizeLocationType(nodeType)
		node.SampleCount = int(count)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating locations", err)
	}
	return nodes, nil
}

// GetRoots returns the top-level nodes
func (r *PostgresStore) GetRoots(ctx context.Context) ([]*domain.CryoLocationNode, error) {
	return r.queryLocations(ctx, "parent_id IS NULL")
}

// GetChildren returns the direct children of a node
func (r *PostgresStore) GetChildren(ctx context.Context, parentID string) ([]*domain.CryoLocationNode, error) {
	if _, err := r.GetLocation(ctx, parentID); err != nil {
		return nil, err
	}
	return r.queryLocations(ctx, "parent_id = $2", parentID)
}

// GetLocation returns a single node
func (r *PostgresStore) GetLocation(ctx context.Context, id string) (*domain.CryoLocationNode, error) {
	nodes, err := r.queryLocations(ctx, "id = $2", id)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &domain.NotFoundError{Entity: "location", ID: id}
	}
	return nodes[0], nil
}

const pgRecordColumns = `seq, id, sample_id, slot_id, import_date, imported_by, witnessed_by, temperature, reason, notes`

func (r *PostgresStore) queryRecords(ctx context.Context, column, value string) ([]*domain.CryoImportRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+pgRecordColumns+` FROM cryo_imports WHERE `+column+` = $1 ORDER BY seq ASC`, value)
	if err != nil {
		return nil, storeError("querying imports", err)
	}
	defer rows.Close()

	var records []*domain.CryoImportRecord
	for rows.Next() {
		rec := &domain.CryoImportRecord{}
		if err := rows.Scan(&rec.Sequence, &rec.ID, &rec.SampleID, &rec.SlotID, &rec.ImportDate,
			&rec.ImportedBy, &rec.WitnessedBy, &rec.Temperature, &rec.Reason, &rec.Notes); err != nil {
			return nil, storeError("scanning import", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating imports", err)
	}
	return records, nil
}

// ListImportsBySlot returns every record written against the slot
func (r *PostgresStore) ListImportsBySlot(ctx context.Context, slotID string) ([]*domain.CryoImportRecord, error) {
	return r.queryRecords(ctx, "slot_id", slotID)
}

// ListImportsBySample returns every record written for the sample
func (r *PostgresStore) ListImportsBySample(ctx context.Context, sampleID string) ([]*domain.CryoImportRecord, error) {
	return r.queryRecords(ctx, "sample_id", sampleID)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPgRecord(ctx context.Context, q querier, record *domain.CryoImportRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	err := q.QueryRow(ctx, `
		INSERT INTO cryo_imports (id, sample_id, slot_id, import_date, imported_by, witnessed_by, temperature, reason, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		record.ID, record.SampleID, record.SlotID, record.ImportDate,
		record.ImportedBy, record.WitnessedBy, record.Temperature, record.Reason, record.Notes,
	).Scan(&record.Sequence)
	if err != nil {
		return storeError("inserting import record", err)
	}
	return nil
}

// AppendImport inserts a record without touching sample status. The slot row
// is locked so that the vacancy check for an active sample holds until commit.
func (r *PostgresStore) AppendImport(ctx context.Context, record *domain.CryoImportRecord) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		sample, err := lockPlacement(ctx, tx, record)
		if err != nil {
			return err
		}
		if sample.Status.IsActive() {
			if err := checkPgVacancy(ctx, tx, record); err != nil {
				return err
			}
		}
		return insertPgRecord(ctx, tx, record)
	})
	return storeError("append import", err)
}

const pgSlotOccupantQuery = `
	SELECT latest.sample_id FROM (
		SELECT sample_id, slot_id,
			ROW_NUMBER() OVER (PARTITION BY sample_id ORDER BY import_date DESC, seq DESC) AS rn
		FROM cryo_imports
		WHERE sample_id IN (SELECT sample_id FROM cryo_imports WHERE slot_id = $1)
	) latest
	JOIN samples ON samples.id = latest.sample_id
	WHERE latest.rn = 1 AND latest.slot_id = $1 AND samples.status = ANY($2) AND samples.id <> $3
	LIMIT 1`

// lockPlacement locks the slot and sample rows of record, checks that the
// target is a slot and returns the type and status of the sample
func lockPlacement(ctx context.Context, tx pgx.Tx, record *domain.CryoImportRecord) (*domain.Sample, error) {
	var slotType string
	err := tx.QueryRow(ctx, `SELECT type FROM cryo_locations WHERE id = $1 FOR UPDATE`, record.SlotID).Scan(&slotType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "location", ID: record.SlotID}
	}
	if err != nil {
		return nil, storeError("locking slot", err)
	}
	if t := domain.NormalizeLocationType(slotType); t != domain.LocationSlot {
		return nil, &domain.NotASlotError{LocationID: record.SlotID, Type: t}
	}

	var sampleType, status string
	err = tx.QueryRow(ctx, `SELECT type, status FROM samples WHERE id = $1 FOR UPDATE`, record.SampleID).
		Scan(&sampleType, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Entity: "sample", ID: record.SampleID}
	}
	if err != nil {
		return nil, storeError("locking sample", err)
	}
	return &domain.Sample{
		ID:     record.SampleID,
		Type:   domain.SampleType(sampleType),
		Status: domain.SampleStatus(status),
	}, nil
}

func checkPgVacancy(ctx context.Context, tx pgx.Tx, record *domain.CryoImportRecord) error {
	var occupant string
	err := tx.QueryRow(ctx, pgSlotOccupantQuery, record.SlotID, activeStatusStrings(), record.SampleID).Scan(&occupant)
	switch {
	case err == nil:
		return &domain.SlotOccupiedError{SlotID: record.SlotID, OccupantID: occupant}
	case errors.Is(err, pgx.ErrNoRows):
		return nil
	default:
		return storeError("checking slot occupancy", err)
	}
}

// CommitImport locks the slot and the sample, re-verifies vacancy and status,
// then appends the record and moves the sample in one transaction
func (r *PostgresStore) CommitImport(ctx context.Context, commit domain.ImportCommit) (*domain.CryoImportRecord, error) {
	if err := validateCommit(commit); err != nil {
		return nil, err
	}
	record := commit.Record
	start := time.Now()

	var committed *domain.CryoImportRecord
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		sample, err := lockPlacement(ctx, tx, record)
		if err != nil {
			return err
		}
		if err := checkPgVacancy(ctx, tx, record); err != nil {
			return err
		}
		if sample.Status != commit.From {
			return stalledStatus(sample, commit)
		}

		if err := insertPgRecord(ctx, tx, record); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE samples SET status = $2, updated_at = NOW() WHERE id = $1`,
			record.SampleID, string(commit.To)); err != nil {
			return storeError("updating sample status", err)
		}

		cp := *record
		committed = &cp
		return nil
	})
	if err != nil {
		return nil, storeError("commit import", err)
	}

	r.log.WithFields(logrus.Fields{
		"sample_id": record.SampleID,
		"slot_id":   record.SlotID,
		"sequence":  record.Sequence,
		"status":    commit.To,
		"duration":  time.Since(start),
	}).Info("Import committed")

	return committed, nil
}

// Close is a no-op; the pool is owned by database.DB
func (r *PostgresStore) Close() error {
	return nil
}
