// Package repository holds the persistence backends of the specimen core:
// PostgreSQL (pgx), SQLite (single file) and an in-memory store. Every backend
// applies ImportCommit atomically and derives slot occupancy from the ledger.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cryo-specimen-server/internal/domain"
)

// scanner is an interface for sql.Row, sql.Rows and pgx rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// encodeQuality serialises a payload for the quality_payload column. The tag is
// implied by the sample type column.
func encodeQuality(q domain.QualityPayload) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding quality payload: %w", err)
	}
	return data, nil
}

func decodeQuality(t domain.SampleType, raw []byte) (domain.QualityPayload, error) {
	return domain.DecodeQuality(t, raw)
}

// isLater orders placements by import date, then by ledger sequence
func isLater(a, b *domain.CryoImportRecord) bool {
	if !a.ImportDate.Equal(b.ImportDate) {
		return a.ImportDate.After(b.ImportDate)
	}
	return a.Sequence > b.Sequence
}

// latestPlacements reduces records to the most recent placement of each sample
func latestPlacements(records []*domain.CryoImportRecord) map[string]*domain.CryoImportRecord {
	latest := make(map[string]*domain.CryoImportRecord)
	for _, r := range records {
		if cur, ok := latest[r.SampleID]; !ok || isLater(r, cur) {
			latest[r.SampleID] = r
		}
	}
	return latest
}

func sortBySequence(records []*domain.CryoImportRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Sequence < records[j].Sequence
	})
}

func stalledStatus(sample *domain.Sample, commit domain.ImportCommit) error {
	return &domain.IllegalTransitionError{
		SampleID: sample.ID,
		Type:     sample.Type,
		From:     sample.Status,
		To:       commit.To,
		Reason:   fmt.Sprintf("expected status %s", commit.From),
	}
}

func activeStatusStrings() []string {
	out := make([]string, 0, len(domain.ActiveStatuses))
	for _, s := range domain.ActiveStatuses {
		out = append(out, string(s))
	}
	return out
}

func validateCommit(commit domain.ImportCommit) error {
	if commit.Record == nil {
		return domain.NewValidationError("record", "import record is required", nil)
	}
	if commit.Record.SampleID == "" || commit.Record.SlotID == "" {
		return domain.NewValidationError("record", "sample and slot ids are required", nil)
	}
	return nil
}

// storeError reports a driver failure as a TransientIOError so callers may
// retry reads. Taxonomy errors pass through unchanged.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded domain.CodedError
	if errors.As(err, &coded) {
		return err
	}
	if isConstraintViolation(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &domain.TransientIOError{Op: op, Err: err}
}

// isConstraintViolation matches integrity errors, which a retry cannot fix
func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "append-only")
}
