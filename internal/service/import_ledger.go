package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// ImportLedger is the append-only chain of custody. Occupancy and location
// are always derived from the records plus current sample status.
type ImportLedger struct {
	store     domain.Store
	publisher domain.LedgerPublisher
	logger    *logrus.Logger
	now       func() time.Time
}

// NewImportLedger creates a ledger service. publisher may be nil.
func NewImportLedger(store domain.Store, publisher domain.LedgerPublisher, logger *logrus.Logger) *ImportLedger {
	return &ImportLedger{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append inserts a record. It never edits or removes earlier records and does
// not change the sample status. The store rejects targets that are not slots,
// and slots held by another active sample when the appended sample is active.
func (l *ImportLedger) Append(ctx context.Context, record *domain.CryoImportRecord) (*domain.CryoImportRecord, error) {
	prepared, err := l.prepare(record)
	if err != nil {
		return nil, err
	}
	if err := l.store.AppendImport(ctx, prepared); err != nil {
		return nil, fmt.Errorf("failed to append import record: %w", err)
	}

	sample, err := l.store.GetSample(ctx, prepared.SampleID)
	status := domain.SampleStatus("")
	if err == nil {
		status = sample.Status
	}
	l.publish(prepared, status)
	return prepared, nil
}

// prepare checks the custody fields and fills id and date
func (l *ImportLedger) prepare(record *domain.CryoImportRecord) (*domain.CryoImportRecord, error) {
	if record == nil {
		return nil, domain.NewValidationError("record", "import record is required", nil)
	}
	cp := *record
	cp.ImportedBy = strings.TrimSpace(cp.ImportedBy)
	cp.WitnessedBy = strings.TrimSpace(cp.WitnessedBy)

	var errs domain.ValidationErrors
	for _, f := range []struct{ field, value string }{
		{"sampleId", cp.SampleID},
		{"slotId", cp.SlotID},
		{"importedBy", cp.ImportedBy},
		{"witnessedBy", cp.WitnessedBy},
	} {
		if f.value == "" {
			errs = append(errs, domain.NewValidationError(f.field, "is required", f.value))
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	if strings.EqualFold(cp.ImportedBy, cp.WitnessedBy) {
		return nil, &domain.WitnessConflictError{UserID: cp.ImportedBy}
	}

	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.ImportDate.IsZero() {
		cp.ImportDate = l.now()
	}
	cp.ImportDate = cp.ImportDate.UTC()
	return &cp, nil
}

func (l *ImportLedger) publish(record *domain.CryoImportRecord, status domain.SampleStatus) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(domain.LedgerEvent{Record: record, Status: status})
}

// CurrentOccupant returns the active sample placed in slotID by its latest
// record, or nil when the slot is vacant
func (l *ImportLedger) CurrentOccupant(ctx context.Context, slotID string) (*domain.Sample, error) {
	records, err := l.store.ListImportsBySlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i := len(records) - 1; i >= 0; i-- {
		sampleID := records[i].SampleID
		if seen[sampleID] {
			continue
		}
		seen[sampleID] = true

		sample, err := l.store.GetSample(ctx, sampleID)
		if err != nil {
			if domain.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !sample.Status.IsActive() {
			continue
		}
		latest, err := l.latestRecord(ctx, sampleID)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.SlotID == slotID {
			return sample, nil
		}
	}
	return nil, nil
}

// CurrentLocation returns the slot of the sample's latest record while the
// sample is active, or nil
func (l *ImportLedger) CurrentLocation(ctx context.Context, sampleID string) (*domain.CryoLocationNode, error) {
	sample, err := l.store.GetSample(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	if !sample.Status.IsActive() {
		return nil, nil
	}
	latest, err := l.latestRecord(ctx, sampleID)
	if err != nil || latest == nil {
		return nil, err
	}
	return l.store.GetLocation(ctx, latest.SlotID)
}

func (l *ImportLedger) latestRecord(ctx context.Context, sampleID string) (*domain.CryoImportRecord, error) {
	records, err := l.store.ListImportsBySample(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	var latest *domain.CryoImportRecord
	for _, r := range records {
		if latest == nil || recordAfter(r, latest) {
			latest = r
		}
	}
	return latest, nil
}

// recordAfter orders records by import date, then by ledger sequence
func recordAfter(a, b *domain.CryoImportRecord) bool {
	if !a.ImportDate.Equal(b.ImportDate) {
		return a.ImportDate.After(b.ImportDate)
	}
	return a.Sequence > b.Sequence
}

// SampleHistory replays every slot a sample has ever been placed in
func (l *ImportLedger) SampleHistory(ctx context.Context, sampleID string) ([]*domain.CryoImportRecord, error) {
	if _, err := l.store.GetSample(ctx, sampleID); err != nil {
		return nil, err
	}
	return l.store.ListImportsBySample(ctx, sampleID)
}

// SlotHistory replays every placement into a slot
func (l *ImportLedger) SlotHistory(ctx context.Context, slotID string) ([]*domain.CryoImportRecord, error) {
	if _, err := l.store.GetLocation(ctx, slotID); err != nil {
		return nil, err
	}
	return l.store.ListImportsBySlot(ctx, slotID)
}
