package service

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// AllocationCoordinator places samples into slots. It keeps at most one
// active sample per slot and writes the ledger record together with the
// status change.
type AllocationCoordinator struct {
	store    domain.Store
	registry *SpecimenRegistry
	ledger   *ImportLedger
	tree     *LocationTree
	locker   SlotLocker
	users    domain.UserDirectory
	metrics  *Metrics
	logger   *logrus.Logger

	enforceFreezeFlag bool
	defaultTarget     domain.SampleStatus
}

// AllocationDeps groups the collaborators of the coordinator. Users may be nil.
type AllocationDeps struct {
	Store    domain.Store
	Registry *SpecimenRegistry
	Ledger   *ImportLedger
	Tree     *LocationTree
	Locker   SlotLocker
	Users    domain.UserDirectory
	Metrics  *Metrics
	Logger   *logrus.Logger
}

// NewAllocationCoordinator creates a coordinator from its collaborators and config
func NewAllocationCoordinator(deps AllocationDeps, cfg domain.AllocationConfig) *AllocationCoordinator {
	target := domain.StatusFrozen
	if parsed, err := domain.ParseSampleStatus(cfg.DefaultTarget); err == nil && parsed.IsActive() {
		target = parsed
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalSlotLocker()
	}
	return &AllocationCoordinator{
		store:             deps.Store,
		registry:          deps.Registry,
		ledger:            deps.Ledger,
		tree:              deps.Tree,
		locker:            locker,
		users:             deps.Users,
		metrics:           deps.Metrics,
		logger:            deps.Logger,
		enforceFreezeFlag: cfg.EnforceFreezeFlag,
		defaultTarget:     target,
	}
}

// ImportSample places a sample into an empty slot and moves it to the target
// status (Frozen unless configured or requested otherwise). Failures are
// reported in this order: NotASlotError, WitnessConflictError,
// SlotOccupiedError, IllegalTransitionError.
func (c *AllocationCoordinator) ImportSample(ctx context.Context, req domain.ImportRequest) (record *domain.CryoImportRecord, err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveImport(err, started) }()

	log := c.logger.WithFields(logrus.Fields{
		"sample_id": req.SampleID,
		"slot_id":   req.SlotID,
	})

	target, err := c.resolveTarget(req.Target)
	if err != nil {
		return nil, err
	}
	if err := c.checkPlacement(ctx, req); err != nil {
		log.WithError(err).Info("Import rejected")
		return nil, err
	}

	release, err := c.locker.Lock(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.checkVacancy(ctx, req.SlotID, req.SampleID); err != nil {
		log.WithError(err).Info("Import rejected")
		return nil, err
	}

	sample, err := c.store.GetSample(ctx, req.SampleID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(sample, target); err != nil {
		return nil, err
	}
	if err := c.checkFlags(sample, target, log); err != nil {
		return nil, err
	}

	prepared, err := c.ledger.prepare(recordFrom(req))
	if err != nil {
		return nil, err
	}
	record, err = c.store.CommitImport(ctx, domain.ImportCommit{
		Record: prepared,
		From:   sample.Status,
		To:     target,
	})
	if err != nil {
		log.WithError(err).Warn("Import commit failed")
		return nil, err
	}
	c.metrics.ObserveTransition(target)

	c.afterCommit(record, target, "")
	log.WithFields(logrus.Fields{
		"record_id":    record.ID,
		"status":       target,
		"imported_by":  record.ImportedBy,
		"witnessed_by": record.WitnessedBy,
		"temperature":  record.Temperature,
	}).Info("Sample imported")
	return record, nil
}

// MoveSample records a new placement for a sample that is already in
// storage. Its status is unchanged and the previous slot becomes vacant by
// derivation.
func (c *AllocationCoordinator) MoveSample(ctx context.Context, req domain.ImportRequest) (record *domain.CryoImportRecord, err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveImport(err, started) }()

	log := c.logger.WithFields(logrus.Fields{
		"sample_id": req.SampleID,
		"slot_id":   req.SlotID,
	})

	if err := c.checkPlacement(ctx, req); err != nil {
		return nil, err
	}

	release, err := c.locker.Lock(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}
	defer release()

	sample, err := c.store.GetSample(ctx, req.SampleID)
	if err != nil {
		return nil, err
	}
	if !sample.Status.IsActive() {
		return nil, &domain.IllegalTransitionError{
			SampleID: sample.ID,
			Type:     sample.Type,
			From:     sample.Status,
			To:       sample.Status,
			Reason:   "only stored samples can be moved",
		}
	}
	previous, err := c.ledger.CurrentLocation(ctx, sample.ID)
	if err != nil {
		return nil, err
	}
	if previous != nil && previous.ID == req.SlotID {
		return nil, domain.NewValidationError("slotId", "sample is already in this slot", req.SlotID)
	}
	if err := c.checkVacancy(ctx, req.SlotID, req.SampleID); err != nil {
		return nil, err
	}

	prepared, err := c.ledger.prepare(recordFrom(req))
	if err != nil {
		return nil, err
	}
	record, err = c.store.CommitImport(ctx, domain.ImportCommit{
		Record: prepared,
		From:   sample.Status,
		To:     sample.Status,
	})
	if err != nil {
		log.WithError(err).Warn("Move commit failed")
		return nil, err
	}

	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}
	c.afterCommit(record, sample.Status, previousID)
	log.WithFields(logrus.Fields{
		"record_id": record.ID,
		"from_slot": previousID,
	}).Info("Sample moved")
	return record, nil
}

// RetrieveSample takes a stored sample out of its slot by moving it to a
// non-storage status (Thawed by default). No ledger record is written; the
// slot is vacant as soon as the status leaves the active set.
func (c *AllocationCoordinator) RetrieveSample(ctx context.Context, sampleID string, to domain.SampleStatus) (*domain.Sample, error) {
	if to == "" {
		to = domain.StatusThawed
	}
	sample, err := c.store.GetSample(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	if !sample.Status.IsActive() || to.IsActive() {
		return nil, &domain.IllegalTransitionError{
			SampleID: sample.ID,
			Type:     sample.Type,
			From:     sample.Status,
			To:       to,
			Reason:   "retrieval takes a stored sample out of storage",
		}
	}

	location, err := c.ledger.CurrentLocation(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	updated, err := c.registry.Transition(ctx, sampleID, to)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{"sample_id": sampleID, "status": to}
	if location != nil {
		fields["slot_id"] = location.ID
		c.tree.InvalidatePath(location.ID)
	}
	c.logger.WithFields(fields).Info("Sample retrieved from storage")
	return updated, nil
}

func (c *AllocationCoordinator) resolveTarget(requested domain.SampleStatus) (domain.SampleStatus, error) {
	if requested == "" {
		return c.defaultTarget, nil
	}
	target, err := domain.ParseSampleStatus(string(requested))
	if err != nil {
		return "", err
	}
	if !target.IsActive() {
		return "", domain.NewValidationError("targetStatus", "imports must target Frozen or Stored", string(requested))
	}
	return target, nil
}

// checkPlacement runs the lock-free preconditions: the target is a Slot,
// importer and witness differ, and both resolve in the user directory
func (c *AllocationCoordinator) checkPlacement(ctx context.Context, req domain.ImportRequest) error {
	if strings.TrimSpace(req.SampleID) == "" {
		return domain.NewValidationError("sampleId", "is required", req.SampleID)
	}
	if strings.TrimSpace(req.SlotID) == "" {
		return domain.NewValidationError("slotId", "is required", req.SlotID)
	}

	slot, err := c.tree.Node(ctx, req.SlotID)
	if err != nil {
		return err
	}
	if !IsLeaf(slot) {
		return &domain.NotASlotError{LocationID: slot.ID, Type: slot.Type}
	}

	importer := strings.TrimSpace(req.ImportedBy)
	witness := strings.TrimSpace(req.WitnessedBy)
	if importer != "" && strings.EqualFold(importer, witness) {
		return &domain.WitnessConflictError{UserID: importer}
	}
	if c.users == nil {
		return nil
	}
	for _, u := range []struct{ field, id string }{
		{"importedBy", importer},
		{"witnessedBy", witness},
	} {
		if u.id == "" {
			continue
		}
		user, err := c.users.GetUser(ctx, u.id)
		if err != nil {
			return err
		}
		if !user.Active {
			return domain.NewValidationError(u.field, "user is not active", u.id)
		}
	}
	return nil
}

// checkVacancy fails when another active sample occupies the slot
func (c *AllocationCoordinator) checkVacancy(ctx context.Context, slotID, sampleID string) error {
	occupant, err := c.ledger.CurrentOccupant(ctx, slotID)
	if err != nil {
		return err
	}
	if occupant != nil && occupant.ID != sampleID {
		return &domain.SlotOccupiedError{SlotID: slotID, OccupantID: occupant.ID}
	}
	return nil
}

// checkFlags applies the canFrozen and isAvailable gates. canFrozen blocks
// freezing only when enforcement is configured.
func (c *AllocationCoordinator) checkFlags(sample *domain.Sample, target domain.SampleStatus, log *logrus.Entry) error {
	if !sample.IsAvailable {
		log.Warn("Importing a sample that is flagged unavailable")
	}
	if target != domain.StatusFrozen || sample.CanFrozen {
		return nil
	}
	if c.enforceFreezeFlag {
		return &domain.IllegalTransitionError{
			SampleID: sample.ID,
			Type:     sample.Type,
			From:     sample.Status,
			To:       target,
			Reason:   "sample is not flagged as eligible for freezing",
		}
	}
	log.Warn("Freezing a sample that is not flagged as eligible for freezing")
	return nil
}

func (c *AllocationCoordinator) afterCommit(record *domain.CryoImportRecord, status domain.SampleStatus, previousSlot string) {
	c.tree.InvalidatePath(record.SlotID)
	if previousSlot != "" {
		c.tree.InvalidatePath(previousSlot)
	}
	c.ledger.publish(record, status)
}

func recordFrom(req domain.ImportRequest) *domain.CryoImportRecord {
	return &domain.CryoImportRecord{
		SampleID:    req.SampleID,
		SlotID:      req.SlotID,
		ImportedBy:  req.ImportedBy,
		WitnessedBy: req.WitnessedBy,
		Temperature: req.Temperature,
		Reason:      req.Reason,
		Notes:       req.Notes,
	}
}
