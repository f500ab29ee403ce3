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

// SpecimenRegistry owns samples, their quality payloads and the status state machine
type SpecimenRegistry struct {
	store    domain.SampleStore
	patients domain.PatientDirectory
	metrics  *Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSpecimenRegistry creates a new registry. patients may be nil when no
// patient directory is configured.
func NewSpecimenRegistry(store domain.SampleStore, patients domain.PatientDirectory, metrics *Metrics, logger *logrus.Logger) *SpecimenRegistry {
	return &SpecimenRegistry{
		store:    store,
		patients: patients,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new sample in Collected with an empty payload of its type
func (r *SpecimenRegistry) Create(ctx context.Context, req domain.NewSampleRequest) (*domain.Sample, error) {
	return r.CreateWithQuality(ctx, req, nil)
}

// CreateWithQuality registers a new sample whose payload starts from
// initial. The payload is validated, and embryo parents checked, before the
// single write, so a rejected request stores nothing.
func (r *SpecimenRegistry) CreateWithQuality(ctx context.Context, req domain.NewSampleRequest, initial domain.QualityPayload) (*domain.Sample, error) {
	sampleType, err := domain.ParseSampleType(string(req.Type))
	if err != nil {
		return nil, err
	}
	patientID := strings.TrimSpace(req.PatientID)
	if patientID == "" {
		return nil, domain.NewValidationError("patientId", "patient id is required", req.PatientID)
	}
	if r.patients != nil {
		if _, err := r.patients.GetPatient(ctx, patientID); err != nil {
			return nil, err
		}
	}

	now := r.now()
	collected := req.CollectionDate.UTC()
	if req.CollectionDate.IsZero() {
		collected = now
	}
	if collected.After(now.Add(time.Minute)) {
		return nil, domain.NewValidationError("collectionDate", "cannot be in the future", req.CollectionDate)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	code := req.Code
	if code == "" {
		code = domain.SampleCode(sampleType, collected, id)
	}
	payload, _ := domain.EmptyQuality(sampleType)
	if initial != nil {
		if payload, err = r.initialQuality(ctx, sampleType, patientID, payload, initial); err != nil {
			return nil, err
		}
	}

	sample := &domain.Sample{
		ID:               id,
		Code:             code,
		Type:             sampleType,
		Status:           domain.StatusCollected,
		PatientID:        patientID,
		TreatmentCycleID: normalizeCycle(req.TreatmentCycleID),
		CollectionDate:   collected,
		Notes:            req.Notes,
		Quality:          payload,
		IsAvailable:      true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateSample(ctx, sample); err != nil {
		return nil, fmt.Errorf("failed to create sample: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"sample_id":  sample.ID,
		"code":       sample.Code,
		"type":       sample.Type,
		"patient_id": sample.PatientID,
	}).Info("Sample created")
	return sample, nil
}

// Get returns a sample by id
func (r *SpecimenRegistry) Get(ctx context.Context, id string) (*domain.Sample, error) {
	return r.store.GetSample(ctx, id)
}

// ListByPatient returns every sample of a patient
func (r *SpecimenRegistry) ListByPatient(ctx context.Context, patientID string) ([]*domain.Sample, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, domain.NewValidationError("patientId", "patient id is required", patientID)
	}
	return r.store.ListSamplesByPatient(ctx, patientID)
}

func (r *SpecimenRegistry) initialQuality(ctx context.Context, sampleType domain.SampleType, patientID string, empty, initial domain.QualityPayload) (domain.QualityPayload, error) {
	if err := Validate(sampleType, initial); err != nil {
		return nil, err
	}
	merged, err := domain.MergeQuality(sampleType, empty, initial)
	if err != nil {
		return nil, err
	}
	if err := validateMerged(merged); err != nil {
		return nil, err
	}
	if embryo, ok := initial.(*domain.EmbryoQuality); ok {
		if err := checkParents(ctx, r.store, patientID, embryo.OocyteSampleID, embryo.SpermSampleID); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// UpdateQuality merges the fields present in payload into the stored payload.
// A payload of another type fails with TypeMismatchError and changes nothing.
func (r *SpecimenRegistry) UpdateQuality(ctx context.Context, id string, payload domain.QualityPayload) (*domain.Sample, error) {
	sample, err := r.store.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Validate(sample.Type, payload); err != nil {
		return nil, err
	}
	merged, err := domain.MergeQuality(sample.Type, sample.Quality, payload)
	if err != nil {
		return nil, err
	}
	if err := validateMerged(merged); err != nil {
		return nil, err
	}
	if embryo, ok := payload.(*domain.EmbryoQuality); ok {
		if err := checkParents(ctx, r.store, sample.PatientID, embryo.OocyteSampleID, embryo.SpermSampleID); err != nil {
			return nil, err
		}
	}

	sample.Quality = merged
	if err := r.store.SaveSampleDetails(ctx, sample); err != nil {
		return nil, fmt.Errorf("failed to save quality for sample %s: %w", id, err)
	}

	r.logger.WithFields(logrus.Fields{
		"sample_id": id,
		"type":      sample.Type,
	}).Debug("Sample quality updated")
	return sample, nil
}

// Transition moves a sample to a new status when the table allows it. It
// never touches location or ledger.
func (r *SpecimenRegistry) Transition(ctx context.Context, id string, to domain.SampleStatus) (*domain.Sample, error) {
	sample, err := r.store.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.transition(ctx, sample, to)
}

// TransitionFrom moves the sample to `to` only while it is still in `expected`.
// Remote callers use it to keep compare-and-set semantics across the wire.
func (r *SpecimenRegistry) TransitionFrom(ctx context.Context, id string, expected, to domain.SampleStatus) (*domain.Sample, error) {
	sample, err := r.store.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	sample.Status = expected
	return r.transition(ctx, sample, to)
}

func (r *SpecimenRegistry) transition(ctx context.Context, sample *domain.Sample, to domain.SampleStatus) (*domain.Sample, error) {
	if err := domain.CheckTransition(sample, to); err != nil {
		return nil, err
	}

	updated, err := r.store.CompareAndSetStatus(ctx, sample.ID, sample.Status, to)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveTransition(to)

	r.logger.WithFields(logrus.Fields{
		"sample_id": sample.ID,
		"from":      sample.Status,
		"to":        to,
	}).Info("Sample status changed")
	return updated, nil
}

// UpdateDetails changes notes, cycle tag and flags. Flags are advisory and
// may change in any status.
func (r *SpecimenRegistry) UpdateDetails(ctx context.Context, id string, patch domain.SampleDetailsPatch) (*domain.Sample, error) {
	sample, err := r.store.GetSample(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.TreatmentCycleID = trimCycle(patch.TreatmentCycleID)
	patch.Apply(sample)
	if err := r.store.SaveSampleDetails(ctx, sample); err != nil {
		return nil, fmt.Errorf("failed to save details for sample %s: %w", id, err)
	}
	return sample, nil
}

func normalizeCycle(cycle *string) *string {
	trimmed := trimCycle(cycle)
	if trimmed == nil || *trimmed == "" {
		return nil
	}
	return trimmed
}

func trimCycle(cycle *string) *string {
	if cycle == nil {
		return nil
	}
	v := strings.TrimSpace(*cycle)
	return &v
}
