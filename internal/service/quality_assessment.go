package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// Embryo development is tracked up to the blastocyst stage
const (
	MinDayOfDevelopment = 1
	MaxDayOfDevelopment = 7
)

var (
	oocyteMaturityStages = map[string]bool{"GV": true, "MI": true, "MII": true}
	fertilizationMethods = map[string]bool{"IVF": true, "ICSI": true}
)

// QualityAssessment validates type-specific quality payloads and drives the
// assessment steps of the lifecycle
type QualityAssessment struct {
	registry *SpecimenRegistry
	logger   *logrus.Logger
}

// NewQualityAssessment creates a new quality assessment service
func NewQualityAssessment(registry *SpecimenRegistry, logger *logrus.Logger) *QualityAssessment {
	return &QualityAssessment{registry: registry, logger: logger}
}

// Validate checks the field-level constraints of a payload. Only fields that
// are present are checked, so partial updates validate on their own.
func Validate(sampleType domain.SampleType, payload domain.QualityPayload) error {
	if payload == nil {
		return domain.NewValidationError("qualityPayload", "payload is required", nil)
	}
	if payload.SampleType() != sampleType {
		return &domain.TypeMismatchError{Expected: sampleType, Actual: payload.SampleType()}
	}

	var errs domain.ValidationErrors
	switch q := payload.(type) {
	case *domain.SpermQuality:
		errs = validateSperm(q)
	case *domain.OocyteQuality:
		errs = validateOocyte(q)
	case *domain.EmbryoQuality:
		errs = validateEmbryo(q)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateSperm(q *domain.SpermQuality) domain.ValidationErrors {
	var errs domain.ValidationErrors
	nonNegative := map[string]*float64{
		"volume":          q.Volume,
		"concentration":   q.Concentration,
		"totalSpermCount": q.TotalSpermCount,
	}
	for _, field := range []string{"volume", "concentration", "totalSpermCount"} {
		if v := nonNegative[field]; v != nil && *v < 0 {
			errs = append(errs, domain.NewValidationError(field, "must not be negative", *v))
		}
	}
	percentages := map[string]*float64{
		"motility":            q.Motility,
		"progressiveMotility": q.ProgressiveMotility,
		"morphology":          q.Morphology,
	}
	for _, field := range []string{"motility", "progressiveMotility", "morphology"} {
		if v := percentages[field]; v != nil && (*v < 0 || *v > 100) {
			errs = append(errs, domain.NewValidationError(field, "must be a percentage between 0 and 100", *v))
		}
	}
	if q.Motility != nil && q.ProgressiveMotility != nil && *q.ProgressiveMotility > *q.Motility {
		errs = append(errs, domain.NewValidationError("progressiveMotility", "cannot exceed total motility", *q.ProgressiveMotility))
	}
	if q.PH != nil && (*q.PH < 0 || *q.PH > 14) {
		errs = append(errs, domain.NewValidationError("ph", "must be between 0 and 14", *q.PH))
	}
	return errs
}

func validateOocyte(q *domain.OocyteQuality) domain.ValidationErrors {
	var errs domain.ValidationErrors
	if q.MaturityStage != nil && !oocyteMaturityStages[*q.MaturityStage] {
		errs = append(errs, domain.NewValidationError("maturityStage", "must be one of GV, MI, MII", *q.MaturityStage))
	}
	if q.VitrificationDate != nil {
		if q.IsVitrified != nil && !*q.IsVitrified {
			errs = append(errs, domain.NewValidationError("vitrificationDate", "set on an oocyte that is not vitrified", *q.VitrificationDate))
		}
		if q.RetrievalDate != nil && q.VitrificationDate.Before(*q.RetrievalDate) {
			errs = append(errs, domain.NewValidationError("vitrificationDate", "cannot precede the retrieval date", *q.VitrificationDate))
		}
	}
	return errs
}

func validateEmbryo(q *domain.EmbryoQuality) domain.ValidationErrors {
	var errs domain.ValidationErrors
	if q.DayOfDevelopment != nil && (*q.DayOfDevelopment < MinDayOfDevelopment || *q.DayOfDevelopment > MaxDayOfDevelopment) {
		errs = append(errs, domain.NewValidationError("dayOfDevelopment",
			fmt.Sprintf("must be between %d and %d", MinDayOfDevelopment, MaxDayOfDevelopment), *q.DayOfDevelopment))
	}
	if q.CellCount != nil && *q.CellCount < 0 {
		errs = append(errs, domain.NewValidationError("cellCount", "must not be negative", *q.CellCount))
	}
	if q.FertilizationMethod != nil && !fertilizationMethods[*q.FertilizationMethod] {
		errs = append(errs, domain.NewValidationError("fertilizationMethod", "must be IVF or ICSI", *q.FertilizationMethod))
	}
	if q.PGTResult != nil && q.IsPGTTested != nil && !*q.IsPGTTested {
		errs = append(errs, domain.NewValidationError("pgtResult", "set on an embryo that was not PGT tested", *q.PGTResult))
	}
	if q.IsPGTTested != nil && *q.IsPGTTested && q.IsBiopsied != nil && !*q.IsBiopsied {
		errs = append(errs, domain.NewValidationError("isPGTTested", "PGT testing requires a biopsy", true))
	}
	return errs
}

// validateMerged checks cross-field rules on the stored result of a merge
func validateMerged(payload domain.QualityPayload) error {
	switch q := payload.(type) {
	case *domain.OocyteQuality:
		if q.VitrificationDate != nil && (q.IsVitrified == nil || !*q.IsVitrified) {
			return domain.NewValidationError("vitrificationDate", "set on an oocyte that is not vitrified", *q.VitrificationDate)
		}
	case *domain.EmbryoQuality:
		if q.PGTResult != nil && (q.IsPGTTested == nil || !*q.IsPGTTested) {
			return domain.NewValidationError("pgtResult", "set on an embryo that was not PGT tested", *q.PGTResult)
		}
		if q.IsPGTTested != nil && *q.IsPGTTested && (q.IsBiopsied == nil || !*q.IsBiopsied) {
			return domain.NewValidationError("isPGTTested", "PGT testing requires a biopsy", true)
		}
	}
	return Validate(payload.SampleType(), payload)
}

// Assess records quality results and completes the assessment step:
// Collected -> QualityChecked with canFrozen set from the verdict.
func (a *QualityAssessment) Assess(ctx context.Context, sampleID string, payload domain.QualityPayload, eligibleForFreezing bool) (*domain.Sample, error) {
	current, err := a.registry.Get(ctx, sampleID)
	if err != nil {
		return nil, err
	}
	if err := domain.CheckTransition(current, domain.StatusQualityChecked); err != nil {
		return nil, err
	}
	if _, err := a.registry.UpdateQuality(ctx, sampleID, payload); err != nil {
		return nil, err
	}
	if _, err := a.registry.Transition(ctx, sampleID, domain.StatusQualityChecked); err != nil {
		return nil, err
	}
	sample, err := a.registry.UpdateDetails(ctx, sampleID, domain.SampleDetailsPatch{CanFrozen: &eligibleForFreezing})
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"sample_id":  sampleID,
		"type":       sample.Type,
		"can_frozen": eligibleForFreezing,
	}).Info("Quality assessment completed")
	return sample, nil
}

// AdmitToCulture moves a quality-checked embryo into culture. The stored
// payload must report a positive cell count.
func (a *QualityAssessment) AdmitToCulture(ctx context.Context, embryoID string) (*domain.Sample, error) {
	sample, err := a.registry.Get(ctx, embryoID)
	if err != nil {
		return nil, err
	}
	if sample.Type != domain.SampleTypeEmbryo {
		return nil, &domain.TypeMismatchError{Expected: domain.SampleTypeEmbryo, Actual: sample.Type}
	}
	quality, _ := sample.Quality.(*domain.EmbryoQuality)
	if quality == nil || quality.CellCount == nil || *quality.CellCount <= 0 {
		var value interface{}
		if quality != nil && quality.CellCount != nil {
			value = *quality.CellCount
		}
		return nil, domain.NewValidationError("cellCount", "must be greater than zero for culture admission", value)
	}
	return a.registry.Transition(ctx, embryoID, domain.StatusCulturedEmbryo)
}
