package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// Lineage is the resolved parentage of an embryo
type Lineage struct {
	OocyteSampleID *string `json:"oocyteSampleId,omitempty"`
	SpermSampleID  *string `json:"spermSampleId,omitempty"`
	// UsedFallback is set when a parent was taken from untagged legacy samples
	UsedFallback bool `json:"usedFallback"`
}

// CreateEmbryoParams holds the inputs of embryo creation
type CreateEmbryoParams struct {
	PatientID           string    `json:"patientId"`
	TreatmentCycleID    string    `json:"treatmentCycleId"`
	CollectionDate      time.Time `json:"collectionDate"`
	FertilizationMethod string    `json:"fertilizationMethod"`
	Notes               string    `json:"notes,omitempty"`
}

// ResolveLineage picks the most recent Oocyte and Sperm sample of the patient
// tagged with cycleID. When a type has no tagged sample, the most recent
// untagged sample of that type is used instead and a warning is logged.
// Among equally recent candidates the first one listed by the store wins.
func (a *QualityAssessment) ResolveLineage(ctx context.Context, patientID, cycleID string) (*Lineage, error) {
	samples, err := a.registry.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	lineage := &Lineage{}
	for _, sampleType := range []domain.SampleType{domain.SampleTypeOocyte, domain.SampleTypeSperm} {
		parent := mostRecent(samples, sampleType, func(s *domain.Sample) bool {
			return cycleID != "" && s.CycleTag() == cycleID
		})
		if parent == nil {
			parent = mostRecent(samples, sampleType, func(s *domain.Sample) bool {
				return s.CycleTag() == ""
			})
			if parent != nil {
				lineage.UsedFallback = true
				a.logger.WithFields(logrus.Fields{
					"patient_id": patientID,
					"cycle_id":   cycleID,
					"type":       sampleType,
					"sample_id":  parent.ID,
				}).Warn("No cycle-tagged parent found, using most recent untagged sample")
			}
		}
		if parent == nil {
			continue
		}
		id := parent.ID
		if sampleType == domain.SampleTypeOocyte {
			lineage.OocyteSampleID = &id
		} else {
			lineage.SpermSampleID = &id
		}
	}
	return lineage, nil
}

func mostRecent(samples []*domain.Sample, sampleType domain.SampleType, match func(*domain.Sample) bool) *domain.Sample {
	var best *domain.Sample
	for _, s := range samples {
		if s.Type != sampleType || !match(s) {
			continue
		}
		if best == nil || s.CollectionDate.After(best.CollectionDate) {
			best = s
		}
	}
	return best
}

// CreateEmbryo creates an embryo with its resolved lineage and fertilization
// method already on the quality payload
func (a *QualityAssessment) CreateEmbryo(ctx context.Context, params CreateEmbryoParams) (*domain.Sample, *Lineage, error) {
	method := params.FertilizationMethod
	if !fertilizationMethods[method] {
		return nil, nil, domain.NewValidationError("fertilizationMethod", "must be IVF or ICSI", method)
	}

	lineage, err := a.ResolveLineage(ctx, params.PatientID, params.TreatmentCycleID)
	if err != nil {
		return nil, nil, err
	}
	if lineage.OocyteSampleID == nil && lineage.SpermSampleID == nil {
		a.logger.WithField("patient_id", params.PatientID).Warn("Creating embryo without resolvable lineage")
	}

	var cycle *string
	if params.TreatmentCycleID != "" {
		cycle = &params.TreatmentCycleID
	}
	embryo, err := a.registry.CreateWithQuality(ctx, domain.NewSampleRequest{
		Type:             domain.SampleTypeEmbryo,
		PatientID:        params.PatientID,
		TreatmentCycleID: cycle,
		CollectionDate:   params.CollectionDate,
		Notes:            params.Notes,
	}, &domain.EmbryoQuality{
		FertilizationMethod: &method,
		OocyteSampleID:      lineage.OocyteSampleID,
		SpermSampleID:       lineage.SpermSampleID,
	})
	if err != nil {
		return nil, nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"sample_id":     embryo.ID,
		"patient_id":    embryo.PatientID,
		"used_fallback": lineage.UsedFallback,
	}).Info("Embryo created")
	return embryo, lineage, nil
}

// checkParents verifies that lineage ids name samples of the right type
// belonging to the same patient
func checkParents(ctx context.Context, store domain.SampleStore, patientID string, oocyteID, spermID *string) error {
	parents := []struct {
		id       *string
		field    string
		expected domain.SampleType
	}{
		{oocyteID, "oocyteSampleId", domain.SampleTypeOocyte},
		{spermID, "spermSampleId", domain.SampleTypeSperm},
	}
	for _, p := range parents {
		if p.id == nil || *p.id == "" {
			continue
		}
		parent, err := store.GetSample(ctx, *p.id)
		if err != nil {
			return err
		}
		if parent.Type != p.expected {
			return domain.NewValidationError(p.field, fmt.Sprintf("sample %s is a %s, expected %s", parent.ID, parent.Type, p.expected), *p.id)
		}
		if parent.PatientID != patientID {
			return domain.NewValidationError(p.field, "parent sample belongs to another patient", *p.id)
		}
	}
	return nil
}
