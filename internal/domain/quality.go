package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// QualityPayload is the type-specific quality record of a sample. The set of
// implementations is closed: SpermQuality, OocyteQuality and EmbryoQuality.
// All fields are optional pointers so a payload doubles as a partial update.
type QualityPayload interface {
	SampleType() SampleType
	clone() QualityPayload
	merge(patch QualityPayload) QualityPayload
}

// SpermQuality holds semen analysis results
type SpermQuality struct {
	Volume              *float64 `json:"volume,omitempty"`
	Concentration       *float64 `json:"concentration,omitempty"`
	Motility            *float64 `json:"motility,omitempty"`
	ProgressiveMotility *float64 `json:"progressiveMotility,omitempty"`
	Morphology          *float64 `json:"morphology,omitempty"`
	PH                  *float64 `json:"ph,omitempty"`
	Viscosity           *string  `json:"viscosity,omitempty"`
	Liquefaction        *string  `json:"liquefaction,omitempty"`
	Color               *string  `json:"color,omitempty"`
	TotalSpermCount     *float64 `json:"totalSpermCount,omitempty"`
}

// OocyteQuality holds oocyte maturity and vitrification details
type OocyteQuality struct {
	MaturityStage       *string    `json:"maturityStage,omitempty"`
	IsMature            *bool      `json:"isMature,omitempty"`
	RetrievalDate       *time.Time `json:"retrievalDate,omitempty"`
	CumulusCells        *string    `json:"cumulusCells,omitempty"`
	CytoplasmAppearance *string    `json:"cytoplasmAppearance,omitempty"`
	IsVitrified         *bool      `json:"isVitrified,omitempty"`
	VitrificationDate   *time.Time `json:"vitrificationDate,omitempty"`
}

// EmbryoQuality holds embryo grading, testing and lineage
type EmbryoQuality struct {
	DayOfDevelopment    *int    `json:"dayOfDevelopment,omitempty"`
	Grade               *string `json:"grade,omitempty"`
	CellCount           *int    `json:"cellCount,omitempty"`
	Morphology          *string `json:"morphology,omitempty"`
	IsBiopsied          *bool   `json:"isBiopsied,omitempty"`
	IsPGTTested         *bool   `json:"isPGTTested,omitempty"`
	PGTResult           *string `json:"pgtResult,omitempty"`
	FertilizationMethod *string `json:"fertilizationMethod,omitempty"`
	OocyteSampleID      *string `json:"oocyteSampleId,omitempty"`
	SpermSampleID       *string `json:"spermSampleId,omitempty"`
}

func (*SpermQuality) SampleType() SampleType  { return SampleTypeSperm }
func (*OocyteQuality) SampleType() SampleType { return SampleTypeOocyte }
func (*EmbryoQuality) SampleType() SampleType { return SampleTypeEmbryo }

func (q *SpermQuality) clone() QualityPayload {
	return &SpermQuality{
		Volume:              clonePtr(q.Volume),
		Concentration:       clonePtr(q.Concentration),
		Motility:            clonePtr(q.Motility),
		ProgressiveMotility: clonePtr(q.ProgressiveMotility),
		Morphology:          clonePtr(q.Morphology),
		PH:                  clonePtr(q.PH),
		Viscosity:           clonePtr(q.Viscosity),
		Liquefaction:        clonePtr(q.Liquefaction),
		Color:               clonePtr(q.Color),
		TotalSpermCount:     clonePtr(q.TotalSpermCount),
	}
}

func (q *OocyteQuality) clone() QualityPayload {
	return &OocyteQuality{
		MaturityStage:       clonePtr(q.MaturityStage),
		IsMature:            clonePtr(q.IsMature),
		RetrievalDate:       clonePtr(q.RetrievalDate),
		CumulusCells:        clonePtr(q.CumulusCells),
		CytoplasmAppearance: clonePtr(q.CytoplasmAppearance),
		IsVitrified:         clonePtr(q.IsVitrified),
		VitrificationDate:   clonePtr(q.VitrificationDate),
	}
}

func (q *EmbryoQuality) clone() QualityPayload {
	return &EmbryoQuality{
		DayOfDevelopment:    clonePtr(q.DayOfDevelopment),
		Grade:               clonePtr(q.Grade),
		CellCount:           clonePtr(q.CellCount),
		Morphology:          clonePtr(q.Morphology),
		IsBiopsied:          clonePtr(q.IsBiopsied),
		IsPGTTested:         clonePtr(q.IsPGTTested),
		PGTResult:           clonePtr(q.PGTResult),
		FertilizationMethod: clonePtr(q.FertilizationMethod),
		OocyteSampleID:      clonePtr(q.OocyteSampleID),
		SpermSampleID:       clonePtr(q.SpermSampleID),
	}
}

func (q *SpermQuality) merge(patch QualityPayload) QualityPayload {
	p := patch.(*SpermQuality)
	return &SpermQuality{
		Volume:              pick(p.Volume, q.Volume),
		Concentration:       pick(p.Concentration, q.Concentration),
		Motility:            pick(p.Motility, q.Motility),
		ProgressiveMotility: pick(p.ProgressiveMotility, q.ProgressiveMotility),
		Morphology:          pick(p.Morphology, q.Morphology),
		PH:                  pick(p.PH, q.PH),
		Viscosity:           pick(p.Viscosity, q.Viscosity),
		Liquefaction:        pick(p.Liquefaction, q.Liquefaction),
		Color:               pick(p.Color, q.Color),
		TotalSpermCount:     pick(p.TotalSpermCount, q.TotalSpermCount),
	}
}

func (q *OocyteQuality) merge(patch QualityPayload) QualityPayload {
	p := patch.(*OocyteQuality)
	return &OocyteQuality{
		MaturityStage:       pick(p.MaturityStage, q.MaturityStage),
		IsMature:            pick(p.IsMature, q.IsMature),
		RetrievalDate:       pick(p.RetrievalDate, q.RetrievalDate),
		CumulusCells:        pick(p.CumulusCells, q.CumulusCells),
		CytoplasmAppearance: pick(p.CytoplasmAppearance, q.CytoplasmAppearance),
		IsVitrified:         pick(p.IsVitrified, q.IsVitrified),
		VitrificationDate:   pick(p.VitrificationDate, q.VitrificationDate),
	}
}

func (q *EmbryoQuality) merge(patch QualityPayload) QualityPayload {
	p := patch.(*EmbryoQuality)
	return &EmbryoQuality{
		DayOfDevelopment:    pick(p.DayOfDevelopment, q.DayOfDevelopment),
		Grade:               pick(p.Grade, q.Grade),
		CellCount:           pick(p.CellCount, q.CellCount),
		Morphology:          pick(p.Morphology, q.Morphology),
		IsBiopsied:          pick(p.IsBiopsied, q.IsBiopsied),
		IsPGTTested:         pick(p.IsPGTTested, q.IsPGTTested),
		PGTResult:           pick(p.PGTResult, q.PGTResult),
		FertilizationMethod: pick(p.FertilizationMethod, q.FertilizationMethod),
		OocyteSampleID:      pick(p.OocyteSampleID, q.OocyteSampleID),
		SpermSampleID:       pick(p.SpermSampleID, q.SpermSampleID),
	}
}

// EmptyQuality returns the empty payload variant for a sample type
func EmptyQuality(t SampleType) (QualityPayload, error) {
	switch t {
	case SampleTypeSperm:
		return &SpermQuality{}, nil
	case SampleTypeOocyte:
		return &OocyteQuality{}, nil
	case SampleTypeEmbryo:
		return &EmbryoQuality{}, nil
	}
	return nil, NewValidationError("type", "unknown sample type", string(t))
}

// MergeQuality applies patch over current. Fields absent from patch keep their
// current value. The tags of both payloads must match the sample type.
func MergeQuality(sampleType SampleType, current, patch QualityPayload) (QualityPayload, error) {
	if patch == nil {
		return nil, NewValidationError("qualityPayload", "payload is required", nil)
	}
	if patch.SampleType() != sampleType {
		return nil, &TypeMismatchError{Expected: sampleType, Actual: patch.SampleType()}
	}
	if current == nil {
		current, _ = EmptyQuality(sampleType)
	}
	if current.SampleType() != sampleType {
		return nil, &TypeMismatchError{Expected: sampleType, Actual: current.SampleType()}
	}
	return current.merge(patch), nil
}

// CloneQuality deep-copies a payload
func CloneQuality(q QualityPayload) QualityPayload {
	if q == nil {
		return nil
	}
	return q.clone()
}

// QualityEnvelope is the tagged wire and storage form of a QualityPayload
type QualityEnvelope struct {
	Type SampleType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EnvelopeFor wraps a payload together with its tag
func EnvelopeFor(q QualityPayload) (*QualityEnvelope, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding %s quality: %w", q.SampleType(), err)
	}
	return &QualityEnvelope{Type: q.SampleType(), Data: data}, nil
}

// Decode dispatches on the tag and returns the concrete payload
func (e *QualityEnvelope) Decode() (QualityPayload, error) {
	return DecodeQuality(e.Type, e.Data)
}

// DecodeQuality parses raw JSON as the payload variant of the given type
func DecodeQuality(t SampleType, raw []byte) (QualityPayload, error) {
	payload, err := EmptyQuality(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, NewValidationError("qualityPayload", fmt.Sprintf("malformed %s payload: %v", t, err), nil)
	}
	return payload, nil
}

func pick[T any](patch, current *T) *T {
	if patch != nil {
		return clonePtr(patch)
	}
	return clonePtr(current)
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
