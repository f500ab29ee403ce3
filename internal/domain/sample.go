package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SampleType identifies the kind of biological specimen
type SampleType string

const (
	SampleTypeSperm  SampleType = "Sperm"
	SampleTypeOocyte SampleType = "Oocyte"
	SampleTypeEmbryo SampleType = "Embryo"
)

// SampleTypes lists every supported specimen type
var SampleTypes = []SampleType{SampleTypeSperm, SampleTypeOocyte, SampleTypeEmbryo}

// ParseSampleType matches a type name case-insensitively
func ParseSampleType(value string) (SampleType, error) {
	for _, t := range SampleTypes {
		if strings.EqualFold(strings.TrimSpace(value), string(t)) {
			return t, nil
		}
	}
	return "", NewValidationError("type", "unknown sample type", value)
}

// SampleStatus is a lifecycle state of a sample
type SampleStatus string

const (
	StatusCollected      SampleStatus = "Collected"
	StatusQualityChecked SampleStatus = "QualityChecked"
	StatusStored         SampleStatus = "Stored"
	StatusFrozen         SampleStatus = "Frozen"
	StatusThawed         SampleStatus = "Thawed"
	StatusFertilized     SampleStatus = "Fertilized"
	StatusCulturedEmbryo SampleStatus = "CulturedEmbryo"
	StatusDiscarded      SampleStatus = "Discarded"
	StatusExpired        SampleStatus = "Expired"
)

// SampleStatuses lists every lifecycle state
var SampleStatuses = []SampleStatus{
	StatusCollected,
	StatusQualityChecked,
	StatusStored,
	StatusFrozen,
	StatusThawed,
	StatusFertilized,
	StatusCulturedEmbryo,
	StatusDiscarded,
	StatusExpired,
}

// ActiveStatuses are the states in which a sample physically occupies a slot.
var ActiveStatuses = []SampleStatus{StatusFrozen, StatusStored}

// IsActive reports whether the status keeps the sample in its slot
func (s SampleStatus) IsActive() bool {
	return s == StatusFrozen || s == StatusStored
}

// ParseSampleStatus matches a status name case-insensitively
func ParseSampleStatus(value string) (SampleStatus, error) {
	for _, s := range SampleStatuses {
		if strings.EqualFold(strings.TrimSpace(value), string(s)) {
			return s, nil
		}
	}
	return "", NewValidationError("status", "unknown sample status", value)
}

// Sample is a tracked biological unit
type Sample struct {
	ID               string         `json:"id"`
	Code             string         `json:"code"`
	Type             SampleType     `json:"type"`
	Status           SampleStatus   `json:"status"`
	PatientID        string         `json:"patientId"`
	TreatmentCycleID *string        `json:"treatmentCycleId,omitempty"`
	CollectionDate   time.Time      `json:"collectionDate"`
	Notes            string         `json:"notes,omitempty"`
	Quality          QualityPayload `json:"-"`
	IsAvailable      bool           `json:"isAvailable"`
	CanFrozen        bool           `json:"canFrozen"`
	CanFertilize     bool           `json:"canFertilize"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

type sampleAlias Sample

type sampleJSON struct {
	sampleAlias
	QualityPayload *QualityEnvelope `json:"qualityPayload,omitempty"`
}

// MarshalJSON encodes the quality payload as a tagged envelope.
func (s Sample) MarshalJSON() ([]byte, error) {
	aux := sampleJSON{sampleAlias: sampleAlias(s)}
	if s.Quality != nil {
		env, err := EnvelopeFor(s.Quality)
		if err != nil {
			return nil, err
		}
		aux.QualityPayload = env
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the tagged quality envelope back into its variant.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var aux sampleJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Sample(aux.sampleAlias)
	if aux.QualityPayload != nil {
		payload, err := aux.QualityPayload.Decode()
		if err != nil {
			return err
		}
		s.Quality = payload
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate stored state
func (s *Sample) Clone() *Sample {
	if s == nil {
		return nil
	}
	cp := *s
	if s.TreatmentCycleID != nil {
		cycle := *s.TreatmentCycleID
		cp.TreatmentCycleID = &cycle
	}
	if s.Quality != nil {
		cp.Quality = s.Quality.clone()
	}
	return &cp
}

// CycleTag returns the treatment cycle tag or an empty string
func (s *Sample) CycleTag() string {
	if s.TreatmentCycleID == nil {
		return ""
	}
	return *s.TreatmentCycleID
}

// NewSampleRequest carries the inputs of sample creation
type NewSampleRequest struct {
	ID               string     `json:"id,omitempty"`
	Code             string     `json:"code,omitempty"`
	Type             SampleType `json:"type"`
	PatientID        string     `json:"patientId"`
	TreatmentCycleID *string    `json:"treatmentCycleId,omitempty"`
	CollectionDate   time.Time  `json:"collectionDate"`
	Notes            string     `json:"notes,omitempty"`
}

// SampleDetailsPatch updates non-lifecycle fields. Nil fields are left untouched.
type SampleDetailsPatch struct {
	Notes            *string `json:"notes,omitempty"`
	TreatmentCycleID *string `json:"treatmentCycleId,omitempty"`
	IsAvailable      *bool   `json:"isAvailable,omitempty"`
	CanFrozen        *bool   `json:"canFrozen,omitempty"`
	CanFertilize     *bool   `json:"canFertilize,omitempty"`
}

// Apply merges the patch into the sample
func (p SampleDetailsPatch) Apply(s *Sample) {
	if p.Notes != nil {
		s.Notes = *p.Notes
	}
	if p.TreatmentCycleID != nil {
		cycle := *p.TreatmentCycleID
		if cycle == "" {
			s.TreatmentCycleID = nil
		} else {
			s.TreatmentCycleID = &cycle
		}
	}
	if p.IsAvailable != nil {
		s.IsAvailable = *p.IsAvailable
	}
	if p.CanFrozen != nil {
		s.CanFrozen = *p.CanFrozen
	}
	if p.CanFertilize != nil {
		s.CanFertilize = *p.CanFertilize
	}
}

// SampleCode builds the human-readable code, e.g. "EMB-20240115-3F2A"
func SampleCode(t SampleType, collected time.Time, id string) string {
	prefix := map[SampleType]string{
		SampleTypeSperm:  "SPM",
		SampleTypeOocyte: "OOC",
		SampleTypeEmbryo: "EMB",
	}[t]
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 4 {
		suffix = suffix[:4]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, collected.UTC().Format("20060102"), suffix)
}

// TransitionRequest asks for a status change. A non-empty ExpectedStatus makes
// the change conditional on the sample still being in that status.
type TransitionRequest struct {
	Status         SampleStatus `json:"status"`
	ExpectedStatus SampleStatus `json:"expectedStatus,omitempty"`
}
