package domain

import "time"

// CryoImportRecord is an append-only chain-of-custody entry placing a sample in a slot
type CryoImportRecord struct {
	ID          string    `json:"id"`
	Sequence    int64     `json:"sequence"`
	SampleID    string    `json:"sampleId"`
	SlotID      string    `json:"slotId"`
	ImportDate  time.Time `json:"importDate"`
	ImportedBy  string    `json:"importedBy"`
	WitnessedBy string    `json:"witnessedBy"`
	Temperature float64   `json:"temperature"`
	Reason      string    `json:"reason"`
	Notes       string    `json:"notes,omitempty"`
}

// ImportRequest is the input of an import into a slot
type ImportRequest struct {
	SampleID    string       `json:"sampleId"`
	SlotID      string       `json:"slotId"`
	ImportedBy  string       `json:"importedBy"`
	WitnessedBy string       `json:"witnessedBy"`
	Temperature float64      `json:"temperature"`
	Reason      string       `json:"reason"`
	Notes       string       `json:"notes,omitempty"`
	Target      SampleStatus `json:"targetStatus,omitempty"`
}

// ImportCommit is the unit a store must apply atomically: re-verify that the
// slot is vacant and the sample is still in From, then append Record and move
// the sample to To. From == To for moves between slots.
type ImportCommit struct {
	Record *CryoImportRecord `json:"record"`
	From   SampleStatus      `json:"fromStatus"`
	To     SampleStatus      `json:"toStatus"`
}

// LedgerEvent is published after a record is appended
type LedgerEvent struct {
	Record *CryoImportRecord `json:"record"`
	Status SampleStatus      `json:"status"`
}
