package domain

import (
	"context"
)

// SampleStore persists samples. Status changes only go through CompareAndSetStatus.
type SampleStore interface {
	CreateSample(ctx context.Context, sample *Sample) error
	GetSample(ctx context.Context, id string) (*Sample, error)
	ListSamplesByPatient(ctx context.Context, patientID string) ([]*Sample, error)
	// SaveSampleDetails writes quality, flags, notes and cycle tag; never status.
	SaveSampleDetails(ctx context.Context, sample *Sample) error
	// CompareAndSetStatus moves the sample to `to` only if it is still in `from`.
	CompareAndSetStatus(ctx context.Context, id string, from, to SampleStatus) (*Sample, error)
}

// LocationStore reads the storage topology
type LocationStore interface {
	GetRoots(ctx context.Context) ([]*CryoLocationNode, error)
	GetChildren(ctx context.Context, parentID string) ([]*CryoLocationNode, error)
	GetLocation(ctx context.Context, id string) (*CryoLocationNode, error)
}

// LocationWriter provisions topology nodes
type LocationWriter interface {
	CreateLocation(ctx context.Context, node *CryoLocationNode) error
}

// LedgerStore is the append-only import ledger. Lists are ordered by Sequence ascending.
type LedgerStore interface {
	ListImportsBySlot(ctx context.Context, slotID string) ([]*CryoImportRecord, error)
	ListImportsBySample(ctx context.Context, sampleID string) ([]*CryoImportRecord, error)
	// AppendImport inserts a record without touching sample status.
	AppendImport(ctx context.Context, record *CryoImportRecord) error
	// CommitImport applies an ImportCommit atomically.
	CommitImport(ctx context.Context, commit ImportCommit) (*CryoImportRecord, error)
}

// Store bundles every persistence concern of the core
type Store interface {
	SampleStore
	LocationStore
	LocationWriter
	LedgerStore
	Close() error
}

// Patient is the read-only view of the patient directory
type Patient struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Code     string `json:"code,omitempty"`
}

// User is the read-only view of the staff directory
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Role     string `json:"role,omitempty"`
	Active   bool   `json:"active"`
}

// PatientDirectory resolves patient ids
type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
}

// UserDirectory resolves staff ids for importer and witness selection
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

// LedgerPublisher receives appended ledger records
type LedgerPublisher interface {
	Publish(event LedgerEvent)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
