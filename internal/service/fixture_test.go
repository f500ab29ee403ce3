package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/repository"
)

var collectedAt = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store       *repository.MemoryStore
	metrics     *Metrics
	registry    *SpecimenRegistry
	quality     *QualityAssessment
	ledger      *ImportLedger
	tree        *LocationTree
	coordinator *AllocationCoordinator
	provisioner *LocationProvisioner
	events      *recordingPublisher
	logs        *test.Hook
}

type fixtureOptions struct {
	allocation domain.AllocationConfig
	users      domain.UserDirectory
	patients   domain.PatientDirectory
}

func newFixture(t *testing.T, opts ...func(*fixtureOptions)) *fixture {
	t.Helper()
	options := fixtureOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := repository.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	events := &recordingPublisher{}
	registry := NewSpecimenRegistry(store, options.patients, metrics, logger)
	ledger := NewImportLedger(store, events, logger)
	tree := NewLocationTree(store, metrics, logger)

	f := &fixture{
		store:    store,
		metrics:  metrics,
		registry: registry,
		quality:  NewQualityAssessment(registry, logger),
		ledger:   ledger,
		tree:     tree,
		coordinator: NewAllocationCoordinator(AllocationDeps{
			Store:    store,
			Registry: registry,
			Ledger:   ledger,
			Tree:     tree,
			Users:    options.users,
			Metrics:  metrics,
			Logger:   logger,
		}, options.allocation),
		provisioner: NewLocationProvisioner(store, tree, logger),
		events:      events,
		logs:        hook,
	}
	f.seedTopology(t)
	return f
}

func withAllocation(cfg domain.AllocationConfig) func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.allocation = cfg }
}

func withUsers(users domain.UserDirectory) func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.users = users }
}

func withPatients(patients domain.PatientDirectory) func(*fixtureOptions) {
	return func(o *fixtureOptions) { o.patients = patients }
}

// seedTopology builds T1 > C1 > G1 > {S1, S2, S10}
func (f *fixture) seedTopology(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	nodes := []struct {
		id, name, parent string
		kind             domain.LocationType
	}{
		{"T1", "Tank 1", "", domain.LocationTank},
		{"C1", "Canister 1", "T1", domain.LocationCanister},
		{"G1", "Goblet 1", "C1", domain.LocationGoblet},
		{"S10", "Slot 10", "G1", domain.LocationSlot},
		{"S2", "Slot 2", "G1", domain.LocationSlot},
		{"S1", "Slot 1", "G1", domain.LocationSlot},
	}
	for _, n := range nodes {
		node := &domain.CryoLocationNode{ID: n.id, Name: n.name, Type: n.kind}
		if n.parent != "" {
			parent := n.parent
			node.ParentID = &parent
		}
		require.NoError(t, f.store.CreateLocation(ctx, node))
	}
}

func (f *fixture) createSample(t *testing.T, id string, sampleType domain.SampleType) *domain.Sample {
	t.Helper()
	sample, err := f.registry.Create(context.Background(), domain.NewSampleRequest{
		ID:             id,
		Type:           sampleType,
		PatientID:      "P1",
		CollectionDate: collectedAt,
	})
	require.NoError(t, err)
	return sample
}

// checkedSample creates a sample and walks it to QualityChecked with canFrozen set
func (f *fixture) checkedSample(t *testing.T, id string, sampleType domain.SampleType) *domain.Sample {
	t.Helper()
	f.createSample(t, id, sampleType)
	payload, err := domain.EmptyQuality(sampleType)
	require.NoError(t, err)
	sample, err := f.quality.Assess(context.Background(), id, payload, true)
	require.NoError(t, err)
	return sample
}

func importInto(sampleID, slotID string) domain.ImportRequest {
	return domain.ImportRequest{
		SampleID:    sampleID,
		SlotID:      slotID,
		ImportedBy:  "tech1",
		WitnessedBy: "tech2",
		Temperature: -196,
		Reason:      "initial freeze",
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
}

func (p *recordingPublisher) Publish(event domain.LedgerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []domain.LedgerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.LedgerEvent(nil), p.events...)
}

// MockUserDirectory is a mock implementation of domain.UserDirectory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if user, ok := args.Get(0).(*domain.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPatientDirectory is a mock implementation of domain.PatientDirectory
type MockPatientDirectory struct {
	mock.Mock
}

func (m *MockPatientDirectory) GetPatient(ctx context.Context, id string) (*domain.Patient, error) {
	args := m.Called(ctx, id)
	if patient, ok := args.Get(0).(*domain.Patient); ok {
		return patient, args.Error(1)
	}
	return nil, args.Error(1)
}

func ptr[T any](v T) *T { return &v }
