package api

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
	"github.com/cryo-specimen-server/internal/events"
	"github.com/cryo-specimen-server/internal/service"
)

// ServiceOptions holds the optional collaborators of the core
type ServiceOptions struct {
	Users      domain.UserDirectory
	Patients   domain.PatientDirectory
	Locker     service.SlotLocker
	Allocation domain.AllocationConfig
	Registry   *prometheus.Registry
	Health     func(ctx context.Context) error
	Logger     *logrus.Logger
}

// NewServices wires the core components over one store
func NewServices(store domain.Store, opts ServiceOptions) Services {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	metrics := service.NewMetrics(reg)
	bus := events.NewBus(events.DefaultBuffer, logger)
	registry := service.NewSpecimenRegistry(store, opts.Patients, metrics, logger)
	ledger := service.NewImportLedger(store, bus, logger)
	tree := service.NewLocationTree(store, metrics, logger)

	return Services{
		Registry: registry,
		Quality:  service.NewQualityAssessment(registry, logger),
		Ledger:   ledger,
		Tree:     tree,
		Coordinator: service.NewAllocationCoordinator(service.AllocationDeps{
			Store:    store,
			Registry: registry,
			Ledger:   ledger,
			Tree:     tree,
			Locker:   opts.Locker,
			Users:    opts.Users,
			Metrics:  metrics,
			Logger:   logger,
		}, opts.Allocation),
		Provisioner: service.NewLocationProvisioner(store, tree, logger),
		Locations:   store,
		Bus:         bus,
		Gatherer:    reg,
		Health:      opts.Health,
	}
}
