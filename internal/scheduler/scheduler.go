package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultLocationRefreshSpec refreshes the location views every five minutes
const DefaultLocationRefreshSpec = "*/5 * * * *"

const refreshTimeout = 30 * time.Second

// TreeInvalidator drops cached location views
type TreeInvalidator interface {
	Invalidate(nodeID string)
}

// LocationCache is the shared location cache in front of a remote store
type LocationCache interface {
	InvalidateLocations(ctx context.Context) error
}

// Scheduler runs the background jobs of the server
type Scheduler struct {
	cron   *cron.Cron
	tree   TreeInvalidator
	cache  LocationCache
	spec   string
	logger *logrus.Logger
}

// NewScheduler creates a scheduler. cache may be nil.
func NewScheduler(spec string, tree TreeInvalidator, cache LocationCache, logger *logrus.Logger) *Scheduler {
	if spec == "" {
		spec = DefaultLocationRefreshSpec
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		cron:   cron.New(),
		tree:   tree,
		cache:  cache,
		spec:   spec,
		logger: logger,
	}
}

// Start registers the jobs and starts the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.RefreshLocations); err != nil {
		return fmt.Errorf("failed to schedule location refresh %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.WithField("spec", s.spec).Info("Scheduler started")
	return nil
}

// Stop stops the cron loop and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RefreshLocations drops the cached location views so advisory sample
// counts are fetched again on the next read
func (s *Scheduler) RefreshLocations() {
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.cache.InvalidateLocations(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to invalidate shared location cache")
		}
	}
	if s.tree != nil {
		s.tree.Invalidate("")
	}
	s.logger.Debug("Location views refreshed")
}
