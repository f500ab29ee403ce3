package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTree struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTree) Invalidate(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) InvalidateLocations(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestRefreshLocations(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tree := &fakeTree{}
	cache := &mockCache{}
	cache.On("InvalidateLocations", mock.Anything).Return(nil).Once()

	NewScheduler("", tree, cache, logger).RefreshLocations()

	assert.Equal(t, []string{""}, tree.calls)
	cache.AssertExpectations(t)
}

func TestRefreshLocations_CacheFailureStillDropsTree(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tree := &fakeTree{}
	cache := &mockCache{}
	cache.On("InvalidateLocations", mock.Anything).Return(errors.New("redis down"))

	NewScheduler("", tree, cache, logger).RefreshLocations()

	assert.Len(t, tree.calls, 1)
	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRefreshLocations_WithoutCache(t *testing.T) {
	logger, _ := test.NewNullLogger()
	tree := &fakeTree{}

	NewScheduler("", tree, nil, logger).RefreshLocations()

	assert.Len(t, tree.calls, 1)
}

func TestStart(t *testing.T) {
	logger, _ := test.NewNullLogger()

	s := NewScheduler("@every 1h", &fakeTree{}, nil, logger)
	require.NoError(t, s.Start())
	assert.Len(t, s.cron.Entries(), 1)
	s.Stop()

	err := NewScheduler("not a spec", &fakeTree{}, nil, logger).Start()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a spec")
}
