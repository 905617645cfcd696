package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/models"
)

func newTestReaper(store ServiceStore, now time.Time) *ReaperService {
	reaper := NewReaperService(store, metrics.NewMetrics(), config.RegistryConfig{
		StalenessWindow: 5 * time.Minute,
		EvictionWindow:  15 * time.Minute,
		ReaperBatchSize: 100,
	})
	reaper.now = func() time.Time { return now }
	return reaper
}

func staleService(status models.ServiceStatus, lastSeen time.Time, version int) models.Service {
	svc := testService(status, version)
	svc.LastSeenAt = lastSeen
	return *svc
}

func TestReaperDemotesStaleService(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	candidate := staleService(models.StatusHealthy, now.Add(-6*time.Minute), 2)

	mockStore := new(MockServiceStore)
	mockStore.On("ListStale", mock.Anything, now.Add(-5*time.Minute), 100).
		Return([]models.Service{candidate}, nil).Once()

	var event *models.ServiceEvent
	mockStore.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(s *models.Service) bool {
		return s.ID == candidate.ID && s.Status == models.StatusUnhealthy
	}), 2, mock.Anything).
		Run(func(args mock.Arguments) {
			event = args.Get(3).(*models.ServiceEvent)
		}).
		Return(nil).Once()

	reaper := newTestReaper(mockStore, now)

	stats, err := reaper.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, ReapStats{Scanned: 1, Demoted: 1}, stats)
	require.NotNil(t, event)
	require.Equal(t, models.EventStatusChange, event.EventType)
	mockStore.AssertExpectations(t)
}

func TestReaperEvictsServicePastEvictionWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	candidate := staleService(models.StatusUnhealthy, now.Add(-20*time.Minute), 4)

	mockStore := new(MockServiceStore)
	mockStore.On("ListStale", mock.Anything, now.Add(-5*time.Minute), 100).
		Return([]models.Service{candidate}, nil).Once()

	var event *models.ServiceEvent
	mockStore.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(s *models.Service) bool {
		return s.ID == candidate.ID && s.Status == models.StatusStopped
	}), 4, mock.Anything).
		Run(func(args mock.Arguments) {
			event = args.Get(3).(*models.ServiceEvent)
		}).
		Return(nil).Once()

	reaper := newTestReaper(mockStore, now)

	stats, err := reaper.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, ReapStats{Scanned: 1, Evicted: 1}, stats)
	require.NotNil(t, event)
	require.Equal(t, models.EventStaleEvicted, event.EventType)
	mockStore.AssertExpectations(t)
}

func TestReaperLeavesDemotedServicesUntilEviction(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	// Already unhealthy, stale but not yet past the eviction window.
	candidate := staleService(models.StatusUnhealthy, now.Add(-8*time.Minute), 3)

	mockStore := new(MockServiceStore)
	mockStore.On("ListStale", mock.Anything, now.Add(-5*time.Minute), 100).
		Return([]models.Service{candidate}, nil).Once()

	reaper := newTestReaper(mockStore, now)

	stats, err := reaper.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, ReapStats{Scanned: 1}, stats)
	mockStore.AssertNotCalled(t, "UpdateVersioned")
}

func TestReaperSkipsRecordsThatLoseTheWriteRace(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	racy := staleService(models.StatusDegraded, now.Add(-7*time.Minute), 1)
	quiet := staleService(models.StatusHealthy, now.Add(-6*time.Minute), 5)

	mockStore := new(MockServiceStore)
	mockStore.On("ListStale", mock.Anything, now.Add(-5*time.Minute), 100).
		Return([]models.Service{racy, quiet}, nil).Once()

	// A heartbeat landed between the scan and the write.
	mockStore.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(s *models.Service) bool {
		return s.ID == racy.ID
	}), 1, mock.Anything).
		Return(apperrors.Conflict("service was modified by another writer")).Once()

	mockStore.On("UpdateVersioned", mock.Anything, mock.MatchedBy(func(s *models.Service) bool {
		return s.ID == quiet.ID
	}), 5, mock.Anything).
		Return(nil).Once()

	reaper := newTestReaper(mockStore, now)

	stats, err := reaper.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, ReapStats{Scanned: 2, Demoted: 1, Skipped: 1}, stats)
	mockStore.AssertExpectations(t)
}

func TestReaperPropagatesListFailure(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mockStore := new(MockServiceStore)
	mockStore.On("ListStale", mock.Anything, now.Add(-5*time.Minute), 100).
		Return(nil, apperrors.Internal(nil, "replica unavailable")).Once()

	reaper := newTestReaper(mockStore, now)

	_, err := reaper.Run(context.Background())

	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}
