package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repositories"
)

func TestDiscoverDefaultsToLiveStatuses(t *testing.T) {
	mockStore := new(MockServiceStore)

	var query repositories.ServiceQuery
	mockStore.On("List", mock.Anything, mock.AnythingOfType("repositories.ServiceQuery")).
		Run(func(args mock.Arguments) {
			query = args.Get(1).(repositories.ServiceQuery)
		}).
		Return([]models.Service{}, nil).Once()

	service := newTestRegistry(mockStore, new(MockEventStore))

	_, err := service.Discover(context.Background(), DiscoverFilter{Name: "billing"})

	require.NoError(t, err)
	require.Equal(t, "billing", query.Name)
	require.Equal(t, []models.ServiceStatus{models.StatusHealthy, models.StatusDegraded}, query.Statuses)
	require.Equal(t, defaultDiscoverLimit, query.Limit)
	require.Equal(t, 0, query.Offset)
}

func TestDiscoverExplicitStatusNarrowsQuery(t *testing.T) {
	mockStore := new(MockServiceStore)

	var query repositories.ServiceQuery
	mockStore.On("List", mock.Anything, mock.AnythingOfType("repositories.ServiceQuery")).
		Run(func(args mock.Arguments) {
			query = args.Get(1).(repositories.ServiceQuery)
		}).
		Return([]models.Service{}, nil).Once()

	service := newTestRegistry(mockStore, new(MockEventStore))

	status := models.StatusUnhealthy
	_, err := service.Discover(context.Background(), DiscoverFilter{Status: &status})

	require.NoError(t, err)
	require.Equal(t, []models.ServiceStatus{models.StatusUnhealthy}, query.Statuses)
}

func TestDiscoverStoppedStatusReturnsEmpty(t *testing.T) {
	mockStore := new(MockServiceStore)
	service := newTestRegistry(mockStore, new(MockEventStore))

	status := models.StatusStopped
	list, err := service.Discover(context.Background(), DiscoverFilter{Status: &status})

	require.NoError(t, err)
	require.Empty(t, list)
	mockStore.AssertNotCalled(t, "List")
}

func TestDiscoverValidatesPagination(t *testing.T) {
	tests := []struct {
		name   string
		filter DiscoverFilter
	}{
		{"limit above cap", DiscoverFilter{Limit: maxDiscoverLimit + 1}},
		{"negative limit", DiscoverFilter{Limit: -1}},
		{"negative offset", DiscoverFilter{Offset: -1}},
		{"unknown type", DiscoverFilter{Type: "mainframe"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mockStore := new(MockServiceStore)
			service := newTestRegistry(mockStore, new(MockEventStore))

			_, err := service.Discover(context.Background(), tc.filter)

			require.Error(t, err)
			require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
			mockStore.AssertNotCalled(t, "List")
		})
	}
}
