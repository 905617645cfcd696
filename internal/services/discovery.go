package services

import (
	"context"

	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repositories"
)

const (
	defaultDiscoverLimit = 20
	maxDiscoverLimit     = 100
)

// DiscoverFilter constrains a discovery query. A nil Status selects the
// default discoverable set: healthy and degraded.
type DiscoverFilter struct {
	Name   string
	Type   models.ServiceType
	Status *models.ServiceStatus
	Limit  int
	Offset int
}

func (f *DiscoverFilter) validate() error {
	if f.Type != "" && !f.Type.Valid() {
		return apperrors.Validation("unknown service type %q", f.Type).WithDetail("field", "type")
	}
	if f.Status != nil && !f.Status.Valid() {
		return apperrors.Validation("unknown status %q", *f.Status).WithDetail("field", "status")
	}
	if f.Limit == 0 {
		f.Limit = defaultDiscoverLimit
	}
	if f.Limit < 1 || f.Limit > maxDiscoverLimit {
		return apperrors.Validation("limit must be between 1 and %d, got %d", maxDiscoverLimit, f.Limit).
			WithDetail("field", "limit")
	}
	if f.Offset < 0 {
		return apperrors.Validation("offset must not be negative, got %d", f.Offset).
			WithDetail("field", "offset")
	}
	return nil
}

// Discover answers filtered queries over currently-live services,
// freshest last_seen_at first so load balancers prefer the most
// recently confirmed-alive instance. It reads the latest committed
// snapshot and never participates in the version protocol. Stopped
// services are treated as absent regardless of the filter.
func (s *RegistryService) Discover(ctx context.Context, f DiscoverFilter) ([]models.Service, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	var statuses []models.ServiceStatus
	switch {
	case f.Status == nil:
		statuses = []models.ServiceStatus{models.StatusHealthy, models.StatusDegraded}
	case *f.Status == models.StatusStopped:
		return []models.Service{}, nil
	default:
		statuses = []models.ServiceStatus{*f.Status}
	}

	services, err := s.store.List(ctx, repositories.ServiceQuery{
		Name:     f.Name,
		Type:     f.Type,
		Statuses: statuses,
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("discovery_queries")
	return services, nil
}
