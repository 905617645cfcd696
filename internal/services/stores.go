package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repositories"
)

// ServiceStore is the entity-store surface the lifecycle engine writes
// through. All cross-writer coordination happens inside the store via
// version-conditional writes; the services layer never holds a lock
// across a store round-trip.
type ServiceStore interface {
	Create(ctx context.Context, svc *models.Service, event *models.ServiceEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error)
	GetByEndpoint(ctx context.Context, name, host string, port int) (*models.Service, error)
	UpdateVersioned(ctx context.Context, svc *models.Service, expectedVersion int, event *models.ServiceEvent) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Service, error)
	List(ctx context.Context, q repositories.ServiceQuery) ([]models.Service, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Service, error)
}

// EventStore is the read surface over the audit trail.
type EventStore interface {
	ListForService(ctx context.Context, serviceID uuid.UUID, since *time.Time, limit int) ([]models.ServiceEvent, error)
}
