package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/models"
)

// ServiceQuery filters and pages a listing over service records.
type ServiceQuery struct {
	Name     string
	Type     models.ServiceType
	Statuses []models.ServiceStatus
	TagKey   string
	TagValue string
	Limit    int
	Offset   int
}

// ServiceRepository provides access to service records. All writes go
// through the write database; reads use the read-only replica.
type ServiceRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewServiceRepository creates a new service repository
func NewServiceRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ServiceRepository {
	return &ServiceRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Create inserts a new service record and its audit event in one
// transaction. A unique-index violation on (name, host, port) surfaces
// as a conflict so the caller can fall back to the update path.
func (r *ServiceRepository) Create(ctx context.Context, svc *models.Service, event *models.ServiceEvent) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(svc).Error; err != nil {
			return err
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.Conflict("service already registered at this endpoint").
				WithDetail("name", svc.Name).
				WithDetail("host", svc.Host).
				WithDetail("port", svc.Port).
				WithCause(err)
		}
		return apperrors.Internal(err, "failed to create service")
	}
	return nil
}

// GetByID gets a service by its id.
func (r *ServiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	var svc models.Service
	err := r.readOnlyDB.WithContext(ctx).First(&svc, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("service %s not found", id).WithDetail("service_id", id.String())
		}
		return nil, apperrors.Internal(err, "failed to get service by id")
	}
	return &svc, nil
}

// GetByEndpoint gets a service by its unique (name, host, port) triple.
// Reads the write database: the registration path decides create vs
// update on this lookup and must not race a lagging replica.
func (r *ServiceRepository) GetByEndpoint(ctx context.Context, name, host string, port int) (*models.Service, error) {
	var svc models.Service
	err := r.db.WithContext(ctx).
		Where("name = ? AND host = ? AND port = ?", name, host, port).
		First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("service %s@%s:%d not found", name, host, port)
		}
		return nil, apperrors.Internal(err, "failed to get service by endpoint")
	}
	return &svc, nil
}

// UpdateVersioned applies the mutated fields of svc with a conditional
// write keyed on expectedVersion, inserting the audit event in the same
// transaction. On success svc carries the incremented version. A stale
// expectedVersion yields a conflict with expected vs actual detail.
func (r *ServiceRepository) UpdateVersioned(ctx context.Context, svc *models.Service, expectedVersion int, event *models.ServiceEvent) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"type":                  svc.Type,
		"status":                svc.Status,
		"health_check_endpoint": svc.HealthCheckEndpoint,
		"health_check_interval": svc.HealthCheckInterval,
		"health_check_timeout":  svc.HealthCheckTimeout,
		"failure_count":         svc.FailureCount,
		"last_health_check_at":  svc.LastHealthCheckAt,
		"metadata":              svc.Metadata,
		"last_seen_at":          svc.LastSeenAt,
		"updated_at":            now,
		"version":               expectedVersion + 1,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Service{}).
			Where("id = ? AND version = ?", svc.ID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrap(res.Error, "conditional update failed")
		}
		if res.RowsAffected == 0 {
			var current models.Service
			if err := tx.Select("version").First(&current, "id = ?", svc.ID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperrors.NotFound("service %s not found", svc.ID).
						WithDetail("service_id", svc.ID.String())
				}
				return errors.Wrap(err, "failed to read current version")
			}
			return apperrors.Conflict("service was modified by another writer").
				WithDetail("service_id", svc.ID.String()).
				WithDetail("expected_version", expectedVersion).
				WithDetail("actual_version", current.Version)
		}
		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return errors.Wrap(err, "failed to create audit event")
			}
		}
		return nil
	})
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return apperrors.Internal(err, "failed to update service")
	}

	svc.Version = expectedVersion + 1
	svc.UpdatedAt = now
	return nil
}

// Touch refreshes last_seen_at without touching the version counter.
// Heartbeats are commutative: last write wins on the timestamp only.
func (r *ServiceRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Service, error) {
	res := r.db.WithContext(ctx).Model(&models.Service{}).
		Where("id = ?", id).
		Update("last_seen_at", at)
	if res.Error != nil {
		return nil, apperrors.Internal(res.Error, "failed to refresh heartbeat")
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.NotFound("service %s not found", id).WithDetail("service_id", id.String())
	}

	var svc models.Service
	if err := r.db.WithContext(ctx).First(&svc, "id = ?", id).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to reload service after heartbeat")
	}
	return &svc, nil
}

// List returns services matching the query, freshest last_seen_at first.
func (r *ServiceRepository) List(ctx context.Context, q ServiceQuery) ([]models.Service, error) {
	stmt := r.readOnlyDB.WithContext(ctx).Model(&models.Service{})

	if q.Name != "" {
		stmt = stmt.Where("name = ?", q.Name)
	}
	if q.Type != "" {
		stmt = stmt.Where("type = ?", q.Type)
	}
	if len(q.Statuses) > 0 {
		stmt = stmt.Where("status IN ?", q.Statuses)
	}
	if q.TagKey != "" {
		stmt = stmt.Where("metadata->'tags'->>? = ?", q.TagKey, q.TagValue)
	}

	stmt = stmt.Order("last_seen_at DESC")
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}
	if q.Offset > 0 {
		stmt = stmt.Offset(q.Offset)
	}

	var services []models.Service
	if err := stmt.Find(&services).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list services")
	}
	return services, nil
}

// ListStale returns non-terminal services whose last_seen_at is older
// than cutoff, oldest first so the reaper works through the backlog.
func (r *ServiceRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Service, error) {
	var services []models.Service
	err := r.readOnlyDB.WithContext(ctx).
		Where("last_seen_at < ? AND status NOT IN ?", cutoff,
			[]models.ServiceStatus{models.StatusStopping, models.StatusStopped}).
		Order("last_seen_at ASC").
		Limit(limit).
		Find(&services).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list stale services")
	}
	return services, nil
}

// CountByStatus returns the number of services per status, used for
// the status-distribution gauges.
func (r *ServiceRepository) CountByStatus(ctx context.Context) (map[models.ServiceStatus]int64, error) {
	var rows []struct {
		Status models.ServiceStatus
		Count  int64
	}
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Service{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to count services by status")
	}

	counts := make(map[models.ServiceStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ServiceEventRepository provides read access to the audit trail.
// Events are only ever written alongside their triggering mutation in
// ServiceRepository transactions.
type ServiceEventRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewServiceEventRepository creates a new event repository
func NewServiceEventRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ServiceEventRepository {
	return &ServiceEventRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ListForService returns a service's events newest-first, optionally
// bounded to those created after since.
func (r *ServiceEventRepository) ListForService(ctx context.Context, serviceID uuid.UUID, since *time.Time, limit int) ([]models.ServiceEvent, error) {
	stmt := r.readOnlyDB.WithContext(ctx).
		Where("service_id = ?", serviceID)
	if since != nil {
		stmt = stmt.Where("created_at > ?", *since)
	}
	stmt = stmt.Order("created_at DESC")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}

	var events []models.ServiceEvent
	if err := stmt.Find(&events).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list service events")
	}
	return events, nil
}
