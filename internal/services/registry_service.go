package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/cache"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repositories"
	"example.com/backstage/services/registry/internal/search"
	"example.com/backstage/services/registry/internal/tracing"
)

// registerRetryAttempts bounds the create/update race loop during
// registration. Registration is create-or-update, so re-deriving it
// after a lost race is safe, unlike business updates.
const registerRetryAttempts = 3

const (
	defaultHealthCheckInterval = 30
	defaultHealthCheckTimeout  = 10
)

// RegistryService owns registration, update and deregistration logic
// and enforces optimistic concurrency through the entity store.
type RegistryService struct {
	store   ServiceStore
	events  EventStore
	cache   *cache.RedisCache
	search  *search.ElasticClient
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	cfg     config.RegistryConfig
}

// NewRegistryService creates a new registry service
func NewRegistryService(
	store ServiceStore,
	events EventStore,
	redisCache *cache.RedisCache,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	cfg config.RegistryConfig,
) *RegistryService {
	return &RegistryService{
		store:   store,
		events:  events,
		cache:   redisCache,
		search:  elasticClient,
		metrics: metricsCollector,
		tracer:  tracer,
		cfg:     cfg,
	}
}

// RegisterInput is the registration request accepted by the registry.
type RegisterInput struct {
	Name                string
	Type                models.ServiceType
	Host                string
	Port                int
	HealthCheckEndpoint string
	HealthCheckInterval int
	HealthCheckTimeout  int
	Metadata            map[string]interface{}
	ResetStatus         bool
}

func (in *RegisterInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return apperrors.Validation("name is required").WithDetail("field", "name")
	}
	if strings.TrimSpace(in.Host) == "" {
		return apperrors.Validation("host is required").WithDetail("field", "host")
	}
	if !in.Type.Valid() {
		return apperrors.Validation("unknown service type %q", in.Type).WithDetail("field", "type")
	}
	if in.Port < 1 || in.Port > 65535 {
		return apperrors.Validation("port must be between 1 and 65535, got %d", in.Port).
			WithDetail("field", "port")
	}
	if in.HealthCheckInterval < 0 || in.HealthCheckTimeout < 0 {
		return apperrors.Validation("health check interval and timeout must be positive").
			WithDetail("field", "health_check_interval")
	}
	if in.HealthCheckInterval == 0 {
		in.HealthCheckInterval = defaultHealthCheckInterval
	}
	if in.HealthCheckTimeout == 0 {
		in.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	return nil
}

func encodeMetadata(m map[string]interface{}) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, apperrors.Validation("metadata is not encodable").WithCause(err)
	}
	return b, nil
}

// Register creates a service record or, when the (name, host, port)
// triple is already registered, updates the existing record in place.
// Under a create race exactly one caller wins the insert; the loser is
// redirected to the update path without surfacing an error.
func (s *RegistryService) Register(ctx context.Context, in RegisterInput) (*models.Service, error) {
	txn := s.tracer.StartTransaction("registry-register")
	defer s.tracer.EndTransaction(txn)

	if err := in.validate(); err != nil {
		return nil, err
	}
	metadata, err := encodeMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < registerRetryAttempts; attempt++ {
		existing, err := s.store.GetByEndpoint(ctx, in.Name, in.Host, in.Port)
		if err != nil {
			if !apperrors.IsKind(err, apperrors.KindNotFound) {
				s.tracer.RecordError(txn, err)
				return nil, err
			}

			svc, createErr := s.createService(ctx, in, metadata)
			if createErr == nil {
				return svc, nil
			}
			if !apperrors.IsKind(createErr, apperrors.KindConflict) {
				s.tracer.RecordError(txn, createErr)
				return nil, createErr
			}
			// Lost the create race; another caller inserted the
			// endpoint first. Fall through to the update path.
			lastErr = createErr
			continue
		}

		svc, updateErr := s.reRegisterService(ctx, existing, in, metadata)
		if updateErr == nil {
			return svc, nil
		}
		if !apperrors.IsKind(updateErr, apperrors.KindConflict) {
			s.tracer.RecordError(txn, updateErr)
			return nil, updateErr
		}
		lastErr = updateErr
	}

	s.tracer.RecordError(txn, lastErr)
	return nil, lastErr
}

func (s *RegistryService) createService(ctx context.Context, in RegisterInput, metadata json.RawMessage) (*models.Service, error) {
	now := time.Now().UTC()
	svc := &models.Service{
		ID:                  uuid.New(),
		Name:                in.Name,
		Type:                in.Type,
		Host:                in.Host,
		Port:                in.Port,
		Status:              models.StatusStarting,
		HealthCheckEndpoint: in.HealthCheckEndpoint,
		HealthCheckInterval: in.HealthCheckInterval,
		HealthCheckTimeout:  in.HealthCheckTimeout,
		Metadata:            metadata,
		RegisteredAt:        now,
		LastSeenAt:          now,
		UpdatedAt:           now,
		Version:             1,
	}

	event, err := models.NewEvent(svc.ID, models.EventRegistered, map[string]interface{}{
		"service_name": svc.Name,
		"host":         svc.Host,
		"port":         svc.Port,
		"type":         string(svc.Type),
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, svc, event); err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("services_registered")
	s.indexEvent(ctx, event, svc)

	log.Info().
		Str("service_id", svc.ID.String()).
		Str("service_name", svc.Name).
		Str("host", svc.Host).
		Int("port", svc.Port).
		Msg("Service registered")
	return svc, nil
}

func (s *RegistryService) reRegisterService(ctx context.Context, existing *models.Service, in RegisterInput, metadata json.RawMessage) (*models.Service, error) {
	updated := *existing
	updated.Type = in.Type
	updated.HealthCheckEndpoint = in.HealthCheckEndpoint
	updated.HealthCheckInterval = in.HealthCheckInterval
	updated.HealthCheckTimeout = in.HealthCheckTimeout
	updated.Metadata = metadata
	updated.LastSeenAt = time.Now().UTC()
	if in.ResetStatus {
		updated.Status = models.StatusStarting
		updated.FailureCount = 0
	}

	data := map[string]interface{}{
		"service_name": updated.Name,
		"host":         updated.Host,
		"port":         updated.Port,
	}
	if in.ResetStatus && existing.Status != models.StatusStarting {
		data["old_status"] = string(existing.Status)
		data["new_status"] = string(models.StatusStarting)
	}
	event, err := models.NewEvent(updated.ID, models.EventMetadataUpdate, data)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateVersioned(ctx, &updated, existing.Version, event); err != nil {
		return nil, err
	}

	s.metrics.IncrementCounter("services_reregistered")
	s.invalidate(ctx, updated.ID)
	s.indexEvent(ctx, event, &updated)

	log.Info().
		Str("service_id", updated.ID.String()).
		Str("service_name", updated.Name).
		Int("version", updated.Version).
		Msg("Service registration updated")
	return &updated, nil
}

// UpdatePatch is a partial change applied through the optimistic
// concurrency protocol. Nil fields are left untouched.
type UpdatePatch struct {
	Status              *models.ServiceStatus
	Metadata            map[string]interface{}
	HealthCheckEndpoint *string
	HealthCheckInterval *int
	HealthCheckTimeout  *int
}

func (p *UpdatePatch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return apperrors.Validation("unknown status %q", *p.Status).WithDetail("field", "status")
	}
	if p.HealthCheckInterval != nil && *p.HealthCheckInterval <= 0 {
		return apperrors.Validation("health check interval must be positive").
			WithDetail("field", "health_check_interval")
	}
	if p.HealthCheckTimeout != nil && *p.HealthCheckTimeout <= 0 {
		return apperrors.Validation("health check timeout must be positive").
			WithDetail("field", "health_check_timeout")
	}
	return nil
}

// Update applies patch only if the stored version equals
// expectedVersion. A mismatch fails with a conflict and is never
// retried here: the caller must re-read and resubmit. last_seen_at is
// a liveness signal owned by heartbeats, registration and probe
// results; business updates leave it alone so a patched record cannot
// dodge the staleness scan.
func (s *RegistryService) Update(ctx context.Context, id uuid.UUID, expectedVersion int, patch UpdatePatch) (*models.Service, error) {
	txn := s.tracer.StartTransaction("registry-update")
	defer s.tracer.EndTransaction(txn)

	if expectedVersion < 1 {
		return nil, apperrors.Validation("expected_version must be at least 1").
			WithDetail("field", "expected_version")
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}

	svc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *svc
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.Metadata != nil {
		metadata, encErr := encodeMetadata(patch.Metadata)
		if encErr != nil {
			return nil, encErr
		}
		updated.Metadata = metadata
	}
	if patch.HealthCheckEndpoint != nil {
		updated.HealthCheckEndpoint = *patch.HealthCheckEndpoint
	}
	if patch.HealthCheckInterval != nil {
		updated.HealthCheckInterval = *patch.HealthCheckInterval
	}
	if patch.HealthCheckTimeout != nil {
		updated.HealthCheckTimeout = *patch.HealthCheckTimeout
	}

	var event *models.ServiceEvent
	if patch.Status != nil && *patch.Status != svc.Status {
		event, err = models.NewEvent(svc.ID, models.EventStatusChange, map[string]interface{}{
			"old_status": string(svc.Status),
			"new_status": string(*patch.Status),
		})
	} else if patch.Metadata != nil {
		event, err = models.NewEvent(svc.ID, models.EventMetadataUpdate, map[string]interface{}{
			"service_name": svc.Name,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateVersioned(ctx, &updated, expectedVersion, event); err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			s.metrics.IncrementCounter("update_conflicts")
		}
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.invalidate(ctx, updated.ID)
	s.indexEvent(ctx, event, &updated)

	log.Info().
		Str("service_id", updated.ID.String()).
		Str("service_name", updated.Name).
		Int("version", updated.Version).
		Msg("Service updated")
	return &updated, nil
}

// Deregister marks the service stopped and keeps its audit history.
// Deregistering an already-stopped service is a no-op success; an
// unknown id is not found. Concurrent writers are resolved by
// re-deriving the stop, which is idempotent.
func (s *RegistryService) Deregister(ctx context.Context, id uuid.UUID) error {
	txn := s.tracer.StartTransaction("registry-deregister")
	defer s.tracer.EndTransaction(txn)

	var lastErr error
	for attempt := 0; attempt < registerRetryAttempts; attempt++ {
		svc, err := s.store.GetByID(ctx, id)
		if err != nil {
			s.tracer.RecordError(txn, err)
			return err
		}
		if svc.Status == models.StatusStopped {
			return nil
		}

		updated := *svc
		updated.Status = models.StatusStopped

		event, err := models.NewEvent(svc.ID, models.EventDeregistered, map[string]interface{}{
			"service_name": svc.Name,
			"old_status":   string(svc.Status),
		})
		if err != nil {
			return err
		}

		err = s.store.UpdateVersioned(ctx, &updated, svc.Version, event)
		if err == nil {
			s.metrics.IncrementCounter("services_deregistered")
			s.invalidate(ctx, id)
			s.indexEvent(ctx, event, &updated)
			log.Info().
				Str("service_id", id.String()).
				Str("service_name", svc.Name).
				Msg("Service deregistered")
			return nil
		}
		if !apperrors.IsKind(err, apperrors.KindConflict) {
			s.tracer.RecordError(txn, err)
			return err
		}
		lastErr = err
	}

	s.tracer.RecordError(txn, lastErr)
	return lastErr
}

// Heartbeat refreshes last_seen_at without a version match. The write
// is commutative, so no version increment and no audit event.
func (s *RegistryService) Heartbeat(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	svc, err := s.store.Touch(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter("heartbeats")
	s.invalidate(ctx, id)
	return svc, nil
}

// Get returns a single service record, read through the cache when one
// is configured.
func (s *RegistryService) Get(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	if s.cache != nil {
		var cached models.Service
		if err := s.cache.Get(ctx, cache.ServiceKey(id), &cached); err == nil {
			return &cached, nil
		}
	}

	svc, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.ServiceKey(id), svc); err != nil {
			log.Debug().Err(err).Str("service_id", id.String()).Msg("Failed to cache service")
		}
	}
	return svc, nil
}

// ListFilter is the admin listing filter. Unlike discovery it has no
// default status set and includes non-discoverable records.
type ListFilter struct {
	Type   models.ServiceType
	Status models.ServiceStatus
	Tag    string // key=value over metadata tags
}

// List returns all registered services matching the filter.
func (s *RegistryService) List(ctx context.Context, f ListFilter) ([]models.Service, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperrors.Validation("unknown service type %q", f.Type).WithDetail("field", "type")
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperrors.Validation("unknown status %q", f.Status).WithDetail("field", "status")
	}

	q := repositories.ServiceQuery{Type: f.Type}
	if f.Status != "" {
		q.Statuses = []models.ServiceStatus{f.Status}
	}
	if f.Tag != "" {
		key, value, ok := strings.Cut(f.Tag, "=")
		if !ok || key == "" {
			return nil, apperrors.Validation("invalid tag format, use key=value").WithDetail("field", "tag")
		}
		q.TagKey, q.TagValue = key, value
	}

	return s.store.List(ctx, q)
}

// EventsFor returns a service's audit trail newest-first.
func (s *RegistryService) EventsFor(ctx context.Context, id uuid.UUID, since *time.Time, limit int) ([]models.ServiceEvent, error) {
	if limit < 0 {
		return nil, apperrors.Validation("limit must not be negative").WithDetail("field", "limit")
	}
	if limit == 0 {
		limit = 50
	}

	// Confirm the service exists so an unknown id is a 404, not an
	// empty page.
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.events.ListForService(ctx, id, since, limit)
}

func (s *RegistryService) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, cache.ServiceKey(id)); err != nil {
		log.Debug().Err(err).Str("service_id", id.String()).Msg("Failed to invalidate cached service")
	}
}

// indexEvent mirrors a committed audit event into Elasticsearch. The
// database row is the source of truth; indexing failures are logged
// and not surfaced.
func (s *RegistryService) indexEvent(ctx context.Context, event *models.ServiceEvent, svc *models.Service) {
	if s.search == nil || event == nil {
		return
	}
	if err := s.search.IndexEvent(ctx, event, svc); err != nil {
		log.Warn().
			Err(errors.Wrap(err, "audit event indexing failed")).
			Str("event_id", event.ID.String()).
			Msg("Failed to index audit event")
	}
}
