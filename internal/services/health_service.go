package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/models"
)

// ProbeResult is one health-probe outcome delivered by the external
// health checker. Probe execution is outside the core; only the state
// machine interpreting results lives here.
type ProbeResult struct {
	ServiceID uuid.UUID `json:"service_id"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthService interprets probe outcomes and drives status
// transitions through the registry's conditional write path.
type HealthService struct {
	store   ServiceStore
	metrics *metrics.Metrics
	cfg     config.RegistryConfig
	now     func() time.Time
}

// NewHealthService creates a new health service
func NewHealthService(store ServiceStore, metricsCollector *metrics.Metrics, cfg config.RegistryConfig) *HealthService {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ProbeRetryAttempts <= 0 {
		cfg.ProbeRetryAttempts = 3
	}
	return &HealthService{
		store:   store,
		metrics: metricsCollector,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// nextState is the pure transition function of the health state
// machine. A success transitions to healthy from any non-terminal state
// and zeroes the failure counter; a failure degrades the service until
// the consecutive-failure threshold tips it to unhealthy.
func nextState(status models.ServiceStatus, failures int, healthy bool, threshold int) (models.ServiceStatus, int) {
	if status.Terminal() {
		return status, failures
	}
	if healthy {
		return models.StatusHealthy, 0
	}
	failures++
	if failures >= threshold {
		return models.StatusUnhealthy, failures
	}
	return models.StatusDegraded, failures
}

// Apply folds one probe result into the service's state. Probe results
// are idempotent to re-derive, so a version conflict re-reads and
// retries up to a small fixed cap; past the cap the result is dropped
// with a logged inconsistency. Results for terminal services are
// ignored.
func (h *HealthService) Apply(ctx context.Context, res ProbeResult) (*models.Service, error) {
	checkedAt := res.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = h.now()
	}

	var lastErr error
	for attempt := 0; attempt < h.cfg.ProbeRetryAttempts; attempt++ {
		svc, err := h.store.GetByID(ctx, res.ServiceID)
		if err != nil {
			return nil, err
		}
		if svc.Status.Terminal() {
			log.Debug().
				Str("service_id", svc.ID.String()).
				Str("status", string(svc.Status)).
				Msg("Dropping probe result for terminal service")
			return svc, nil
		}

		newStatus, failures := nextState(svc.Status, svc.FailureCount, res.Healthy, h.cfg.FailureThreshold)

		updated := *svc
		updated.Status = newStatus
		updated.FailureCount = failures
		updated.LastHealthCheckAt = &checkedAt
		updated.LastSeenAt = h.now()

		var event *models.ServiceEvent
		if newStatus != svc.Status {
			event, err = models.NewEvent(svc.ID, models.EventStatusChange, map[string]interface{}{
				"old_status": string(svc.Status),
				"new_status": string(newStatus),
				"healthy":    res.Healthy,
			})
			if err != nil {
				return nil, err
			}
		}

		err = h.store.UpdateVersioned(ctx, &updated, svc.Version, event)
		if err == nil {
			if newStatus != svc.Status {
				h.metrics.IncrementCounter("health_transitions")
				log.Info().
					Str("service_id", svc.ID.String()).
					Str("service_name", svc.Name).
					Str("old_status", string(svc.Status)).
					Str("new_status", string(newStatus)).
					Int("failures", failures).
					Msg("Health status transition")
			}
			return &updated, nil
		}
		if !apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, err
		}
		lastErr = err
	}

	h.metrics.IncrementCounter("probe_results_dropped")
	log.Error().
		Err(lastErr).
		Str("service_id", res.ServiceID.String()).
		Int("attempts", h.cfg.ProbeRetryAttempts).
		Msg("Dropping probe result after repeated version conflicts")
	return nil, lastErr
}
