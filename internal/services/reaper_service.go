package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/models"
)

// ReaperService demotes and evicts services that stopped reporting. It
// shares the version-conditional write path with live probe writers; a
// pass that loses a race simply skips that record, since a concurrent
// write means the record just changed (usually a fresh heartbeat).
type ReaperService struct {
	store   ServiceStore
	metrics *metrics.Metrics
	cfg     config.RegistryConfig
	now     func() time.Time
}

// NewReaperService creates a new reaper service
func NewReaperService(store ServiceStore, metricsCollector *metrics.Metrics, cfg config.RegistryConfig) *ReaperService {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 5 * time.Minute
	}
	if cfg.EvictionWindow <= cfg.StalenessWindow {
		cfg.EvictionWindow = 3 * cfg.StalenessWindow
	}
	if cfg.ReaperBatchSize <= 0 {
		cfg.ReaperBatchSize = 100
	}
	return &ReaperService{
		store:   store,
		metrics: metricsCollector,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReapStats summarizes one reaper pass.
type ReapStats struct {
	Scanned int
	Demoted int
	Evicted int
	Skipped int
}

// Run performs one reaper pass: services unseen past the staleness
// window are demoted to unhealthy; those unseen past the eviction
// window are driven to stopped with a stale_evicted event.
func (r *ReaperService) Run(ctx context.Context) (ReapStats, error) {
	now := r.now()
	staleCutoff := now.Add(-r.cfg.StalenessWindow)
	evictCutoff := now.Add(-r.cfg.EvictionWindow)

	candidates, err := r.store.ListStale(ctx, staleCutoff, r.cfg.ReaperBatchSize)
	if err != nil {
		return ReapStats{}, err
	}

	stats := ReapStats{Scanned: len(candidates)}
	for i := range candidates {
		svc := &candidates[i]

		var (
			target    models.ServiceStatus
			eventType string
		)
		switch {
		case svc.LastSeenAt.Before(evictCutoff):
			target = models.StatusStopped
			eventType = models.EventStaleEvicted
		case svc.Status != models.StatusUnhealthy:
			target = models.StatusUnhealthy
			eventType = models.EventStatusChange
		default:
			// Already demoted, not yet old enough to evict.
			continue
		}

		event, err := models.NewEvent(svc.ID, eventType, map[string]interface{}{
			"old_status":   string(svc.Status),
			"new_status":   string(target),
			"last_seen_at": svc.LastSeenAt.Format(time.RFC3339),
		})
		if err != nil {
			return stats, err
		}

		updated := *svc
		updated.Status = target

		err = r.store.UpdateVersioned(ctx, &updated, svc.Version, event)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindConflict) {
				// A fresh write (heartbeat or probe) beat this pass;
				// leave the record to the next scan.
				stats.Skipped++
				log.Debug().
					Str("service_id", svc.ID.String()).
					Msg("Reaper lost write race, skipping record")
				continue
			}
			return stats, err
		}

		if target == models.StatusStopped {
			stats.Evicted++
			r.metrics.IncrementCounter("services_evicted")
		} else {
			stats.Demoted++
			r.metrics.IncrementCounter("services_demoted")
		}
		log.Info().
			Str("service_id", svc.ID.String()).
			Str("service_name", svc.Name).
			Str("old_status", string(svc.Status)).
			Str("new_status", string(target)).
			Time("last_seen_at", svc.LastSeenAt).
			Msg("Reaped stale service")
	}

	return stats, nil
}
