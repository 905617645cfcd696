package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/models"
)

// newTestDB opens an in-memory SQLite database with the same gorm
// configuration the Postgres path uses. TranslateError matters: the
// registration race detection relies on gorm.ErrDuplicatedKey.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	return db
}

func newTestRepos(t *testing.T) (*ServiceRepository, *ServiceEventRepository) {
	t.Helper()
	db := newTestDB(t)
	return NewServiceRepository(db, db), NewServiceEventRepository(db, db)
}

func seedService(t *testing.T, repo *ServiceRepository, name string, lastSeen time.Time) *models.Service {
	t.Helper()

	now := time.Now().UTC()
	svc := &models.Service{
		ID:                  uuid.New(),
		Name:                name,
		Type:                models.TypeAPI,
		Host:                "10.0.0.5",
		Port:                8080,
		Status:              models.StatusStarting,
		HealthCheckInterval: 30,
		HealthCheckTimeout:  10,
		RegisteredAt:        now,
		LastSeenAt:          lastSeen,
		UpdatedAt:           now,
		Version:             1,
	}

	event, err := models.NewEvent(svc.ID, models.EventRegistered, map[string]interface{}{
		"service_name": svc.Name,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), svc, event))
	return svc
}

func TestCreatePersistsServiceAndEvent(t *testing.T) {
	repo, eventRepo := newTestRepos(t)
	svc := seedService(t, repo, "billing", time.Now().UTC())

	loaded, err := repo.GetByID(context.Background(), svc.ID)
	require.NoError(t, err)
	require.Equal(t, svc.Name, loaded.Name)
	require.Equal(t, 1, loaded.Version)

	events, err := eventRepo.ListForService(context.Background(), svc.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventRegistered, events[0].EventType)
}

func TestCreateDuplicateEndpointIsConflict(t *testing.T) {
	repo, _ := newTestRepos(t)
	seedService(t, repo, "billing", time.Now().UTC())

	dup := &models.Service{
		ID:           uuid.New(),
		Name:         "billing",
		Type:         models.TypeAPI,
		Host:         "10.0.0.5",
		Port:         8080,
		Status:       models.StatusStarting,
		RegisteredAt: time.Now().UTC(),
		LastSeenAt:   time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
		Version:      1,
	}

	err := repo.Create(context.Background(), dup, nil)

	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))
}

func TestUpdateVersionedIncrementsVersionAndAppendsEvent(t *testing.T) {
	repo, eventRepo := newTestRepos(t)
	svc := seedService(t, repo, "billing", time.Now().UTC())

	updated := *svc
	updated.Status = models.StatusHealthy

	event, err := models.NewEvent(svc.ID, models.EventStatusChange, map[string]interface{}{
		"old_status": string(svc.Status),
		"new_status": string(models.StatusHealthy),
	})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateVersioned(context.Background(), &updated, 1, event))
	require.Equal(t, 2, updated.Version)

	loaded, err := repo.GetByID(context.Background(), svc.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusHealthy, loaded.Status)
	require.Equal(t, 2, loaded.Version)

	events, err := eventRepo.ListForService(context.Background(), svc.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestUpdateVersionedExactlyOneWriterWins(t *testing.T) {
	repo, eventRepo := newTestRepos(t)
	svc := seedService(t, repo, "billing", time.Now().UTC())

	// Two writers read version 1; the first commit wins, the second
	// must conflict against the incremented version.
	first := *svc
	first.Status = models.StatusHealthy
	second := *svc
	second.Status = models.StatusUnhealthy

	require.NoError(t, repo.UpdateVersioned(context.Background(), &first, 1, nil))

	err := repo.UpdateVersioned(context.Background(), &second, 1, nil)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindConflict))

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, 1, appErr.Details["expected_version"])
	require.Equal(t, 2, appErr.Details["actual_version"])

	loaded, err := repo.GetByID(context.Background(), svc.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusHealthy, loaded.Status)
	require.Equal(t, 2, loaded.Version)

	// The losing transaction must not leave an audit event behind.
	events, err := eventRepo.ListForService(context.Background(), svc.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestUpdateVersionedUnknownServiceIsNotFound(t *testing.T) {
	repo, _ := newTestRepos(t)

	ghost := &models.Service{ID: uuid.New(), Status: models.StatusHealthy}
	err := repo.UpdateVersioned(context.Background(), ghost, 1, nil)

	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestTouchRefreshesLastSeenWithoutVersionBump(t *testing.T) {
	repo, eventRepo := newTestRepos(t)
	old := time.Now().UTC().Add(-10 * time.Minute)
	svc := seedService(t, repo, "billing", old)

	at := time.Now().UTC()
	touched, err := repo.Touch(context.Background(), svc.ID, at)

	require.NoError(t, err)
	require.Equal(t, 1, touched.Version)
	require.True(t, touched.LastSeenAt.After(old))

	// Heartbeats write no audit event.
	events, err := eventRepo.ListForService(context.Background(), svc.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestTouchUnknownServiceIsNotFound(t *testing.T) {
	repo, _ := newTestRepos(t)

	_, err := repo.Touch(context.Background(), uuid.New(), time.Now().UTC())

	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestListStaleSkipsTerminalServices(t *testing.T) {
	repo, _ := newTestRepos(t)
	now := time.Now().UTC()

	stale := seedService(t, repo, "billing", now.Add(-10*time.Minute))

	stopped := seedService(t, repo, "checkout", now.Add(-20*time.Minute))
	halt := *stopped
	halt.Status = models.StatusStopped
	require.NoError(t, repo.UpdateVersioned(context.Background(), &halt, 1, nil))

	seedService(t, repo, "payments", now)

	candidates, err := repo.ListStale(context.Background(), now.Add(-5*time.Minute), 100)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, stale.ID, candidates[0].ID)
}
