package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/metrics"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/repositories"
	"example.com/backstage/services/registry/internal/services"
	"example.com/backstage/services/registry/internal/tracing"
)

// fakeStore satisfies the store interface with overridable behavior per
// test. Unset methods report not found.
type fakeStore struct {
	create          func(ctx context.Context, svc *models.Service, event *models.ServiceEvent) error
	getByID         func(ctx context.Context, id uuid.UUID) (*models.Service, error)
	getByEndpoint   func(ctx context.Context, name, host string, port int) (*models.Service, error)
	updateVersioned func(ctx context.Context, svc *models.Service, expectedVersion int, event *models.ServiceEvent) error
}

func (f *fakeStore) Create(ctx context.Context, svc *models.Service, event *models.ServiceEvent) error {
	if f.create != nil {
		return f.create(ctx, svc, event)
	}
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Service, error) {
	if f.getByID != nil {
		return f.getByID(ctx, id)
	}
	return nil, apperrors.NotFound("service %s not found", id)
}

func (f *fakeStore) GetByEndpoint(ctx context.Context, name, host string, port int) (*models.Service, error) {
	if f.getByEndpoint != nil {
		return f.getByEndpoint(ctx, name, host, port)
	}
	return nil, apperrors.NotFound("service not found")
}

func (f *fakeStore) UpdateVersioned(ctx context.Context, svc *models.Service, expectedVersion int, event *models.ServiceEvent) error {
	if f.updateVersioned != nil {
		return f.updateVersioned(ctx, svc, expectedVersion, event)
	}
	return nil
}

func (f *fakeStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) (*models.Service, error) {
	return nil, apperrors.NotFound("service %s not found", id)
}

func (f *fakeStore) List(ctx context.Context, q repositories.ServiceQuery) ([]models.Service, error) {
	return []models.Service{}, nil
}

func (f *fakeStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.Service, error) {
	return []models.Service{}, nil
}

type fakeEvents struct{}

func (fakeEvents) ListForService(ctx context.Context, serviceID uuid.UUID, since *time.Time, limit int) ([]models.ServiceEvent, error) {
	return []models.ServiceEvent{}, nil
}

func newTestRouter(store services.ServiceStore) *gin.Engine {
	gin.SetMode(gin.TestMode)

	registry := services.NewRegistryService(store, fakeEvents{}, nil, nil,
		metrics.NewMetrics(), tracing.NewNoopTracer(), config.RegistryConfig{})
	health := services.NewHealthService(store, metrics.NewMetrics(), config.RegistryConfig{})

	router := gin.New()
	NewRegistryHandler(registry, health, tracing.NewNoopTracer()).RegisterRoutes(router)
	return router
}

func errorKind(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var payload struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body.Bytes(), &payload))
	return payload.Error.Kind
}

func TestHandleRegisterReturnsCreated(t *testing.T) {
	router := newTestRouter(&fakeStore{})

	body, _ := json.Marshal(map[string]interface{}{
		"name": "billing",
		"type": "api",
		"host": "10.0.0.5",
		"port": 8080,
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/services/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var svc models.Service
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))
	require.Equal(t, "billing", svc.Name)
	require.Equal(t, models.StatusStarting, svc.Status)
	require.Equal(t, 1, svc.Version)
}

func TestHandleRegisterRejectsIncompleteBody(t *testing.T) {
	router := newTestRouter(&fakeStore{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/services/register", bytes.NewBufferString(`{"name":"billing"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", errorKind(t, w.Body))
}

func TestHandleUpdateVersionConflictMapsTo409(t *testing.T) {
	existing := &models.Service{
		ID:      uuid.New(),
		Name:    "billing",
		Type:    models.TypeAPI,
		Host:    "10.0.0.5",
		Port:    8080,
		Status:  models.StatusHealthy,
		Version: 2,
	}

	store := &fakeStore{
		getByID: func(ctx context.Context, id uuid.UUID) (*models.Service, error) {
			return existing, nil
		},
		updateVersioned: func(ctx context.Context, svc *models.Service, expectedVersion int, event *models.ServiceEvent) error {
			return apperrors.Conflict("service was modified by another writer").
				WithDetail("expected_version", expectedVersion).
				WithDetail("actual_version", existing.Version)
		},
	}
	router := newTestRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/services/"+existing.ID.String(),
		bytes.NewBufferString(`{"expected_version":1,"status":"degraded"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "conflict", errorKind(t, w.Body))
}

func TestHandleGetUnknownServiceMapsTo404(t *testing.T) {
	router := newTestRouter(&fakeStore{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/services/"+uuid.NewString(), nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", errorKind(t, w.Body))
}

func TestHandleGetMalformedIDMapsTo400(t *testing.T) {
	router := newTestRouter(&fakeStore{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/services/not-a-uuid", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", errorKind(t, w.Body))
}

func TestHandleDiscoverRejectsBadLimit(t *testing.T) {
	router := newTestRouter(&fakeStore{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/discover?limit=oops", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", errorKind(t, w.Body))
}
