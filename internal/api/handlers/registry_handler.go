package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/registry/internal/apperrors"
	"example.com/backstage/services/registry/internal/models"
	"example.com/backstage/services/registry/internal/services"
	"example.com/backstage/services/registry/internal/tracing"
)

// RegistryHandler handles the service registry HTTP surface
type RegistryHandler struct {
	registry *services.RegistryService
	health   *services.HealthService
	tracer   tracing.Tracer
}

// NewRegistryHandler creates a new registry handler
func NewRegistryHandler(registry *services.RegistryService, health *services.HealthService, tracer tracing.Tracer) *RegistryHandler {
	return &RegistryHandler{
		registry: registry,
		health:   health,
		tracer:   tracer,
	}
}

// RegisterRequest is the registration payload
type RegisterRequest struct {
	Name                string                 `json:"name" binding:"required"`
	Type                string                 `json:"type" binding:"required"`
	Host                string                 `json:"host" binding:"required"`
	Port                int                    `json:"port" binding:"required"`
	HealthCheckEndpoint string                 `json:"health_check_endpoint"`
	HealthCheckInterval int                    `json:"health_check_interval"`
	HealthCheckTimeout  int                    `json:"health_check_timeout"`
	Metadata            map[string]interface{} `json:"metadata"`
	ResetStatus         bool                   `json:"reset_status"`
}

// UpdateRequest is the partial-update payload. ExpectedVersion carries
// the optimistic-concurrency token.
type UpdateRequest struct {
	ExpectedVersion     int                    `json:"expected_version" binding:"required"`
	Status              *string                `json:"status"`
	Metadata            map[string]interface{} `json:"metadata"`
	HealthCheckEndpoint *string                `json:"health_check_endpoint"`
	HealthCheckInterval *int                   `json:"health_check_interval"`
	HealthCheckTimeout  *int                   `json:"health_check_timeout"`
}

// ProbeRequest is a health-probe outcome delivered over HTTP
type ProbeRequest struct {
	Healthy   *bool      `json:"healthy" binding:"required"`
	CheckedAt *time.Time `json:"checked_at"`
}

func writeError(c *gin.Context, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal(err, "unexpected failure")
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindConflict:
		status = http.StatusConflict
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}

	c.JSON(status, gin.H{"error": gin.H{
		"kind":    appErr.Kind,
		"message": appErr.Message,
		"details": appErr.Details,
	}})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, apperrors.Validation("invalid service id %q", c.Param("id")).
			WithDetail("field", "id"))
		return uuid.Nil, false
	}
	return id, true
}

// HandleRegister registers a service or refreshes an existing
// registration at the same endpoint.
func (h *RegistryHandler) HandleRegister(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-register")
	defer h.tracer.EndTransaction(txn)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("invalid request body").WithCause(err))
		return
	}

	h.tracer.AddAttribute(txn, "service_name", req.Name)
	h.tracer.AddAttribute(txn, "host", req.Host)

	svc, err := h.registry.Register(c.Request.Context(), services.RegisterInput{
		Name:                req.Name,
		Type:                models.ServiceType(req.Type),
		Host:                req.Host,
		Port:                req.Port,
		HealthCheckEndpoint: req.HealthCheckEndpoint,
		HealthCheckInterval: req.HealthCheckInterval,
		HealthCheckTimeout:  req.HealthCheckTimeout,
		Metadata:            req.Metadata,
		ResetStatus:         req.ResetStatus,
	})
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, svc)
}

// HandleUpdate applies a version-conditional partial update.
func (h *RegistryHandler) HandleUpdate(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-update")
	defer h.tracer.EndTransaction(txn)

	id, ok := parseID(c)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("invalid request body").WithCause(err))
		return
	}

	patch := services.UpdatePatch{
		Metadata:            req.Metadata,
		HealthCheckEndpoint: req.HealthCheckEndpoint,
		HealthCheckInterval: req.HealthCheckInterval,
		HealthCheckTimeout:  req.HealthCheckTimeout,
	}
	if req.Status != nil {
		status := models.ServiceStatus(*req.Status)
		patch.Status = &status
	}

	svc, err := h.registry.Update(c.Request.Context(), id, req.ExpectedVersion, patch)
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, svc)
}

// HandleDeregister marks a service stopped.
func (h *RegistryHandler) HandleDeregister(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.registry.Deregister(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deregistered"})
}

// HandleHeartbeat refreshes a service's last_seen_at.
func (h *RegistryHandler) HandleHeartbeat(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	svc, err := h.registry.Heartbeat(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, svc)
}

// HandleProbeResult feeds a probe outcome into the health state
// machine. The health checker normally delivers these over the queue;
// this endpoint accepts the same payload over HTTP.
func (h *RegistryHandler) HandleProbeResult(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Validation("invalid request body").WithCause(err))
		return
	}

	res := services.ProbeResult{ServiceID: id, Healthy: *req.Healthy}
	if req.CheckedAt != nil {
		res.CheckedAt = *req.CheckedAt
	}

	svc, err := h.health.Apply(c.Request.Context(), res)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, svc)
}

// HandleGet returns one service record.
func (h *RegistryHandler) HandleGet(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	svc, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, svc)
}

// HandleList returns all registered services, including ones discovery
// would exclude.
func (h *RegistryHandler) HandleList(c *gin.Context) {
	list, err := h.registry.List(c.Request.Context(), services.ListFilter{
		Type:   models.ServiceType(c.Query("type")),
		Status: models.ServiceStatus(c.Query("status")),
		Tag:    c.Query("tag"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": list, "count": len(list)})
}

// HandleDiscover answers discovery queries over live services.
func (h *RegistryHandler) HandleDiscover(c *gin.Context) {
	filter := services.DiscoverFilter{
		Name: c.Query("name"),
		Type: models.ServiceType(c.Query("type")),
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ServiceStatus(statusStr)
		filter.Status = &status
	}

	var ok bool
	if filter.Limit, ok = parseIntQuery(c, "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseIntQuery(c, "offset"); !ok {
		return
	}

	list, err := h.registry.Discover(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"services": list, "count": len(list)})
}

// HandleEvents returns a service's audit trail newest-first.
func (h *RegistryHandler) HandleEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var since *time.Time
	if sinceStr := c.Query("since"); sinceStr != "" {
		t, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(c, apperrors.Validation("since must be RFC3339, got %q", sinceStr).
				WithDetail("field", "since"))
			return
		}
		since = &t
	}

	limit, ok := parseIntQuery(c, "limit")
	if !ok {
		return
	}

	events, err := h.registry.EventsFor(c.Request.Context(), id, since, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func parseIntQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeError(c, apperrors.Validation("%s must be an integer, got %q", name, raw).
			WithDetail("field", name))
		return 0, false
	}
	return value, true
}

// RegisterRoutes registers the handler's routes
func (h *RegistryHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	api.POST("/services/register", h.HandleRegister)
	api.GET("/services", h.HandleList)
	api.GET("/services/:id", h.HandleGet)
	api.PATCH("/services/:id", h.HandleUpdate)
	api.DELETE("/services/:id", h.HandleDeregister)
	api.POST("/services/:id/heartbeat", h.HandleHeartbeat)
	api.POST("/services/:id/health", h.HandleProbeResult)
	api.GET("/services/:id/events", h.HandleEvents)
	api.GET("/discover", h.HandleDiscover)
}
