package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ServiceStatus is the lifecycle state of a registered service.
type ServiceStatus string

const (
	StatusUnknown   ServiceStatus = "unknown"
	StatusStarting  ServiceStatus = "starting"
	StatusHealthy   ServiceStatus = "healthy"
	StatusDegraded  ServiceStatus = "degraded"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusStopping  ServiceStatus = "stopping"
	StatusStopped   ServiceStatus = "stopped"
)

// Valid reports whether s is a known status value.
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusStarting, StatusHealthy, StatusDegraded,
		StatusUnhealthy, StatusStopping, StatusStopped:
		return true
	}
	return false
}

// Terminal reports whether s is past the point of health transitions.
func (s ServiceStatus) Terminal() bool {
	return s == StatusStopping || s == StatusStopped
}

// ServiceType is the fixed enumeration of platform service kinds.
type ServiceType string

const (
	TypeAPI           ServiceType = "api"
	TypeWorker        ServiceType = "worker"
	TypeScheduler     ServiceType = "scheduler"
	TypeGateway       ServiceType = "gateway"
	TypeCache         ServiceType = "cache"
	TypeDatabase      ServiceType = "database"
	TypeMessageBroker ServiceType = "message_broker"
	TypeMonitoring    ServiceType = "monitoring"
)

// Valid reports whether t is a known service type.
func (t ServiceType) Valid() bool {
	switch t {
	case TypeAPI, TypeWorker, TypeScheduler, TypeGateway, TypeCache,
		TypeDatabase, TypeMessageBroker, TypeMonitoring:
		return true
	}
	return false
}

// Event types recorded in the audit trail.
const (
	EventRegistered     = "registered"
	EventStatusChange   = "status_change"
	EventMetadataUpdate = "metadata_update"
	EventDeregistered   = "deregistered"
	EventStaleEvicted   = "stale_evicted"
)

// Service represents one running instance of a platform service.
// (name, host, port) is unique among live records; version is the
// optimistic-concurrency token and increments by exactly 1 per mutation.
type Service struct {
	ID   uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Name string      `gorm:"not null;uniqueIndex:uniq_service_endpoint" json:"name"`
	Type ServiceType `gorm:"not null" json:"type"`

	Host string `gorm:"not null;uniqueIndex:uniq_service_endpoint" json:"host"`
	Port int    `gorm:"not null;uniqueIndex:uniq_service_endpoint" json:"port"`

	Status ServiceStatus `gorm:"not null;default:unknown;index" json:"status"`

	HealthCheckEndpoint string     `json:"health_check_endpoint,omitempty"`
	HealthCheckInterval int        `gorm:"not null;default:30" json:"health_check_interval"`
	HealthCheckTimeout  int        `gorm:"not null;default:10" json:"health_check_timeout"`
	FailureCount        int        `gorm:"not null;default:0" json:"consecutive_failure_count"`
	LastHealthCheckAt   *time.Time `json:"last_health_check_at,omitempty"`

	Metadata json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`

	RegisteredAt time.Time `gorm:"not null" json:"registered_at"`
	LastSeenAt   time.Time `gorm:"not null;index" json:"last_seen_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`

	Version int `gorm:"not null;default:1" json:"version"`

	Events []ServiceEvent `gorm:"foreignKey:ServiceID;constraint:OnDelete:CASCADE" json:"-"`
}

// MetadataMap decodes the metadata document. A missing document decodes
// to an empty map; consumers must tolerate unknown keys.
func (s *Service) MetadataMap() (map[string]interface{}, error) {
	if len(s.Metadata) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(s.Metadata, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode service metadata")
	}
	return m, nil
}

// ServiceEvent is an immutable audit record. It is created in the same
// transaction as the mutation it describes and never updated.
type ServiceEvent struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ServiceID uuid.UUID       `gorm:"type:uuid;not null;index" json:"service_id"`
	EventType string          `gorm:"not null" json:"event_type"`
	EventData json.RawMessage `gorm:"type:jsonb" json:"event_data,omitempty"`
	CreatedAt time.Time       `gorm:"not null;index" json:"created_at"`
}

// NewEvent builds an audit event for a service. The data map is
// snapshotted to JSON at creation time.
func NewEvent(serviceID uuid.UUID, eventType string, data map[string]interface{}) (*ServiceEvent, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode event data")
		}
		raw = b
	}
	return &ServiceEvent{
		ID:        uuid.New(),
		ServiceID: serviceID,
		EventType: eventType,
		EventData: raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Service{},
		&ServiceEvent{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
