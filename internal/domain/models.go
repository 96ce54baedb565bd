package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type ServiceKind string

const (
	ServiceKindService ServiceKind = "service"
	ServiceKindAgent   ServiceKind = "agent"
)

type ServerStatus string

const (
	ServerStatusPending    ServerStatus = "pending"
	ServerStatusInstalling ServerStatus = "installing"
	ServerStatusOnline     ServerStatus = "online"
	ServerStatusError      ServerStatus = "error"
)

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
)

// ==================== JSON COLUMN TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

// StringList is stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("failed to scan StringList: invalid type")
	}
	return json.Unmarshal(raw, l)
}

// ==================== ENTITIES ====================

// Scope groups services of one application. Service names are unique per scope.
type Scope struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name string `gorm:"size:255;uniqueIndex;not null" json:"name"`
}

type Service struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ScopeID      uint        `gorm:"not null;uniqueIndex:idx_services_scope_name" json:"scope_id"`
	Name         string      `gorm:"size:255;not null;uniqueIndex:idx_services_scope_name" json:"name"`
	Kind         ServiceKind `gorm:"size:20;not null;default:'service'" json:"kind"`
	ImageName    string      `gorm:"size:255;not null" json:"image_name"`
	ImageID      string      `gorm:"size:255" json:"image_id"`
	Dependencies StringList  `gorm:"type:jsonb" json:"dependencies"`

	Scope     *Scope     `gorm:"constraint:OnDelete:CASCADE" json:"scope,omitempty"`
	Instances []Instance `gorm:"foreignKey:ServiceID" json:"instances,omitempty"`
}

type Instance struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ServiceID uint   `gorm:"not null;index" json:"service_id"`
	ServerID  uint   `gorm:"not null;index" json:"server_id"`
	ImageID   string `gorm:"size:255" json:"image_id"`

	Service *Service `gorm:"constraint:OnDelete:CASCADE" json:"service,omitempty"`
	Server  *Server  `gorm:"constraint:OnDelete:CASCADE" json:"server,omitempty"`
}

type Server struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Hostname string       `gorm:"size:255;uniqueIndex;not null" json:"hostname"`
	Address  string       `gorm:"size:45;not null" json:"address"`
	SSHPort  int          `gorm:"default:22" json:"ssh_port"`
	AuthData string       `gorm:"type:text" json:"-"`
	Setup    bool         `gorm:"default:false" json:"setup"`
	Status   ServerStatus `gorm:"size:20;not null;default:'pending'" json:"status"`
	LastLog  string       `gorm:"type:text" json:"last_log,omitempty"`
}

// NodeID is the identity a server answers to on the remote execution channel.
func (s Server) NodeID() string {
	return s.Hostname
}

// Image is a versioned artifact published on a catalog channel.
type Image struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Channel     string    `json:"channel"`
	PublishedAt time.Time `json:"published_at"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`

	// LocalPath is set only for images present in the local cache.
	LocalPath string `json:"local_path,omitempty"`
}

type TimelineEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RunID     string      `gorm:"size:64;index" json:"run_id"`
	Type      string      `gorm:"size:100;not null;index" json:"type"`
	Status    EventStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Procedure string      `gorm:"size:255;index" json:"procedure"`
	Message   string      `gorm:"type:text" json:"message"`
	Meta      JSONB       `gorm:"type:jsonb" json:"meta"`
}

// ==================== FILTERS & PATCHES ====================

type ServiceFilter struct {
	IDs     []uint
	ScopeID *uint
	Names   []string
	Kind    ServiceKind
}

// ServiceSpec carries the fields of a service at creation time.
type ServiceSpec struct {
	Kind         ServiceKind
	ImageName    string
	ImageID      string
	Dependencies []string
}

// ServicePatch updates only the non-nil fields.
type ServicePatch struct {
	ImageID      *string
	Dependencies []string
}

type InstanceFilter struct {
	ServiceID *uint
	ServerIDs []uint
}

type ServerFilter struct {
	IDs       []uint
	Hostnames []string
	Setup     *bool
}

type ImageFilter struct {
	Name    string
	Version string
	Channel string
}
