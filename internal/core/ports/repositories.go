package ports

import (
	"context"

	"github.com/netly/fleet/internal/domain"
)

// ServiceRegistry is the durable record of scopes, services and their instances.
// Lookups of missing rows return an error matching domain.ErrNotFound.
type ServiceRegistry interface {
	GetScope(ctx context.Context, name string) (*domain.Scope, error)
	CreateScope(ctx context.Context, name string) (*domain.Scope, error)
	ListServices(ctx context.Context, filter domain.ServiceFilter) ([]domain.Service, error)
	CreateService(ctx context.Context, name string, scopeID uint, spec domain.ServiceSpec) (*domain.Service, error)
	UpdateService(ctx context.Context, id uint, patch domain.ServicePatch) (*domain.Service, error)
	ListInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.Instance, error)
	CreateInstance(ctx context.Context, serviceID, serverID uint, imageID string) (*domain.Instance, error)
	UpdateInstance(ctx context.Context, id uint, imageID string) error
	DeleteInstance(ctx context.Context, id uint) error
}

// Inventory lists the servers of the fleet.
type Inventory interface {
	ListServers(ctx context.Context, filter domain.ServerFilter) ([]domain.Server, error)
	MarkSetup(ctx context.Context, id uint) error
}

type TimelineRepository interface {
	Create(ctx context.Context, event *domain.TimelineEvent) error
	GetByRun(ctx context.Context, runID string) ([]domain.TimelineEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error)
}

// ServerRepository is the full inventory store behind the HTTP API.
type ServerRepository interface {
	Inventory
	Create(ctx context.Context, server *domain.Server) error
	GetByID(ctx context.Context, id uint) (*domain.Server, error)
	GetByHostname(ctx context.Context, hostname string) (*domain.Server, error)
	Delete(ctx context.Context, id uint) error
}
