package ports

import (
	"context"

	"github.com/netly/fleet/internal/domain"
)

// Procedure is one change unit. Prepare is side-effect free apart from queries; Summarize is
// pure over the plan; Execute applies the plan and is safe to re-run after a partial failure.
type Procedure interface {
	Name() string
	Prepare(ctx context.Context) (domain.Plan, error)
	Summarize(plan domain.Plan) ([]string, error)
	Execute(ctx context.Context, plan domain.Plan) error
}

// Metrics records rollout outcomes.
type Metrics interface {
	ObserveNode(procedure, phase string, err error)
	ObserveProcedure(procedure string, seconds float64, err error)
}

// ServerAuth is the decrypted login of a server.
type ServerAuth struct {
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	SSHKey   string `json:"ssh_key,omitempty"`
}

// CredentialSource hands out server logins to transports that dial servers directly.
type CredentialSource interface {
	Credentials(ctx context.Context, server domain.Server) (ServerAuth, error)
}

type RegisterServerInput struct {
	Hostname string
	Address  string
	SSHPort  int
	User     string
	Password string
	SSHKey   string
}

type ServerService interface {
	CredentialSource
	RegisterServer(ctx context.Context, input RegisterServerInput) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	GetServer(ctx context.Context, id uint) (*domain.Server, error)
	DeleteServer(ctx context.Context, id uint) error
}

// InstanceService runs node-management jobs against the registry.
type InstanceService interface {
	CreateInstanceAsync(ctx context.Context, job InstanceJob) (string, error)
	ListInstances(ctx context.Context, serviceID uint) ([]domain.Instance, error)
}
