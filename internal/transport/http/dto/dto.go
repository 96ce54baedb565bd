package dto

import (
	"net"
	"time"

	"github.com/netly/fleet/internal/domain"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type CreateServerRequest struct {
	Hostname   string `json:"hostname"`
	Address    string `json:"address"`
	SSHPort    int    `json:"ssh_port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

func (r *CreateServerRequest) Validate() []string {
	var errors []string

	if r.Hostname == "" {
		errors = append(errors, "hostname is required")
	}

	if r.Address == "" {
		errors = append(errors, "address is required")
	} else if net.ParseIP(r.Address) == nil {
		errors = append(errors, "address is not a valid IP address")
	}

	if r.Username == "" {
		errors = append(errors, "username is required")
	}

	if r.Password == "" && r.PrivateKey == "" {
		errors = append(errors, "either password or private_key is required")
	}

	if r.SSHPort < 0 || r.SSHPort > 65535 {
		errors = append(errors, "ssh_port is out of range")
	}

	return errors
}

func (r *CreateServerRequest) GetSSHPort() int {
	if r.SSHPort == 0 {
		return 22
	}
	return r.SSHPort
}

type ServerResponse struct {
	ID        uint                `json:"id"`
	Hostname  string              `json:"hostname"`
	Address   string              `json:"address"`
	SSHPort   int                 `json:"ssh_port"`
	Setup     bool                `json:"setup"`
	Status    domain.ServerStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func ServerToResponse(s *domain.Server) ServerResponse {
	return ServerResponse{
		ID:        s.ID,
		Hostname:  s.Hostname,
		Address:   s.Address,
		SSHPort:   s.SSHPort,
		Setup:     s.Setup,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func ServersToResponse(servers []domain.Server) []ServerResponse {
	out := make([]ServerResponse, len(servers))
	for i := range servers {
		out[i] = ServerToResponse(&servers[i])
	}
	return out
}

// CreateInstanceRequest is the body of a create-instance job; the service comes from the path.
type CreateInstanceRequest struct {
	ServerID uint   `json:"server_id"`
	ImageID  string `json:"image_id"`
}

type TaskAcceptedResponse struct {
	TaskID string `json:"task_id"`
}

type RolloutPlanResponse struct {
	Summary []string `json:"summary"`
	Idle    []string `json:"idle"`
}
