package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const TaskTypeCreateInstance = "CREATE_INSTANCE"

type InstanceServiceConfig struct {
	Registry    ports.ServiceRegistry
	Servers     ports.ServerRepository
	Tasks       *TaskService
	Logger      *logger.Logger
	EnableLocks bool
}

// instanceService backs the node-management endpoint procedures submit jobs to.
type instanceService struct {
	registry    ports.ServiceRegistry
	servers     ports.ServerRepository
	tasks       *TaskService
	logger      *logger.Logger
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	enableLocks bool
}

func NewInstanceService(cfg InstanceServiceConfig) ports.InstanceService {
	return &instanceService{
		registry:    cfg.Registry,
		servers:     cfg.Servers,
		tasks:       cfg.Tasks,
		logger:      cfg.Logger,
		locks:       make(map[string]*sync.Mutex),
		enableLocks: cfg.EnableLocks,
	}
}

func (s *instanceService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// CreateInstanceAsync validates job and registers the instance in a background task. It only
// records state: callers install the image on the node first. The returned id is polled
// through the task endpoint.
func (s *instanceService) CreateInstanceAsync(ctx context.Context, job ports.InstanceJob) (string, error) {
	if job.ServiceID == 0 || job.ServerID == 0 || job.ImageID == "" {
		return "", ErrInstanceInvalidJob
	}

	task := s.tasks.Start(context.WithoutCancel(ctx), TaskTypeCreateInstance, func(ctx context.Context, report func(int, string)) (domain.JSONB, error) {
		unlock := s.lockKeys(fmt.Sprintf("service:%d", job.ServiceID), fmt.Sprintf("server:%d", job.ServerID))
		defer unlock()

		server, err := s.servers.GetByID(ctx, job.ServerID)
		if err != nil {
			return nil, fmt.Errorf("server %d: %w", job.ServerID, err)
		}
		if !server.Setup {
			return nil, fmt.Errorf("server %s has no agent", server.Hostname)
		}
		report(30, "server verified")

		services, err := s.registry.ListServices(ctx, domain.ServiceFilter{IDs: []uint{job.ServiceID}})
		if err != nil {
			return nil, err
		}
		if len(services) == 0 {
			return nil, fmt.Errorf("service %d: %w", job.ServiceID, domain.ErrNotFound)
		}
		report(60, "service verified")

		existing, err := s.registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &job.ServiceID, ServerIDs: []uint{job.ServerID}})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			inst := existing[0]
			if inst.ImageID != job.ImageID {
				if err := s.registry.UpdateInstance(ctx, inst.ID, job.ImageID); err != nil {
					return nil, err
				}
			}
			return domain.JSONB{"instance_id": inst.ID, "created": false}, nil
		}

		inst, err := s.registry.CreateInstance(ctx, job.ServiceID, job.ServerID, job.ImageID)
		if err != nil {
			return nil, err
		}
		s.logger.Infow("instance created", "instance_id", inst.ID, "service_id", job.ServiceID, "server", server.Hostname)
		return domain.JSONB{"instance_id": inst.ID, "created": true}, nil
	})
	return task.ID, nil
}

func (s *instanceService) ListInstances(ctx context.Context, serviceID uint) ([]domain.Instance, error) {
	instances, err := s.registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &serviceID})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return instances, nil
}
