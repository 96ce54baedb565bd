package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/pkg/utils/crypto"
)

type serverService struct {
	repo          ports.ServerRepository
	logger        *logger.Logger
	encryptionKey string
	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	enableLocks   bool
}

type ServerServiceConfig struct {
	Repository    ports.ServerRepository
	Logger        *logger.Logger
	EncryptionKey string
	EnableLocks   bool
}

func NewServerService(cfg ServerServiceConfig) ports.ServerService {
	return &serverService{
		repo:          cfg.Repository,
		logger:        cfg.Logger,
		encryptionKey: cfg.EncryptionKey,
		locks:         make(map[string]*sync.Mutex),
		enableLocks:   cfg.EnableLocks,
	}
}

func (s *serverService) lockKeys(keys ...string) func() {
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

func (s *serverService) RegisterServer(ctx context.Context, input ports.RegisterServerInput) (*domain.Server, error) {
	unlock := s.lockKeys("hostname:" + input.Hostname)
	defer unlock()

	if err := validateServerInput(input); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByHostname(ctx, input.Hostname)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		s.logger.Warnw("server with hostname already exists", "hostname", input.Hostname)
		return nil, ErrServerAlreadyExists
	}

	authData, err := s.sealAuth(input.Hostname, ports.ServerAuth{User: input.User, Password: input.Password, SSHKey: input.SSHKey})
	if err != nil {
		s.logger.Errorw("failed to encrypt auth data", "error", err)
		return nil, ErrEncryptionFailed
	}

	sshPort := input.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}

	server := &domain.Server{
		Hostname: input.Hostname,
		Address:  input.Address,
		SSHPort:  sshPort,
		AuthData: authData,
		Status:   domain.ServerStatusPending,
	}
	if err := s.repo.Create(ctx, server); err != nil {
		s.logger.Errorw("failed to create server", "hostname", input.Hostname, "error", err)
		return nil, err
	}
	s.logger.Infow("server registered", "id", server.ID, "hostname", server.Hostname)
	return server, nil
}

func (s *serverService) ListServers(ctx context.Context) ([]domain.Server, error) {
	return s.repo.ListServers(ctx, domain.ServerFilter{})
}

func (s *serverService) GetServer(ctx context.Context, id uint) (*domain.Server, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *serverService) DeleteServer(ctx context.Context, id uint) error {
	unlock := s.lockKeys(fmt.Sprintf("server:%d", id))
	defer unlock()
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// Credentials decrypts the stored login of server.
func (s *serverService) Credentials(ctx context.Context, server domain.Server) (ports.ServerAuth, error) {
	if server.AuthData == "" {
		stored, err := s.repo.GetByID(ctx, server.ID)
		if err != nil {
			return ports.ServerAuth{}, err
		}
		server = *stored
	}

	sealer, err := crypto.NewSealer(s.encryptionKey)
	if err != nil {
		return ports.ServerAuth{}, err
	}
	plain, err := sealer.Open(server.AuthData, authLabel(server.Hostname))
	if err != nil {
		return ports.ServerAuth{}, fmt.Errorf("failed to decrypt auth data: %w", err)
	}

	var auth ports.ServerAuth
	if err := json.Unmarshal(plain, &auth); err != nil {
		return ports.ServerAuth{}, fmt.Errorf("failed to unmarshal auth data: %w", err)
	}
	return auth, nil
}

// sealAuth binds the sealed credentials to hostname.
func (s *serverService) sealAuth(hostname string, auth ports.ServerAuth) (string, error) {
	jsonData, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}
	sealer, err := crypto.NewSealer(s.encryptionKey)
	if err != nil {
		return "", err
	}
	return sealer.Seal(jsonData, authLabel(hostname))
}

func authLabel(hostname string) string {
	return "server:" + hostname
}

func validateServerInput(input ports.RegisterServerInput) error {
	if strings.TrimSpace(input.Hostname) == "" || input.User == "" {
		return ErrServerInvalidInput
	}
	if input.Address == "" || net.ParseIP(input.Address) == nil {
		return ErrServerInvalidAddress
	}
	if input.Password == "" && input.SSHKey == "" {
		return ErrServerInvalidInput
	}
	return nil
}
