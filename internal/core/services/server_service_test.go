package services_test

import (
	"context"
	"testing"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServerService(inv *fakeInventory) ports.ServerService {
	return services.NewServerService(services.ServerServiceConfig{
		Repository:    inv,
		Logger:        logger.NewNop(),
		EncryptionKey: "test-key",
		EnableLocks:   true,
	})
}

func TestServerService_Register(t *testing.T) {
	ctx := context.Background()
	inv := newFakeInventory()
	svc := newServerService(inv)

	server, err := svc.RegisterServer(ctx, ports.RegisterServerInput{
		Hostname: "node-1",
		Address:  "10.0.0.1",
		User:     "root",
		Password: "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, 22, server.SSHPort)
	assert.Equal(t, domain.ServerStatusPending, server.Status)
	assert.NotContains(t, server.AuthData, "hunter2")

	auth, err := svc.Credentials(ctx, domain.Server{ID: server.ID})
	require.NoError(t, err)
	assert.Equal(t, ports.ServerAuth{User: "root", Password: "hunter2"}, auth)

	_, err = svc.RegisterServer(ctx, ports.RegisterServerInput{Hostname: "node-1", Address: "10.0.0.2", User: "root", Password: "x"})
	require.ErrorIs(t, err, services.ErrServerAlreadyExists)

	servers, err := svc.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)

	require.NoError(t, svc.DeleteServer(ctx, server.ID))
	require.ErrorIs(t, svc.DeleteServer(ctx, server.ID), domain.ErrNotFound)
}

func TestServerService_RegisterValidation(t *testing.T) {
	svc := newServerService(newFakeInventory())

	tests := []struct {
		name  string
		input ports.RegisterServerInput
		want  error
	}{
		{"no hostname", ports.RegisterServerInput{Address: "10.0.0.1", User: "root", Password: "x"}, services.ErrServerInvalidInput},
		{"bad address", ports.RegisterServerInput{Hostname: "n", Address: "not-an-ip", User: "root", Password: "x"}, services.ErrServerInvalidAddress},
		{"no credentials", ports.RegisterServerInput{Hostname: "n", Address: "10.0.0.1", User: "root"}, services.ErrServerInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterServer(context.Background(), tt.input)
			require.ErrorIs(t, err, tt.want)
		})
	}
}
