package services_test

import (
	"context"
	"strings"
	"testing"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentTarget() services.AgentTarget {
	return services.AgentTarget{
		Scope:      "infra",
		Service:    "fleet-agent",
		ImageName:  "fleet-agent",
		Selector:   domain.Latest(),
		Channel:    "stable",
		RemotePath: "/usr/local/bin/fleet-agent",
		Commands:   services.Commands{Install: "chmod 0755 {{.Path}} && {{.Path}} install --node {{.Node}}"},
	}
}

func TestAgentProcedure_FreshServers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fleet(2, false), []domain.Image{image("agent-3", "fleet-agent", "0.3.0")})

	proc := services.NewAgentProcedure(agentTarget(), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	lines, err := proc.Summarize(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"create scope infra",
		"create service fleet-agent in scope infra at fleet-agent 0.3.0 (agent-3)",
		"download image fleet-agent 0.3.0 (agent-3)",
		"install agent agent-3 on node-1",
		"install agent agent-3 on node-2",
	}, lines)

	require.NoError(t, proc.Execute(ctx, plan))

	assert.ElementsMatch(t, []string{
		"node-1:/cache/agent-3->/usr/local/bin/fleet-agent",
		"node-2:/cache/agent-3->/usr/local/bin/fleet-agent",
	}, h.uploader.Uploads())

	dispatches := h.ssh.Dispatches()
	require.Len(t, dispatches, 2)
	for _, d := range dispatches {
		assert.True(t, strings.HasSuffix(d.command, "install --node "+d.node), d.command)
	}
	assert.Empty(t, h.transport.Dispatches(), "agent installs never use the agent channel")

	servers, _ := h.inventory.ListServers(ctx, domain.ServerFilter{})
	for _, s := range servers {
		assert.True(t, s.Setup, s.Hostname)
	}
	svc, ok := h.registry.service("fleet-agent")
	require.True(t, ok)
	assert.Equal(t, domain.ServiceKindAgent, svc.Kind)
	assert.Len(t, h.registry.instanceImages(svc.ID), 2)

	again, err := proc.Prepare(ctx)
	require.NoError(t, err)
	assert.True(t, again.NothingToDo())
}

func TestAgentProcedure_UploadFailureIsPerServer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fleet(3, false), []domain.Image{image("agent-3", "fleet-agent", "0.3.0")})
	h.uploader.fail = map[string]error{"node-2": errBoom}

	proc := services.NewAgentProcedure(agentTarget(), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	err = proc.Execute(ctx, plan)
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "node-2")

	servers, _ := h.inventory.ListServers(ctx, domain.ServerFilter{})
	setup := map[string]bool{}
	for _, s := range servers {
		setup[s.Hostname] = s.Setup
	}
	assert.Equal(t, map[string]bool{"node-1": true, "node-2": false, "node-3": true}, setup)

	// The retry only touches the server that failed.
	h.uploader.fail = nil
	plan, err = proc.Prepare(ctx)
	require.NoError(t, err)
	require.Len(t, plan.ChangesOf(domain.ChangeInstallAgent), 1)
	require.NoError(t, proc.Execute(ctx, plan))
	assert.Len(t, h.uploader.Uploads(), 3)
}

func TestAgentProcedure_Upgrade(t *testing.T) {
	ctx := context.Background()
	images := []domain.Image{image("agent-2", "fleet-agent", "0.2.0"), image("agent-3", "fleet-agent", "0.3.0")}
	h := newHarness(t, fleet(1, true), images, images...)

	scope := h.registry.addScope("infra")
	svc := h.registry.addService(domain.Service{ScopeID: scope.ID, Name: "fleet-agent", Kind: domain.ServiceKindAgent, ImageName: "fleet-agent", ImageID: "agent-2"})
	h.registry.addInstance(svc.ID, 1, "agent-2")

	proc := services.NewAgentProcedure(agentTarget(), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	lines, err := proc.Summarize(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"update service fleet-agent: image agent-2 -> agent-3",
		"upgrade agent on node-1: agent-2 -> agent-3",
	}, lines)

	require.NoError(t, proc.Execute(ctx, plan))
	assert.Equal(t, map[uint]string{1: "agent-3"}, h.registry.instanceImages(svc.ID))
	assert.Empty(t, h.catalog.Downloads())
}

func TestAgentProcedure_KindMismatch(t *testing.T) {
	h := newHarness(t, fleet(1, true), []domain.Image{image("agent-3", "fleet-agent", "0.3.0")})
	scope := h.registry.addScope("infra")
	h.registry.addService(domain.Service{ScopeID: scope.ID, Name: "fleet-agent", Kind: domain.ServiceKindService, ImageName: "fleet-agent"})

	_, err := services.NewAgentProcedure(agentTarget(), h.deps).Prepare(context.Background())
	require.ErrorIs(t, err, services.ErrInvalidInput)
}

func TestAgentProcedure_ImageNameMismatch(t *testing.T) {
	images := []domain.Image{image("agent-3", "fleet-agent", "0.3.0"), image("edge-1", "edge-agent", "1.0.0")}
	h := newHarness(t, fleet(1, true), images)
	scope := h.registry.addScope("infra")
	h.registry.addService(domain.Service{ScopeID: scope.ID, Name: "fleet-agent", Kind: domain.ServiceKindAgent, ImageName: "fleet-agent", ImageID: "agent-3"})

	target := agentTarget()
	target.ImageName = "edge-agent"
	_, err := services.NewAgentProcedure(target, h.deps).Prepare(context.Background())
	require.ErrorIs(t, err, services.ErrImageMismatch)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "image_name", verr.Field)
	assert.Equal(t, 0, h.mutations())
}
