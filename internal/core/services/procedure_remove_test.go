package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func removeTarget(servers ...string) services.RemoveTarget {
	return services.RemoveTarget{
		Scope:    "shop",
		Service:  "api",
		Servers:  servers,
		Commands: services.Commands{Uninstall: "fleet-agent image remove --service {{.Service}}"},
	}
}

func seedAPI(h *harness, servers ...uint) domain.Service {
	scope := h.registry.addScope("shop")
	svc := h.registry.addService(domain.Service{ScopeID: scope.ID, Name: "api", Kind: domain.ServiceKindService, ImageName: "shop-api", ImageID: "img-1"})
	for _, id := range servers {
		h.registry.addInstance(svc.ID, id, "img-1")
	}
	return svc
}

func TestRemoveProcedure_PartialFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fleet(3, true), nil)
	svc := seedAPI(h, 1, 2, 3)
	h.transport.respond = func(node, _ string) reply {
		if node == "node-2" {
			return reply{exit: 1, output: "service busy"}
		}
		return reply{}
	}

	proc := services.NewRemoveProcedure(removeTarget(), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	lines, err := proc.Summarize(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"remove api from node-1", "remove api from node-2", "remove api from node-3"}, lines)

	err = proc.Execute(ctx, plan)
	var failure *domain.TaskFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "node-2", failure.Target)

	assert.Equal(t, map[uint]string{2: "img-1"}, h.registry.instanceImages(svc.ID))
	dispatches := h.transport.Dispatches()
	require.Len(t, dispatches, 3)
	assert.Equal(t, "fleet-agent image remove --service api", dispatches[0].command)
}

func TestRemoveProcedure_Selected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fleet(3, true), nil)
	svc := seedAPI(h, 1, 3)

	proc := services.NewRemoveProcedure(removeTarget("node-2", "node-3"), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	lines, err := proc.Summarize(plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"remove api from node-3", "skip node-2: api is not installed"}, lines)

	require.NoError(t, proc.Execute(ctx, plan))
	assert.Equal(t, map[uint]string{1: "img-1"}, h.registry.instanceImages(svc.ID))
}

func TestRemoveProcedure_UnknownService(t *testing.T) {
	h := newHarness(t, fleet(1, true), nil)

	proc := services.NewRemoveProcedure(removeTarget(), h.deps)
	plan, err := proc.Prepare(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.NothingToDo())
	require.NoError(t, proc.Execute(context.Background(), plan))
	assert.Equal(t, 0, h.mutations())
}

func TestRemoveProcedure_SilentNodeTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fleet(2, true), nil)
	h.deps.Settings.InstallTimeout = 50 * time.Millisecond
	svc := seedAPI(h, 1, 2)
	h.transport.respond = func(node, _ string) reply {
		return reply{silent: node == "node-1"}
	}

	proc := services.NewRemoveProcedure(removeTarget(), h.deps)
	plan, err := proc.Prepare(ctx)
	require.NoError(t, err)

	err = proc.Execute(ctx, plan)
	var timeout *domain.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "node-1", timeout.Target)
	assert.Equal(t, map[uint]string{1: "img-1"}, h.registry.instanceImages(svc.ID))
}
