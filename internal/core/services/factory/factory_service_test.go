package factory_test

import (
	"testing"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/core/services/factory"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	m := &manifest.Manifest{
		Scope:   "shop",
		Channel: "stable",
		Procedures: []manifest.ProcedureSpec{
			{Kind: manifest.KindAgent, Service: "fleet-agent", ImageName: "fleet-agent"},
			{Kind: manifest.KindService, Service: "api", ImageName: "shop-api", Selector: "1.2.0"},
			{Kind: manifest.KindRemove, Service: "old-api"},
		},
	}
	f := factory.NewFactoryService(&services.ProcedureDeps{}, factory.Defaults{AgentRemotePath: "/usr/local/bin/fleet-agent"})

	procs, err := f.Build(m)
	require.NoError(t, err)
	require.Len(t, procs, 3)

	assert.IsType(t, &services.AgentProcedure{}, procs[0])
	assert.IsType(t, &services.ServiceProcedure{}, procs[1])
	assert.IsType(t, &services.RemoveProcedure{}, procs[2])
	assert.Equal(t, "agent shop/fleet-agent", procs[0].Name())
	assert.Equal(t, "service shop/api", procs[1].Name())
	assert.Equal(t, "remove shop/old-api", procs[2].Name())
}

func TestBuild_BadSelector(t *testing.T) {
	m := &manifest.Manifest{
		Scope: "shop",
		Procedures: []manifest.ProcedureSpec{
			{Kind: manifest.KindService, Service: "api", ImageName: "shop-api", Selector: "newest"},
		},
	}
	f := factory.NewFactoryService(&services.ProcedureDeps{}, factory.Defaults{})

	_, err := f.Build(m)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "selector", verr.Field)
}

func TestBuild_Empty(t *testing.T) {
	f := factory.NewFactoryService(&services.ProcedureDeps{}, factory.Defaults{})
	_, err := f.Build(&manifest.Manifest{Scope: "shop"})
	require.ErrorIs(t, err, services.ErrEmptyManifest)
}
