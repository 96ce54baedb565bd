package factory

import (
	"fmt"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/manifest"
)

// Default command templates, rendered with services.CommandData.
const (
	DefaultAgentInstallCommand = "chmod 0755 {{.Path}} && {{.Path}} install --node {{.Node}} --nats-url {{.NatsURL}}"
	DefaultDownloadCommand     = "fleet-agent image pull --id {{.ImageID}} --from {{.CatalogURL}}"
	DefaultInstallCommand      = "fleet-agent image install --service {{.Service}} --id {{.ImageID}}"
	DefaultUninstallCommand    = "fleet-agent image remove --service {{.Service}}"
)

type Defaults struct {
	AgentRemotePath string
}

// FactoryService turns manifest entries into procedures bound to one set of collaborators.
type FactoryService struct {
	deps     *services.ProcedureDeps
	defaults Defaults
}

func NewFactoryService(deps *services.ProcedureDeps, defaults Defaults) *FactoryService {
	return &FactoryService{deps: deps, defaults: defaults}
}

// Build returns one procedure per manifest entry, in manifest order.
func (s *FactoryService) Build(m *manifest.Manifest) ([]ports.Procedure, error) {
	if len(m.Procedures) == 0 {
		return nil, services.ErrEmptyManifest
	}
	procs := make([]ports.Procedure, 0, len(m.Procedures))
	for i, spec := range m.Procedures {
		proc, err := s.build(m, spec)
		if err != nil {
			return nil, fmt.Errorf("procedures[%d] (%s): %w", i, spec.Service, err)
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

func (s *FactoryService) build(m *manifest.Manifest, spec manifest.ProcedureSpec) (ports.Procedure, error) {
	switch spec.Kind {
	case manifest.KindService:
		sel, err := domain.ParseSelector(spec.Selector)
		if err != nil {
			return nil, err
		}
		return services.NewServiceProcedure(services.ServiceTarget{
			Scope:        m.ScopeOf(spec),
			Service:      spec.Service,
			ImageName:    spec.ImageName,
			Selector:     sel,
			Channel:      m.ChannelOf(spec),
			Servers:      spec.Servers,
			Dependencies: spec.Dependencies,
			Commands: services.Commands{
				Download: or(spec.DownloadCommand, DefaultDownloadCommand),
				Install:  or(spec.InstallCommand, DefaultInstallCommand),
			},
		}, s.deps), nil

	case manifest.KindAgent:
		sel, err := domain.ParseSelector(spec.Selector)
		if err != nil {
			return nil, err
		}
		return services.NewAgentProcedure(services.AgentTarget{
			Scope:      m.ScopeOf(spec),
			Service:    spec.Service,
			ImageName:  spec.ImageName,
			Selector:   sel,
			Channel:    m.ChannelOf(spec),
			Servers:    spec.Servers,
			RemotePath: or(spec.RemotePath, s.defaults.AgentRemotePath),
			Commands:   services.Commands{Install: or(spec.InstallCommand, DefaultAgentInstallCommand)},
		}, s.deps), nil

	case manifest.KindRemove:
		return services.NewRemoveProcedure(services.RemoveTarget{
			Scope:    m.ScopeOf(spec),
			Service:  spec.Service,
			Servers:  spec.Servers,
			Commands: services.Commands{Uninstall: or(spec.UninstallCommand, DefaultUninstallCommand)},
		}, s.deps), nil
	}
	return nil, fmt.Errorf("%w: kind %q", services.ErrInvalidInput, spec.Kind)
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
