package services

import (
	"context"
	"fmt"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/queue"
	"github.com/netly/fleet/internal/domain"
)

// AgentTarget is the desired agent image on a set of servers.
type AgentTarget struct {
	Scope     string
	Service   string
	ImageName string
	Selector  domain.ImageSelector
	Channel   string
	// Servers are hostnames; empty means every server in the inventory.
	Servers []string
	// RemotePath is where the agent binary is uploaded on each server.
	RemotePath string
	Commands   Commands
}

// AgentProcedure installs or upgrades the node agent. It reaches servers over the agent
// transport since they may not run an agent yet.
type AgentProcedure struct {
	target AgentTarget
	deps   *ProcedureDeps
}

func NewAgentProcedure(target AgentTarget, deps *ProcedureDeps) *AgentProcedure {
	return &AgentProcedure{target: target, deps: deps}
}

func (p *AgentProcedure) Name() string {
	return fmt.Sprintf("agent %s/%s", p.target.Scope, p.target.Service)
}

func (p *AgentProcedure) validate() error {
	t := p.target
	switch {
	case t.Scope == "":
		return &domain.ValidationError{Field: "scope", Reason: "required", Err: ErrInvalidInput}
	case t.Service == "":
		return &domain.ValidationError{Field: "service", Reason: "required", Err: ErrInvalidInput}
	case t.ImageName == "":
		return &domain.ValidationError{Field: "image_name", Reason: "required", Err: ErrInvalidInput}
	case t.RemotePath == "":
		return &domain.ValidationError{Field: "remote_path", Reason: "required", Err: ErrInvalidInput}
	case t.Commands.Install == "":
		return &domain.ValidationError{Field: "install_command", Reason: "required", Err: ErrInvalidInput}
	}
	_, err := renderCommand("install", t.Commands.Install, CommandData{})
	return err
}

func (p *AgentProcedure) Prepare(ctx context.Context) (domain.Plan, error) {
	if err := p.validate(); err != nil {
		return domain.Plan{}, err
	}
	t := p.target

	scope, svc, err := lookupService(ctx, p.deps.Registry, t.Scope, t.Service)
	if err != nil {
		return domain.Plan{}, err
	}
	if svc != nil {
		if svc.Kind != domain.ServiceKindAgent {
			return domain.Plan{}, &domain.ValidationError{
				Field:  "service",
				Reason: fmt.Sprintf("%s is registered as kind %s", svc.Name, svc.Kind),
				Err:    ErrInvalidInput,
			}
		}
		if svc.ImageName != t.ImageName {
			return domain.Plan{}, &domain.ValidationError{
				Field:  "image_name",
				Reason: fmt.Sprintf("agent %s runs %q images, not %q", svc.Name, svc.ImageName, t.ImageName),
				Err:    ErrImageMismatch,
			}
		}
	}

	res, err := p.deps.Resolver.Resolve(ctx, t.Selector, t.ImageName, t.Channel)
	if err != nil {
		return domain.Plan{}, err
	}
	img := res.Image

	servers, excluded, err := targetServers(ctx, p.deps.Inventory, t.Servers, false, "")
	if err != nil {
		return domain.Plan{}, err
	}

	var changes []domain.Change
	if scope == nil {
		changes = append(changes, domain.Change{Kind: domain.ChangeCreateScope, Scope: t.Scope})
	}

	installed := map[uint]domain.Instance{}
	if svc == nil {
		changes = append(changes, domain.Change{Kind: domain.ChangeCreateService, Scope: t.Scope, Service: t.Service, Image: &img})
	} else {
		if svc.ImageID != img.ID {
			changes = append(changes, domain.Change{
				Kind:        domain.ChangeUpdateService,
				Scope:       t.Scope,
				Service:     t.Service,
				ServiceID:   svc.ID,
				Image:       &img,
				FromImageID: svc.ImageID,
			})
		}
		instances, err := p.deps.Registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &svc.ID})
		if err != nil {
			return domain.Plan{}, fmt.Errorf("list instances: %w", err)
		}
		for _, inst := range instances {
			installed[inst.ServerID] = inst
		}
	}

	for _, s := range servers {
		inst, ok := installed[s.ID]
		if s.Setup && ok && inst.ImageID == img.ID {
			continue
		}
		c := domain.Change{
			Kind:    domain.ChangeInstallAgent,
			Scope:   t.Scope,
			Service: t.Service,
			Image:   &img,
			Servers: []domain.Server{s},
		}
		if ok {
			c.FromImageID = inst.ImageID
			c.Instances = []domain.Instance{inst}
		}
		changes = append(changes, c)
	}

	plan := domain.NewPlan(p.Name(), &img, res.NeedsDownload, changes).WithExcluded(excluded)
	p.deps.Logger.Infow("procedure_prepare_ok",
		"procedure", p.Name(),
		"image_id", img.ID,
		"changes", len(plan.Changes),
		"installs", len(plan.ChangesOf(domain.ChangeInstallAgent)),
		"needs_download", plan.NeedsDownload,
	)
	return plan, nil
}

func (p *AgentProcedure) Summarize(plan domain.Plan) ([]string, error) {
	if err := checkPlan(p.Name(), plan); err != nil {
		return nil, err
	}
	return summarize(plan), nil
}

func (p *AgentProcedure) Execute(ctx context.Context, plan domain.Plan) error {
	if err := checkPlan(p.Name(), plan); err != nil {
		return err
	}
	if plan.NothingToDo() {
		return nil
	}
	t := p.target
	img := *plan.Image

	scope, err := ensureScope(ctx, p.deps, t.Scope)
	if err != nil {
		return err
	}

	// Uploads read the artifact from the cache, so it is made present regardless of the flag.
	if plan.NeedsDownload || plan.Has(domain.ChangeInstallAgent) {
		if err := ensureImage(ctx, p.deps, img); err != nil {
			return err
		}
	}

	svc, err := p.ensureService(ctx, scope, img)
	if err != nil {
		return err
	}

	var servers []domain.Server
	for _, c := range plan.ChangesOf(domain.ChangeInstallAgent) {
		servers = append(servers, c.Servers...)
	}
	if len(servers) == 0 {
		return nil
	}

	conn, err := p.deps.AgentTransport.Open(ctx)
	if err != nil {
		return &domain.RemoteProtocolError{Op: "connect", Err: err}
	}
	defer conn.Close()

	servers, err = reachableServers(ctx, p.deps, conn, servers)
	if err != nil {
		return err
	}

	live, err := p.liveState(ctx, svc, servers)
	if err != nil {
		return err
	}

	progress := p.deps.progress()
	progress.StartProgress(fmt.Sprintf("%s -> %s", p.Name(), img.ID), len(servers))
	defer progress.EndProgress()

	return queue.Run(ctx, servers, queue.Options[domain.Server]{
		Op:          "install agent",
		Concurrency: p.deps.Settings.Concurrency,
		Identify:    func(s domain.Server) string { return s.Hostname },
		OnComplete: func(s domain.Server, err error, done, total int) {
			progress.Advance(done)
			if err != nil {
				progress.Error(fmt.Sprintf("%s: %v", s.Hostname, err))
			}
		},
	}, func(ctx context.Context, s domain.Server) error {
		return p.install(ctx, conn, svc, live[s.ID], img)
	})
}

type agentState struct {
	server   domain.Server
	instance *domain.Instance
}

// liveState re-reads servers and instances so a re-run skips work that already landed.
func (p *AgentProcedure) liveState(ctx context.Context, svc *domain.Service, servers []domain.Server) (map[uint]agentState, error) {
	ids := make([]uint, len(servers))
	for i, s := range servers {
		ids[i] = s.ID
	}
	current, err := p.deps.Inventory.ListServers(ctx, domain.ServerFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	instances, err := p.deps.Registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &svc.ID, ServerIDs: ids})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	state := make(map[uint]agentState, len(servers))
	for _, s := range servers {
		state[s.ID] = agentState{server: s}
	}
	for _, s := range current {
		if st, ok := state[s.ID]; ok {
			st.server = s
			state[s.ID] = st
		}
	}
	for i := range instances {
		inst := instances[i]
		if st, ok := state[inst.ServerID]; ok {
			st.instance = &inst
			state[inst.ServerID] = st
		}
	}
	return state, nil
}

func (p *AgentProcedure) install(ctx context.Context, conn ports.RemoteConnection, svc *domain.Service, st agentState, img domain.Image) error {
	s := st.server
	if s.Setup && st.instance != nil && st.instance.ImageID == img.ID {
		return nil
	}
	t := p.target

	if st.instance == nil || st.instance.ImageID != img.ID {
		err := p.deps.Uploader.Upload(ctx, s, p.deps.Cache.PathFor(img.ID), t.RemotePath)
		p.deps.observeNode(p.Name(), "upload", err)
		if err != nil {
			return fmt.Errorf("%s: upload agent: %w", s.Hostname, err)
		}

		cmd, err := renderCommand("install", t.Commands.Install, CommandData{
			Service:    svc.Name,
			Scope:      t.Scope,
			ImageID:    img.ID,
			ImageName:  img.Name,
			Version:    img.Version,
			Node:       s.NodeID(),
			Path:       t.RemotePath,
			CatalogURL: p.deps.Settings.CatalogURL,
			NatsURL:    p.deps.Settings.NatsURL,
		})
		if err != nil {
			return err
		}
		_, err = p.deps.Channel.Run(ctx, conn, s.NodeID(), "install", cmd, p.deps.Settings.InstallTimeout)
		p.deps.observeNode(p.Name(), "install", err)
		if err != nil {
			return err
		}
	}

	if !s.Setup {
		if err := p.deps.Inventory.MarkSetup(ctx, s.ID); err != nil {
			return fmt.Errorf("%s: mark setup: %w", s.Hostname, err)
		}
	}

	switch {
	case st.instance == nil:
		if _, err := p.deps.Registry.CreateInstance(ctx, svc.ID, s.ID, img.ID); err != nil {
			return fmt.Errorf("%s: record instance: %w", s.Hostname, err)
		}
	case st.instance.ImageID != img.ID:
		if err := p.deps.Registry.UpdateInstance(ctx, st.instance.ID, img.ID); err != nil {
			return fmt.Errorf("%s: record instance: %w", s.Hostname, err)
		}
	}
	return nil
}

func (p *AgentProcedure) ensureService(ctx context.Context, scope *domain.Scope, img domain.Image) (*domain.Service, error) {
	t := p.target
	existing, err := p.deps.Registry.ListServices(ctx, domain.ServiceFilter{ScopeID: &scope.ID, Names: []string{t.Service}})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	if len(existing) == 0 {
		svc, err := p.deps.Registry.CreateService(ctx, t.Service, scope.ID, domain.ServiceSpec{
			Kind:      domain.ServiceKindAgent,
			ImageName: t.ImageName,
			ImageID:   img.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("create service %s: %w", t.Service, err)
		}
		p.deps.progress().Info(fmt.Sprintf("created agent service %s at %s", t.Service, img.ID))
		return svc, nil
	}
	svc := existing[0]
	if svc.ImageID == img.ID {
		return &svc, nil
	}
	id := img.ID
	updated, err := p.deps.Registry.UpdateService(ctx, svc.ID, domain.ServicePatch{ImageID: &id})
	if err != nil {
		return nil, fmt.Errorf("update service %s: %w", t.Service, err)
	}
	return updated, nil
}
