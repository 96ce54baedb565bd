package services

import (
	"context"
	"fmt"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/queue"
	"github.com/netly/fleet/internal/domain"
)

// ServiceTarget is the desired state of one service.
type ServiceTarget struct {
	Scope     string
	Service   string
	ImageName string
	Selector  domain.ImageSelector
	Channel   string
	// Servers are hostnames; empty means every server with an agent.
	Servers      []string
	Dependencies []string
	Commands     Commands
}

// ServiceProcedure creates or updates a service and converges its instances to the selected
// image. Every node that needs the image gets it through the remote channel; new instances are
// then registered through node-management tasks.
type ServiceProcedure struct {
	target ServiceTarget
	deps   *ProcedureDeps
}

func NewServiceProcedure(target ServiceTarget, deps *ProcedureDeps) *ServiceProcedure {
	return &ServiceProcedure{target: target, deps: deps}
}

func (p *ServiceProcedure) Name() string {
	return fmt.Sprintf("service %s/%s", p.target.Scope, p.target.Service)
}

func (p *ServiceProcedure) validate() error {
	t := p.target
	switch {
	case t.Scope == "":
		return &domain.ValidationError{Field: "scope", Reason: "required", Err: ErrInvalidInput}
	case t.Service == "":
		return &domain.ValidationError{Field: "service", Reason: "required", Err: ErrInvalidInput}
	case t.ImageName == "":
		return &domain.ValidationError{Field: "image_name", Reason: "required", Err: ErrInvalidInput}
	case t.Commands.Install == "":
		return &domain.ValidationError{Field: "install_command", Reason: "required", Err: ErrInvalidInput}
	}
	for _, d := range t.Dependencies {
		if d == t.Service {
			return &domain.ValidationError{Field: "dependencies", Reason: "a service cannot depend on itself", Err: ErrInvalidInput}
		}
	}
	if _, err := renderCommand("install", t.Commands.Install, CommandData{}); err != nil {
		return err
	}
	if t.Commands.Download != "" {
		if _, err := renderCommand("download", t.Commands.Download, CommandData{}); err != nil {
			return err
		}
	}
	return nil
}

func (p *ServiceProcedure) Prepare(ctx context.Context) (domain.Plan, error) {
	if err := p.validate(); err != nil {
		return domain.Plan{}, err
	}
	t := p.target
	log := p.deps.Logger

	scope, svc, err := lookupService(ctx, p.deps.Registry, t.Scope, t.Service)
	if err != nil {
		return domain.Plan{}, err
	}
	if svc != nil {
		if svc.Kind != domain.ServiceKindService {
			return domain.Plan{}, &domain.ValidationError{
				Field:  "service",
				Reason: fmt.Sprintf("%s is registered as kind %s", svc.Name, svc.Kind),
				Err:    ErrInvalidInput,
			}
		}
		if svc.ImageName != t.ImageName {
			return domain.Plan{}, &domain.ValidationError{
				Field:  "image_name",
				Reason: fmt.Sprintf("service %s runs %q images, not %q", svc.Name, svc.ImageName, t.ImageName),
				Err:    ErrImageMismatch,
			}
		}
	}

	res, err := p.deps.Resolver.Resolve(ctx, t.Selector, t.ImageName, t.Channel)
	if err != nil {
		return domain.Plan{}, err
	}
	img := res.Image

	servers, excluded, err := targetServers(ctx, p.deps.Inventory, t.Servers, true,
		fmt.Sprintf("install the agent on it before rolling out %s", t.Service))
	if err != nil {
		return domain.Plan{}, err
	}

	missingDeps, err := missingDependencies(ctx, p.deps.Registry, scope, t.Dependencies)
	if err != nil {
		return domain.Plan{}, err
	}

	var changes []domain.Change
	if scope == nil {
		changes = append(changes, domain.Change{Kind: domain.ChangeCreateScope, Scope: t.Scope})
	}

	installed := map[uint]domain.Instance{}
	if svc == nil {
		changes = append(changes, domain.Change{
			Kind:         domain.ChangeCreateService,
			Scope:        t.Scope,
			Service:      t.Service,
			Image:        &img,
			Dependencies: t.Dependencies,

			MissingDependencies: missingDeps,
		})
	} else {
		if svc.ImageID != img.ID || !sameSet(svc.Dependencies, t.Dependencies) {
			changes = append(changes, domain.Change{
				Kind:         domain.ChangeUpdateService,
				Scope:        t.Scope,
				Service:      t.Service,
				ServiceID:    svc.ID,
				Image:        &img,
				FromImageID:  svc.ImageID,
				Dependencies: t.Dependencies,

				MissingDependencies: missingDeps,
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

	var (
		missing []domain.Server
		updates []domain.Change
	)
	for _, s := range servers {
		inst, ok := installed[s.ID]
		switch {
		case !ok:
			missing = append(missing, s)
		case inst.ImageID != img.ID:
			updates = append(updates, domain.Change{
				Kind:        domain.ChangeUpdateInstance,
				Scope:       t.Scope,
				Service:     t.Service,
				Image:       &img,
				FromImageID: inst.ImageID,
				Servers:     []domain.Server{s},
				Instances:   []domain.Instance{inst},
			})
		}
	}
	if len(missing) > 0 {
		changes = append(changes, domain.Change{
			Kind:    domain.ChangeCreateInstances,
			Scope:   t.Scope,
			Service: t.Service,
			Image:   &img,
			Servers: missing,
		})
	}
	changes = append(changes, updates...)

	plan := domain.NewPlan(p.Name(), &img, res.NeedsDownload, changes).WithExcluded(excluded)
	log.Infow("procedure_prepare_ok",
		"procedure", p.Name(),
		"image_id", img.ID,
		"changes", len(plan.Changes),
		"create_instances", len(missing),
		"update_instances", len(updates),
		"needs_download", plan.NeedsDownload,
		"missing_dependencies", len(missingDeps),
	)
	return plan, nil
}

func (p *ServiceProcedure) Summarize(plan domain.Plan) ([]string, error) {
	if err := checkPlan(p.Name(), plan); err != nil {
		return nil, err
	}
	return summarize(plan), nil
}

// Execute applies plan. Steps up to the service record fail fast; the per-node step attempts
// every node before reporting.
func (p *ServiceProcedure) Execute(ctx context.Context, plan domain.Plan) error {
	if err := checkPlan(p.Name(), plan); err != nil {
		return err
	}
	if plan.NothingToDo() {
		return nil
	}
	t := p.target
	img := *plan.Image

	if err := ensureDependencies(ctx, p.deps.Registry, t.Scope, t.Service, t.Dependencies); err != nil {
		return err
	}
	scope, err := ensureScope(ctx, p.deps, t.Scope)
	if err != nil {
		return err
	}

	if plan.NeedsDownload {
		if err := ensureImage(ctx, p.deps, img); err != nil {
			return err
		}
	}

	svc, err := p.ensureService(ctx, scope, img)
	if err != nil {
		return err
	}

	return p.converge(ctx, plan, svc, img)
}

func (p *ServiceProcedure) ensureService(ctx context.Context, scope *domain.Scope, img domain.Image) (*domain.Service, error) {
	t := p.target
	existing, err := p.deps.Registry.ListServices(ctx, domain.ServiceFilter{ScopeID: &scope.ID, Names: []string{t.Service}})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	if len(existing) == 0 {
		svc, err := p.deps.Registry.CreateService(ctx, t.Service, scope.ID, domain.ServiceSpec{
			Kind:         domain.ServiceKindService,
			ImageName:    t.ImageName,
			ImageID:      img.ID,
			Dependencies: t.Dependencies,
		})
		if err != nil {
			return nil, fmt.Errorf("create service %s: %w", t.Service, err)
		}
		p.deps.progress().Info(fmt.Sprintf("created service %s at %s", t.Service, img.ID))
		return svc, nil
	}

	svc := existing[0]
	if svc.ImageID == img.ID && sameSet(svc.Dependencies, t.Dependencies) {
		return &svc, nil
	}
	id := img.ID
	dependencies := t.Dependencies
	if dependencies == nil {
		dependencies = []string{}
	}
	updated, err := p.deps.Registry.UpdateService(ctx, svc.ID, domain.ServicePatch{ImageID: &id, Dependencies: dependencies})
	if err != nil {
		return nil, fmt.Errorf("update service %s: %w", t.Service, err)
	}
	p.deps.progress().Info(fmt.Sprintf("updated service %s to %s", t.Service, img.ID))
	return updated, nil
}

func (p *ServiceProcedure) converge(ctx context.Context, plan domain.Plan, svc *domain.Service, img domain.Image) error {
	var servers []domain.Server
	for _, c := range plan.Changes {
		if c.Kind == domain.ChangeCreateInstances || c.Kind == domain.ChangeUpdateInstance {
			servers = append(servers, c.Servers...)
		}
	}
	if len(servers) == 0 {
		return nil
	}

	conn, err := p.deps.Transport.Open(ctx)
	if err != nil {
		return &domain.RemoteProtocolError{Op: "connect", Err: err}
	}
	defer conn.Close()

	servers, err = reachableServers(ctx, p.deps, conn, servers)
	if err != nil {
		return err
	}

	instances, err := p.deps.Registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &svc.ID})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	live := make(map[uint]domain.Instance, len(instances))
	for _, inst := range instances {
		live[inst.ServerID] = inst
	}

	progress := p.deps.progress()
	progress.StartProgress(fmt.Sprintf("%s -> %s", p.Name(), img.ID), len(servers))
	defer progress.EndProgress()

	return queue.Run(ctx, servers, queue.Options[domain.Server]{
		Op:          "install",
		Concurrency: p.deps.Settings.Concurrency,
		Identify:    func(s domain.Server) string { return s.Hostname },
		OnComplete: func(s domain.Server, err error, done, total int) {
			progress.Advance(done)
			if err != nil {
				progress.Error(fmt.Sprintf("%s: %v", s.Hostname, err))
			}
		},
	}, func(ctx context.Context, s domain.Server) error {
		inst, ok := live[s.ID]
		if !ok {
			return p.createInstance(ctx, conn, svc, s, img)
		}
		return p.updateInstance(ctx, conn, svc, s, inst, img)
	})
}

// createInstance installs img on s and then registers the instance through a node-management
// task. A node whose install fails gets no instance.
func (p *ServiceProcedure) createInstance(ctx context.Context, conn ports.RemoteConnection, svc *domain.Service, s domain.Server, img domain.Image) error {
	if err := p.installOn(ctx, conn, svc, s, img); err != nil {
		return err
	}

	path := fmt.Sprintf("/api/v1/services/%d/instances", svc.ID)
	taskID, err := p.deps.Tasks.Submit(ctx, path, ports.InstanceJob{ServiceID: svc.ID, ServerID: s.ID, ImageID: img.ID})
	if err == nil {
		_, err = p.deps.Tasks.Wait(ctx, taskID, p.deps.Settings.TaskTimeout)
	}
	p.deps.observeNode(p.Name(), "create", err)
	if err != nil {
		return fmt.Errorf("%s: create instance: %w", s.Hostname, err)
	}
	return nil
}

func (p *ServiceProcedure) updateInstance(ctx context.Context, conn ports.RemoteConnection, svc *domain.Service, s domain.Server, inst domain.Instance, img domain.Image) error {
	if inst.ImageID == img.ID {
		return nil
	}
	if err := p.installOn(ctx, conn, svc, s, img); err != nil {
		return err
	}
	if err := p.deps.Registry.UpdateInstance(ctx, inst.ID, img.ID); err != nil {
		return fmt.Errorf("%s: record instance: %w", s.Hostname, err)
	}
	return nil
}

// installOn runs the optional download command and then the install command on s.
func (p *ServiceProcedure) installOn(ctx context.Context, conn ports.RemoteConnection, svc *domain.Service, s domain.Server, img domain.Image) error {
	t := p.target
	data := CommandData{
		Service:    svc.Name,
		Scope:      t.Scope,
		ImageID:    img.ID,
		ImageName:  img.Name,
		Version:    img.Version,
		Node:       s.NodeID(),
		CatalogURL: p.deps.Settings.CatalogURL,
	}

	if t.Commands.Download != "" {
		cmd, err := renderCommand("download", t.Commands.Download, data)
		if err != nil {
			return err
		}
		_, err = p.deps.Channel.Run(ctx, conn, s.NodeID(), "download", cmd, p.deps.Settings.DownloadTimeout)
		p.deps.observeNode(p.Name(), "download", err)
		if err != nil {
			return err
		}
	}

	cmd, err := renderCommand("install", t.Commands.Install, data)
	if err != nil {
		return err
	}
	_, err = p.deps.Channel.Run(ctx, conn, s.NodeID(), "install", cmd, p.deps.Settings.InstallTimeout)
	p.deps.observeNode(p.Name(), "install", err)
	return err
}
