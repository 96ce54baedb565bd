package services

import (
	"context"
	"fmt"

	"github.com/netly/fleet/internal/core/queue"
	"github.com/netly/fleet/internal/domain"
)

// RemoveTarget names the instances to remove.
type RemoveTarget struct {
	Scope   string
	Service string
	// Servers are hostnames; empty means every server running the service.
	Servers  []string
	Commands Commands
}

// RemoveProcedure uninstalls a service from servers and drops their instance records.
type RemoveProcedure struct {
	target RemoveTarget
	deps   *ProcedureDeps
}

func NewRemoveProcedure(target RemoveTarget, deps *ProcedureDeps) *RemoveProcedure {
	return &RemoveProcedure{target: target, deps: deps}
}

func (p *RemoveProcedure) Name() string {
	return fmt.Sprintf("remove %s/%s", p.target.Scope, p.target.Service)
}

func (p *RemoveProcedure) Prepare(ctx context.Context) (domain.Plan, error) {
	t := p.target
	if t.Scope == "" || t.Service == "" {
		return domain.Plan{}, &domain.ValidationError{Field: "service", Reason: "scope and service are required", Err: ErrInvalidInput}
	}
	if t.Commands.Uninstall == "" {
		return domain.Plan{}, &domain.ValidationError{Field: "uninstall_command", Reason: "required", Err: ErrInvalidInput}
	}
	if _, err := renderCommand("uninstall", t.Commands.Uninstall, CommandData{}); err != nil {
		return domain.Plan{}, err
	}

	_, svc, err := lookupService(ctx, p.deps.Registry, t.Scope, t.Service)
	if err != nil {
		return domain.Plan{}, err
	}
	if svc == nil {
		p.deps.Logger.Infow("procedure_prepare_ok", "procedure", p.Name(), "changes", 0, "reason", "service not registered")
		return domain.NewPlan(p.Name(), nil, false, nil), nil
	}

	servers, _, err := targetServers(ctx, p.deps.Inventory, t.Servers, false, "")
	if err != nil {
		return domain.Plan{}, err
	}
	byID := make(map[uint]domain.Server, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}

	instances, err := p.deps.Registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &svc.ID})
	if err != nil {
		return domain.Plan{}, fmt.Errorf("list instances: %w", err)
	}

	var changes []domain.Change
	withInstance := map[uint]bool{}
	for _, inst := range instances {
		s, ok := byID[inst.ServerID]
		if !ok {
			continue
		}
		withInstance[s.ID] = true
		changes = append(changes, domain.Change{
			Kind:        domain.ChangeRemoveInstance,
			Scope:       t.Scope,
			Service:     t.Service,
			ServiceID:   svc.ID,
			FromImageID: inst.ImageID,
			Servers:     []domain.Server{s},
			Instances:   []domain.Instance{inst},
		})
	}

	excluded := map[string]string{}
	if len(t.Servers) > 0 {
		for _, s := range servers {
			if !withInstance[s.ID] {
				excluded[s.Hostname] = fmt.Sprintf("%s is not installed", t.Service)
			}
		}
	}

	plan := domain.NewPlan(p.Name(), nil, false, changes).WithExcluded(excluded)
	p.deps.Logger.Infow("procedure_prepare_ok", "procedure", p.Name(), "changes", len(plan.Changes))
	return plan, nil
}

func (p *RemoveProcedure) Summarize(plan domain.Plan) ([]string, error) {
	if err := checkPlan(p.Name(), plan); err != nil {
		return nil, err
	}
	return summarize(plan), nil
}

// Execute uninstalls on every reachable server in one broadcast, then deletes the records of
// the servers where the uninstall succeeded.
func (p *RemoveProcedure) Execute(ctx context.Context, plan domain.Plan) error {
	if err := checkPlan(p.Name(), plan); err != nil {
		return err
	}
	if plan.NothingToDo() {
		return nil
	}
	t := p.target

	_, svc, err := lookupService(ctx, p.deps.Registry, t.Scope, t.Service)
	if err != nil {
		return err
	}
	if svc == nil {
		return nil
	}

	planned := map[uint]domain.Server{}
	for _, c := range plan.ChangesOf(domain.ChangeRemoveInstance) {
		for _, s := range c.Servers {
			planned[s.ID] = s
		}
	}

	instances, err := p.deps.Registry.ListInstances(ctx, domain.InstanceFilter{ServiceID: &svc.ID})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	var (
		servers []domain.Server
		live    = map[string]domain.Instance{}
	)
	for _, inst := range instances {
		s, ok := planned[inst.ServerID]
		if !ok {
			continue
		}
		servers = append(servers, s)
		live[s.NodeID()] = inst
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
	if len(servers) == 0 {
		return nil
	}

	nodes := make([]string, len(servers))
	for i, s := range servers {
		nodes[i] = s.NodeID()
	}
	// A broadcast carries one command for every node, so Node stays empty.
	cmd, err := renderCommand("uninstall", t.Commands.Uninstall, CommandData{
		Service:    svc.Name,
		Scope:      t.Scope,
		ImageID:    svc.ImageID,
		ImageName:  svc.ImageName,
		CatalogURL: p.deps.Settings.CatalogURL,
	})
	if err != nil {
		return err
	}

	progress := p.deps.progress()
	progress.StartProgress(p.Name(), len(nodes))
	defer progress.EndProgress()

	res, err := p.deps.Channel.Broadcast(ctx, conn, nodes, "uninstall", cmd, p.deps.Settings.InstallTimeout)
	if err != nil {
		return err
	}

	failures := append([]*domain.TargetError(nil), res.Failures...)
	for i, s := range servers {
		node := s.NodeID()
		if !res.Succeeded(node) {
			p.deps.observeNode(p.Name(), "uninstall", fmt.Errorf("%s failed", node))
			progress.Error(fmt.Sprintf("%s: uninstall failed", s.Hostname))
			progress.Advance(i + 1)
			continue
		}
		p.deps.observeNode(p.Name(), "uninstall", nil)
		if err := p.deps.Registry.DeleteInstance(ctx, live[node].ID); err != nil {
			failures = append(failures, &domain.TargetError{Target: s.Hostname, Err: fmt.Errorf("%s: delete instance: %w", s.Hostname, err)})
		}
		progress.Advance(i + 1)
	}

	return queue.Collect("uninstall", len(nodes), failures)
}
