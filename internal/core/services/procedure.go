package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"text/template"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// RolloutSettings are the knobs every procedure shares.
type RolloutSettings struct {
	Concurrency       int
	DiscoveryTimeout  time.Duration
	DownloadTimeout   time.Duration
	InstallTimeout    time.Duration
	TaskTimeout       time.Duration
	FailOnUnreachable bool
	// CatalogURL is handed to command templates so nodes can fetch artifacts themselves.
	CatalogURL string
	// NatsURL is handed to the agent install command.
	NatsURL string
}

// ProcedureDeps bundles the collaborators procedures run against.
type ProcedureDeps struct {
	Registry  ports.ServiceRegistry
	Inventory ports.Inventory
	Catalog   ports.ImageCatalog
	Cache     ports.ImageCache
	Resolver  *ImageResolver
	// Transport reaches nodes through their agent.
	Transport ports.RemoteTransport
	// AgentTransport reaches nodes that have no agent yet.
	AgentTransport ports.RemoteTransport
	Uploader       ports.ArtifactUploader
	Channel        *RemoteChannel
	Tasks          *TaskPoller
	Progress       ports.ProgressSink
	Metrics        ports.Metrics
	Settings       RolloutSettings
	Logger         *logger.Logger
}

func (d *ProcedureDeps) progress() ports.ProgressSink {
	if d.Progress == nil {
		return ports.NopProgress{}
	}
	return d.Progress
}

func (d *ProcedureDeps) observeNode(procedure, phase string, err error) {
	if d.Metrics != nil {
		d.Metrics.ObserveNode(procedure, phase, err)
	}
}

// Commands are text/template strings rendered per node with CommandData.
type Commands struct {
	Download  string
	Install   string
	Uninstall string
}

type CommandData struct {
	Service    string
	Scope      string
	ImageID    string
	ImageName  string
	Version    string
	Node       string
	Path       string
	CatalogURL string
	NatsURL    string
}

func renderCommand(name, text string, data CommandData) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", &domain.ValidationError{Field: name + "_command", Reason: err.Error(), Err: ErrInvalidInput}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", &domain.ValidationError{Field: name + "_command", Reason: err.Error(), Err: ErrInvalidInput}
	}
	return buf.String(), nil
}

func checkPlan(name string, plan domain.Plan) error {
	if !plan.Prepared() {
		return ErrPlanNotPrepared
	}
	if plan.Procedure != name {
		return fmt.Errorf("%w: %q is not %q", ErrPlanMismatch, plan.Procedure, name)
	}
	return nil
}

// lookupService returns the scope and service, either of which may be nil when not registered.
func lookupService(ctx context.Context, registry ports.ServiceRegistry, scopeName, serviceName string) (*domain.Scope, *domain.Service, error) {
	scope, err := registry.GetScope(ctx, scopeName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get scope %s: %w", scopeName, err)
	}
	services, err := registry.ListServices(ctx, domain.ServiceFilter{ScopeID: &scope.ID, Names: []string{serviceName}})
	if err != nil {
		return nil, nil, fmt.Errorf("list services: %w", err)
	}
	if len(services) == 0 {
		return scope, nil, nil
	}
	svc := services[0]
	return scope, &svc, nil
}

// ensureScope creates the scope when it is missing.
func ensureScope(ctx context.Context, deps *ProcedureDeps, name string) (*domain.Scope, error) {
	scope, err := deps.Registry.GetScope(ctx, name)
	if err == nil {
		return scope, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get scope %s: %w", name, err)
	}
	scope, err = deps.Registry.CreateScope(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create scope %s: %w", name, err)
	}
	deps.progress().Info(fmt.Sprintf("created scope %s", name))
	return scope, nil
}

// missingDependencies returns the names in deps that are not registered in scope. A nil scope
// has none of them.
func missingDependencies(ctx context.Context, registry ports.ServiceRegistry, scope *domain.Scope, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	if scope == nil {
		return slices.Clone(deps), nil
	}
	existing, err := registry.ListServices(ctx, domain.ServiceFilter{ScopeID: &scope.ID, Names: deps})
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s.Name] = true
	}
	var missing []string
	for _, d := range deps {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// ensureDependencies fails when a declared dependency is not registered in the named scope. It
// only reads, so it runs before anything is created.
func ensureDependencies(ctx context.Context, registry ports.ServiceRegistry, scopeName, service string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	scope, err := registry.GetScope(ctx, scopeName)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("get scope %s: %w", scopeName, err)
		}
		scope = nil
	}
	missing, err := missingDependencies(ctx, registry, scope, deps)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return &domain.NotFoundError{
			Kind:   "dependency",
			Name:   missing[0],
			Remedy: fmt.Sprintf("roll out service %s in scope %s before %s", missing[0], scopeName, service),
		}
	}
	return nil
}

// ensureImage downloads image into the local cache unless it is already there.
func ensureImage(ctx context.Context, deps *ProcedureDeps, image domain.Image) error {
	if err := deps.Cache.Ensure(ctx); err != nil {
		return fmt.Errorf("%w: prepare cache: %v", ErrImageDownload, err)
	}
	has, err := deps.Cache.Has(ctx, image.ID)
	if err != nil {
		return fmt.Errorf("%w: check cache: %v", ErrImageDownload, err)
	}
	if has {
		return nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, deps.Settings.DownloadTimeout)
	defer cancel()

	dest := deps.Cache.PathFor(image.ID)
	deps.progress().Info(fmt.Sprintf("downloading image %s %s", image.Name, image.Version))
	started := time.Now()
	if err := deps.Catalog.GetImageFile(dlCtx, image.ID, dest); err != nil {
		if errors.Is(dlCtx.Err(), context.DeadlineExceeded) {
			return &domain.TimeoutError{Op: "download", Target: image.ID, After: deps.Settings.DownloadTimeout}
		}
		return fmt.Errorf("%w: %s: %v", ErrImageDownload, image.ID, err)
	}
	image.LocalPath = filepath.Clean(dest)
	if err := deps.Cache.Put(ctx, image); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrImageDownload, image.ID, err)
	}
	deps.Logger.Infow("image_download_ok", "image_id", image.ID, "duration", time.Since(started))
	return nil
}

// targetServers lists the servers named by hostnames, or every server when none are named.
// Unknown hostnames are a NotFoundError. With requireSetup, named servers without an agent are
// a NotFoundError carrying remedy, while unnamed ones are left out and returned as excluded.
func targetServers(ctx context.Context, inventory ports.Inventory, hostnames []string, requireSetup bool, remedy string) ([]domain.Server, map[string]string, error) {
	servers, err := inventory.ListServers(ctx, domain.ServerFilter{Hostnames: hostnames})
	if err != nil {
		return nil, nil, fmt.Errorf("list servers: %w", err)
	}
	excluded := map[string]string{}

	if len(hostnames) == 0 {
		out := make([]domain.Server, 0, len(servers))
		for _, s := range servers {
			if requireSetup && !s.Setup {
				excluded[s.Hostname] = "agent not installed"
				continue
			}
			out = append(out, s)
		}
		return out, excluded, nil
	}

	byHost := make(map[string]domain.Server, len(servers))
	for _, s := range servers {
		byHost[s.Hostname] = s
	}
	out := make([]domain.Server, 0, len(hostnames))
	for _, h := range hostnames {
		s, ok := byHost[h]
		if !ok {
			return nil, nil, &domain.NotFoundError{Kind: "server", Name: h, Remedy: "register it in the inventory first"}
		}
		if requireSetup && !s.Setup {
			return nil, nil, &domain.NotFoundError{Kind: "agent", Name: h, Remedy: remedy}
		}
		out = append(out, s)
	}
	return out, excluded, nil
}

// reachableServers runs discovery over servers and drops the ones that stay silent, unless the
// rollout is configured to fail on them.
func reachableServers(ctx context.Context, deps *ProcedureDeps, conn ports.RemoteConnection, servers []domain.Server) ([]domain.Server, error) {
	nodes := make([]string, len(servers))
	for i, s := range servers {
		nodes[i] = s.NodeID()
	}
	reachable, missing, err := deps.Channel.Discover(ctx, conn, nodes, deps.Settings.DiscoveryTimeout)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 && deps.Settings.FailOnUnreachable {
		return nil, &domain.RemoteProtocolError{
			Op:  "discover",
			Err: fmt.Errorf("%w: %d/%d nodes unreachable: %v", ErrNoReachableNodes, len(missing), len(nodes), missing),
		}
	}
	ok := make(map[string]bool, len(reachable))
	for _, n := range reachable {
		ok[n] = true
	}
	out := make([]domain.Server, 0, len(reachable))
	for _, s := range servers {
		if ok[s.NodeID()] {
			out = append(out, s)
		}
	}
	return out, nil
}

func hostnames(servers []domain.Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Hostname
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}
