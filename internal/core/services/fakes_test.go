package services_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// ==================== Registry ====================

type fakeRegistry struct {
	mu        sync.Mutex
	nextID    uint
	scopes    map[string]*domain.Scope
	services  []domain.Service
	instances []domain.Instance
	mutations int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nextID: 100, scopes: map[string]*domain.Scope{}}
}

func (r *fakeRegistry) id() uint {
	r.nextID++
	return r.nextID
}

func (r *fakeRegistry) Mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutations
}

func (r *fakeRegistry) addScope(name string) *domain.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &domain.Scope{ID: r.id(), Name: name}
	r.scopes[name] = s
	return s
}

func (r *fakeRegistry) addService(svc domain.Service) domain.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc.ID = r.id()
	r.services = append(r.services, svc)
	return svc
}

func (r *fakeRegistry) addInstance(serviceID, serverID uint, imageID string) domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst := domain.Instance{ID: r.id(), ServiceID: serviceID, ServerID: serverID, ImageID: imageID}
	r.instances = append(r.instances, inst)
	return inst
}

func (r *fakeRegistry) service(name string) (domain.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if s.Name == name {
			return s, true
		}
	}
	return domain.Service{}, false
}

func (r *fakeRegistry) instanceImages(serviceID uint) map[uint]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uint]string{}
	for _, inst := range r.instances {
		if inst.ServiceID == serviceID {
			out[inst.ServerID] = inst.ImageID
		}
	}
	return out
}

func (r *fakeRegistry) GetScope(_ context.Context, name string) (*domain.Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[name]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "scope", Name: name}
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRegistry) CreateScope(_ context.Context, name string) (*domain.Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations++
	s := &domain.Scope{ID: r.id(), Name: name}
	r.scopes[name] = s
	cp := *s
	return &cp, nil
}

func (r *fakeRegistry) ListServices(_ context.Context, f domain.ServiceFilter) ([]domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Service
	for _, s := range r.services {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, s.ID) {
			continue
		}
		if f.ScopeID != nil && s.ScopeID != *f.ScopeID {
			continue
		}
		if len(f.Names) > 0 && !slices.Contains(f.Names, s.Name) {
			continue
		}
		if f.Kind != "" && s.Kind != f.Kind {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRegistry) CreateService(_ context.Context, name string, scopeID uint, spec domain.ServiceSpec) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations++
	svc := domain.Service{
		ID:           r.id(),
		ScopeID:      scopeID,
		Name:         name,
		Kind:         spec.Kind,
		ImageName:    spec.ImageName,
		ImageID:      spec.ImageID,
		Dependencies: spec.Dependencies,
	}
	r.services = append(r.services, svc)
	return &svc, nil
}

func (r *fakeRegistry) UpdateService(_ context.Context, id uint, patch domain.ServicePatch) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.services {
		if r.services[i].ID != id {
			continue
		}
		r.mutations++
		if patch.ImageID != nil {
			r.services[i].ImageID = *patch.ImageID
		}
		if patch.Dependencies != nil {
			r.services[i].Dependencies = patch.Dependencies
		}
		cp := r.services[i]
		return &cp, nil
	}
	return nil, &domain.NotFoundError{Kind: "service", Name: fmt.Sprint(id)}
}

func (r *fakeRegistry) ListInstances(_ context.Context, f domain.InstanceFilter) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Instance
	for _, inst := range r.instances {
		if f.ServiceID != nil && inst.ServiceID != *f.ServiceID {
			continue
		}
		if len(f.ServerIDs) > 0 && !slices.Contains(f.ServerIDs, inst.ServerID) {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *fakeRegistry) CreateInstance(_ context.Context, serviceID, serverID uint, imageID string) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations++
	inst := domain.Instance{ID: r.id(), ServiceID: serviceID, ServerID: serverID, ImageID: imageID}
	r.instances = append(r.instances, inst)
	return &inst, nil
}

func (r *fakeRegistry) UpdateInstance(_ context.Context, id uint, imageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ID == id {
			r.mutations++
			r.instances[i].ImageID = imageID
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "instance", Name: fmt.Sprint(id)}
}

func (r *fakeRegistry) DeleteInstance(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ID == id {
			r.mutations++
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "instance", Name: fmt.Sprint(id)}
}

// ==================== Inventory ====================

type fakeInventory struct {
	mu        sync.Mutex
	servers   []domain.Server
	mutations int
}

func newFakeInventory(servers ...domain.Server) *fakeInventory {
	return &fakeInventory{servers: servers}
}

// fleet returns n set-up servers named node-1..node-n with ids 1..n.
func fleet(n int, setup bool) []domain.Server {
	out := make([]domain.Server, n)
	for i := range out {
		out[i] = domain.Server{
			ID:       uint(i + 1),
			Hostname: fmt.Sprintf("node-%d", i+1),
			Address:  fmt.Sprintf("10.0.0.%d", i+1),
			Setup:    setup,
		}
	}
	return out
}

func (inv *fakeInventory) Mutations() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.mutations
}

func (inv *fakeInventory) ListServers(_ context.Context, f domain.ServerFilter) ([]domain.Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var out []domain.Server
	for _, s := range inv.servers {
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, s.ID) {
			continue
		}
		if len(f.Hostnames) > 0 && !slices.Contains(f.Hostnames, s.Hostname) {
			continue
		}
		if f.Setup != nil && s.Setup != *f.Setup {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (inv *fakeInventory) MarkSetup(_ context.Context, id uint) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := range inv.servers {
		if inv.servers[i].ID == id {
			inv.mutations++
			inv.servers[i].Setup = true
			inv.servers[i].Status = domain.ServerStatusOnline
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "server", Name: fmt.Sprint(id)}
}

func (inv *fakeInventory) Create(_ context.Context, server *domain.Server) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.mutations++
	server.ID = uint(len(inv.servers) + 1)
	inv.servers = append(inv.servers, *server)
	return nil
}

func (inv *fakeInventory) GetByID(_ context.Context, id uint) (*domain.Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, s := range inv.servers {
		if s.ID == id {
			cp := s
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "server", Name: fmt.Sprint(id)}
}

func (inv *fakeInventory) GetByHostname(_ context.Context, hostname string) (*domain.Server, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, s := range inv.servers {
		if s.Hostname == hostname {
			cp := s
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "server", Name: hostname}
}

func (inv *fakeInventory) Delete(_ context.Context, id uint) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i, s := range inv.servers {
		if s.ID == id {
			inv.mutations++
			inv.servers = append(inv.servers[:i], inv.servers[i+1:]...)
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "server", Name: fmt.Sprint(id)}
}

// ==================== Images ====================

type fakeCatalog struct {
	mu        sync.Mutex
	images    []domain.Image
	downloads []string
	failFetch error
}

func (c *fakeCatalog) Downloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.downloads)
}

func (c *fakeCatalog) ListImages(_ context.Context, f domain.ImageFilter) ([]domain.Image, error) {
	return filterImages(c.images, f), nil
}

func (c *fakeCatalog) GetImage(_ context.Context, id string) (*domain.Image, error) {
	for _, img := range c.images {
		if img.ID == id {
			cp := img
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Kind: "image", Name: id}
}

func (c *fakeCatalog) GetImageFile(_ context.Context, id, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFetch != nil {
		return c.failFetch
	}
	c.downloads = append(c.downloads, id)
	return nil
}

type fakeCache struct {
	mu     sync.Mutex
	images map[string]domain.Image
	puts   int
}

func newFakeCache(images ...domain.Image) *fakeCache {
	c := &fakeCache{images: map[string]domain.Image{}}
	for _, img := range images {
		img.LocalPath = "/cache/" + img.ID
		c.images[img.ID] = img
	}
	return c
}

func (c *fakeCache) Puts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts
}

func (c *fakeCache) ListImages(_ context.Context, f domain.ImageFilter) ([]domain.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make([]domain.Image, 0, len(c.images))
	for _, img := range c.images {
		all = append(all, img)
	}
	// Channel is a catalog concern; the cache holds whatever was downloaded.
	f.Channel = ""
	return filterImages(all, f), nil
}

func (c *fakeCache) GetImage(_ context.Context, id string) (*domain.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "image", Name: id}
	}
	return &img, nil
}

func (c *fakeCache) Has(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.images[id]
	return ok, nil
}

func (c *fakeCache) Put(_ context.Context, img domain.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	c.images[img.ID] = img
	return nil
}

func (c *fakeCache) PathFor(id string) string { return "/cache/" + id }

func (c *fakeCache) Ensure(context.Context) error { return nil }

func filterImages(images []domain.Image, f domain.ImageFilter) []domain.Image {
	var out []domain.Image
	for _, img := range images {
		if f.Name != "" && img.Name != f.Name {
			continue
		}
		if f.Version != "" && img.Version != f.Version {
			continue
		}
		if f.Channel != "" && img.Channel != f.Channel {
			continue
		}
		out = append(out, img)
	}
	return out
}

// ==================== Remote ====================

// reply scripts how a node answers a command. silent nodes never answer.
type reply struct {
	exit   int
	output string
	err    error
	silent bool
}

type dispatched struct {
	node    string
	command string
}

type fakeTransport struct {
	mu          sync.Mutex
	unreachable map[string]bool
	respond     func(node, command string) reply
	dispatches  []dispatched
	openErr     error
	probeErr    error
	// probeFail answers the probe with an error for the listed nodes.
	probeFail map[string]error
	// holdOpen keeps streams open until the context ends.
	holdOpen bool
	opened   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{unreachable: map[string]bool{}}
}

func (t *fakeTransport) Dispatches() []dispatched {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.dispatches)
}

func (t *fakeTransport) Open(context.Context) (ports.RemoteConnection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opened++
	return &fakeConn{t: t}, nil
}

type fakeConn struct {
	t *fakeTransport
}

func (c *fakeConn) Probe(ctx context.Context, nodes []string) (<-chan ports.NodeEvent, error) {
	if c.t.probeErr != nil {
		return nil, c.t.probeErr
	}
	out := make(chan ports.NodeEvent, len(nodes)+1)
	go func() {
		defer close(out)
		silent := false
		for _, n := range nodes {
			c.t.mu.Lock()
			down := c.t.unreachable[n]
			fail := c.t.probeFail[n]
			c.t.mu.Unlock()
			if down {
				silent = true
				continue
			}
			out <- ports.NodeEvent{Node: n, Err: fail}
		}
		if silent || c.t.holdOpen {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (c *fakeConn) Dispatch(ctx context.Context, nodes []string, command string) (<-chan ports.NodeEvent, error) {
	out := make(chan ports.NodeEvent, len(nodes)+1)
	go func() {
		defer close(out)
		silent := false
		for _, n := range nodes {
			c.t.mu.Lock()
			c.t.dispatches = append(c.t.dispatches, dispatched{node: n, command: command})
			respond := c.t.respond
			c.t.mu.Unlock()

			r := reply{}
			if respond != nil {
				r = respond(n, command)
			}
			if r.silent {
				silent = true
				continue
			}
			out <- ports.NodeEvent{Node: n, ExitStatus: r.exit, Output: r.output, Err: r.err}
		}
		if silent {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeUploader struct {
	mu      sync.Mutex
	uploads []string
	fail    map[string]error
}

func (u *fakeUploader) Uploads() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.uploads)
}

func (u *fakeUploader) Upload(_ context.Context, server domain.Server, localPath, remotePath string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.fail[server.Hostname]; err != nil {
		return err
	}
	u.uploads = append(u.uploads, server.Hostname+":"+localPath+"->"+remotePath)
	return nil
}

// ==================== Node tasks ====================

type fakeTaskClient struct {
	mu       sync.Mutex
	next     int
	tasks    map[string]*domain.Task
	polls    map[string]int
	bodies   []any
	onSubmit func(path string, body any) *domain.Task
	getErr   error
}

func newFakeTaskClient() *fakeTaskClient {
	return &fakeTaskClient{tasks: map[string]*domain.Task{}, polls: map[string]int{}}
}

func (c *fakeTaskClient) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *fakeTaskClient) put(task *domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
}

func (c *fakeTaskClient) SubmitTask(_ context.Context, path string, body any) (string, error) {
	c.mu.Lock()
	c.next++
	id := fmt.Sprintf("task-%d", c.next)
	c.bodies = append(c.bodies, body)
	hook := c.onSubmit
	c.mu.Unlock()

	task := &domain.Task{ID: id, Status: domain.TaskStatusSuccess}
	if hook != nil {
		if t := hook(path, body); t != nil {
			task = t
			task.ID = id
		}
	}
	c.put(task)
	return id, nil
}

func (c *fakeTaskClient) GetTask(_ context.Context, id string) (*domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[id]++
	if c.getErr != nil {
		return nil, c.getErr
	}
	t, ok := c.tasks[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "task", Name: id}
	}
	cp := *t
	return &cp, nil
}

// ==================== Progress & metrics ====================

type recordingProgress struct {
	mu     sync.Mutex
	infos  []string
	errors []string
	ends   int
	last   int
}

func (p *recordingProgress) Info(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, msg)
}

func (p *recordingProgress) Error(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, msg)
}

func (p *recordingProgress) StartProgress(string, int) {}

func (p *recordingProgress) Advance(done int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = done
}

func (p *recordingProgress) EndProgress() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ends++
}

func (p *recordingProgress) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.errors)
}

type recordingMetrics struct {
	mu         sync.Mutex
	nodes      map[string]int
	procedures map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{nodes: map[string]int{}, procedures: map[string]int{}}
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *recordingMetrics) ObserveNode(procedure, phase string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[phase+":"+outcome(err)]++
}

func (m *recordingMetrics) ObserveProcedure(procedure string, _ float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procedures[procedure+":"+outcome(err)]++
}

// ==================== Harness ====================

type harness struct {
	registry  *fakeRegistry
	inventory *fakeInventory
	catalog   *fakeCatalog
	cache     *fakeCache
	transport *fakeTransport
	ssh       *fakeTransport
	tasks     *fakeTaskClient
	uploader  *fakeUploader
	progress  *recordingProgress
	metrics   *recordingMetrics
	deps      *services.ProcedureDeps
}

func newHarness(t *testing.T, servers []domain.Server, catalog []domain.Image, cached ...domain.Image) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		registry:  newFakeRegistry(),
		inventory: newFakeInventory(servers...),
		catalog:   &fakeCatalog{images: catalog},
		cache:     newFakeCache(cached...),
		transport: newFakeTransport(),
		ssh:       newFakeTransport(),
		tasks:     newFakeTaskClient(),
		uploader:  &fakeUploader{},
		progress:  &recordingProgress{},
		metrics:   newRecordingMetrics(),
	}

	// The node-management service registers the instance once its job succeeds.
	h.tasks.onSubmit = func(_ string, body any) *domain.Task {
		job, ok := body.(ports.InstanceJob)
		if !ok {
			return nil
		}
		_, _ = h.registry.CreateInstance(context.Background(), job.ServiceID, job.ServerID, job.ImageID)
		return nil
	}

	h.deps = &services.ProcedureDeps{
		Registry:       h.registry,
		Inventory:      h.inventory,
		Catalog:        h.catalog,
		Cache:          h.cache,
		Resolver:       services.NewImageResolver(h.catalog, h.cache, log),
		Transport:      h.transport,
		AgentTransport: h.ssh,
		Uploader:       h.uploader,
		Channel:        services.NewRemoteChannel(h.progress, log),
		Tasks:          services.NewTaskPoller(h.tasks, 5*time.Millisecond, log),
		Progress:       h.progress,
		Metrics:        h.metrics,
		Settings: services.RolloutSettings{
			Concurrency:      3,
			DiscoveryTimeout: 50 * time.Millisecond,
			DownloadTimeout:  time.Second,
			InstallTimeout:   time.Second,
			TaskTimeout:      time.Second,
			CatalogURL:       "https://images.example.com",
		},
		Logger: log,
	}
	return h
}

// mutations counts every write made against the registry, inventory, cache, catalog and nodes.
func (h *harness) mutations() int {
	return h.registry.Mutations() +
		h.inventory.Mutations() +
		h.cache.Puts() +
		len(h.catalog.Downloads()) +
		len(h.transport.Dispatches()) +
		len(h.ssh.Dispatches()) +
		h.tasks.Submitted() +
		len(h.uploader.Uploads())
}

func image(id, name, version string) domain.Image {
	return domain.Image{
		ID:          id,
		Name:        name,
		Version:     version,
		Channel:     "stable",
		PublishedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var errBoom = errors.New("boom")
