package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/db"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/metrics"
	"github.com/netly/fleet/internal/manifest"
	transporthttp "github.com/netly/fleet/internal/transport/http"
	"github.com/netly/fleet/internal/transport/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubServers struct {
	ports.ServerService
	registered []ports.RegisterServerInput
}

func (s *stubServers) RegisterServer(_ context.Context, in ports.RegisterServerInput) (*domain.Server, error) {
	if in.Hostname == "taken" {
		return nil, services.ErrServerAlreadyExists
	}
	s.registered = append(s.registered, in)
	return &domain.Server{ID: 1, Hostname: in.Hostname, Address: in.Address, SSHPort: in.SSHPort, Status: domain.ServerStatusPending}, nil
}

func (s *stubServers) GetServer(_ context.Context, id uint) (*domain.Server, error) {
	return nil, &domain.NotFoundError{Kind: "server", Name: "2"}
}

type stubInstances struct {
	jobs []ports.InstanceJob
}

func (s *stubInstances) CreateInstanceAsync(_ context.Context, job ports.InstanceJob) (string, error) {
	if job.ImageID == "" {
		return "", services.ErrInstanceInvalidJob
	}
	s.jobs = append(s.jobs, job)
	return "task-1", nil
}

func (s *stubInstances) ListInstances(context.Context, uint) ([]domain.Instance, error) {
	return []domain.Instance{{ID: 1, ServiceID: 7, ServerID: 1, ImageID: "img-1"}}, nil
}

type stubRollouts struct {
	applied int
}

func (s *stubRollouts) Plan(_ context.Context, m *manifest.Manifest) (*services.Rollout, error) {
	return &services.Rollout{Summary: []string{"create service " + m.Procedures[0].Service}}, nil
}

func (s *stubRollouts) ApplyAsync(context.Context, *manifest.Manifest) (string, error) {
	s.applied++
	if s.applied > 1 {
		return "", services.ErrRolloutInProgress
	}
	return "task-9", nil
}

const rolloutYAML = `
scope: shop
procedures:
  - kind: service
    service: api
    image_name: shop-api
    selector: latest
`

type fixture struct {
	app       *fiber.App
	servers   *stubServers
	instances *stubInstances
	rollouts  *stubRollouts
	tasks     *services.TaskService
}

func newFixture(t *testing.T, adminKey string) *fixture {
	t.Helper()
	log := logger.NewNop()
	f := &fixture{
		app:       fiber.New(),
		servers:   &stubServers{},
		instances: &stubInstances{},
		rollouts:  &stubRollouts{},
		tasks:     services.NewTaskService(log),
	}
	cfg := &config.Config{Auth: config.AuthConfig{AdminAPIKey: adminKey}, NodeTasks: config.NodeTasksConfig{Token: "node-token"}}
	transporthttp.SetupRoutes(f.app, transporthttp.RouterConfig{
		Logger:    log,
		Config:    cfg,
		Servers:   f.servers,
		Instances: f.instances,
		Rollouts:  f.rollouts,
		Tasks:     f.tasks,
		Timeline:  db.NewTimelineRepoStub(log),
		Metrics:   metrics.New().Handler(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if strings.HasPrefix(strings.TrimSpace(body), "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestRouter_Rollouts(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, "POST", "/api/v1/rollouts/plan", rolloutYAML, "")
	require.Equal(t, fiber.StatusOK, code, body)
	var plan dto.RolloutPlanResponse
	require.NoError(t, json.Unmarshal([]byte(body), &plan))
	assert.Equal(t, []string{"create service api"}, plan.Summary)
	assert.Equal(t, []string{}, plan.Idle)

	code, body = f.do(t, "POST", "/api/v1/rollouts", rolloutYAML, "")
	require.Equal(t, fiber.StatusAccepted, code, body)
	assert.JSONEq(t, `{"task_id":"task-9"}`, body)

	code, _ = f.do(t, "POST", "/api/v1/rollouts", rolloutYAML, "")
	assert.Equal(t, fiber.StatusConflict, code)

	code, _ = f.do(t, "POST", "/api/v1/rollouts/plan", "scope: [", "")
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestRouter_InstanceJobsAndTasks(t *testing.T) {
	f := newFixture(t, "admin-key")

	code, _ := f.do(t, "POST", "/api/v1/services/7/instances", `{"server_id":1,"image_id":"img-1"}`, "")
	assert.Equal(t, fiber.StatusUnauthorized, code)

	code, body := f.do(t, "POST", "/api/v1/services/7/instances", `{"server_id":1,"image_id":"img-1"}`, "node-token")
	require.Equal(t, fiber.StatusAccepted, code, body)
	assert.JSONEq(t, `{"task_id":"task-1"}`, body)
	assert.Equal(t, []ports.InstanceJob{{ServiceID: 7, ServerID: 1, ImageID: "img-1"}}, f.instances.jobs)

	code, _ = f.do(t, "POST", "/api/v1/services/7/instances", `{"server_id":1}`, "admin-key")
	assert.Equal(t, fiber.StatusBadRequest, code)

	task := f.tasks.CreateTask("CREATE_INSTANCE")
	code, body = f.do(t, "GET", "/api/v1/tasks/"+task.ID, "", "node-token")
	require.Equal(t, fiber.StatusOK, code, body)
	var got domain.Task
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	code, _ = f.do(t, "GET", "/api/v1/tasks/missing", "", "node-token")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestRouter_Servers(t *testing.T) {
	f := newFixture(t, "admin-key")

	code, _ := f.do(t, "GET", "/api/v1/servers/2", "", "node-token")
	assert.Equal(t, fiber.StatusUnauthorized, code, "node token is not an admin key")

	code, body := f.do(t, "POST", "/api/v1/servers", `{"hostname":"node-1","address":"10.0.0.1","username":"root","password":"pw"}`, "admin-key")
	require.Equal(t, fiber.StatusCreated, code, body)
	assert.Equal(t, 22, f.servers.registered[0].SSHPort)
	assert.NotContains(t, body, "pw")

	code, body = f.do(t, "POST", "/api/v1/servers", `{"hostname":"node-1","address":"not-an-ip","username":"root"}`, "admin-key")
	require.Equal(t, fiber.StatusBadRequest, code)
	assert.Contains(t, body, "address is not a valid IP address")

	code, _ = f.do(t, "POST", "/api/v1/servers", `{"hostname":"taken","address":"10.0.0.2","username":"root","password":"pw"}`, "admin-key")
	assert.Equal(t, fiber.StatusConflict, code)

	code, _ = f.do(t, "GET", "/api/v1/servers/2", "", "admin-key")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, "")

	code, body := f.do(t, "GET", "/health", "", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	code, body = f.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, _ = f.do(t, "GET", "/ws/tasks/x", "", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, code)
}
