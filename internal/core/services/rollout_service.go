package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/manifest"
)

const TaskTypeRollout = "ROLLOUT"

// ProcedureBuilder turns a manifest into procedures.
type ProcedureBuilder interface {
	Build(m *manifest.Manifest) ([]ports.Procedure, error)
}

// RolloutService exposes planning and applying manifests to the HTTP API. Only one rollout
// applies at a time.
type RolloutService struct {
	builder      ProcedureBuilder
	orchestrator *Orchestrator
	tasks        *TaskService
	logger       *logger.Logger
	recorder     ports.RunRecorder
	running      sync.Mutex
}

func NewRolloutService(builder ProcedureBuilder, orchestrator *Orchestrator, tasks *TaskService, log *logger.Logger) *RolloutService {
	return &RolloutService{builder: builder, orchestrator: orchestrator, tasks: tasks, logger: log}
}

// SetRecorder makes every applied rollout a recorded run.
func (s *RolloutService) SetRecorder(r ports.RunRecorder) {
	s.recorder = r
}

func (s *RolloutService) Plan(ctx context.Context, m *manifest.Manifest) (*Rollout, error) {
	procs, err := s.builder.Build(m)
	if err != nil {
		return nil, err
	}
	return s.orchestrator.Plan(ctx, procs)
}

// Apply plans m, asks confirm and applies on the caller's goroutine. It returns the rollout even
// when applying fails, so the caller can show what was planned.
func (s *RolloutService) Apply(ctx context.Context, m *manifest.Manifest, confirm ConfirmFunc) (*Rollout, error) {
	procs, err := s.builder.Build(m)
	if err != nil {
		return nil, err
	}
	if !s.running.TryLock() {
		return nil, ErrRolloutInProgress
	}
	defer s.running.Unlock()

	rollout, err := s.orchestrator.Plan(ctx, procs)
	if err != nil {
		return nil, err
	}
	if rollout.Empty() {
		return rollout, nil
	}
	if confirm != nil {
		ok, err := confirm(rollout.Summary)
		if err != nil {
			return rollout, err
		}
		if !ok {
			return rollout, ErrRolloutDeclined
		}
	}
	return rollout, s.apply(ctx, uuid.NewString(), rollout)
}

func (s *RolloutService) apply(ctx context.Context, runID string, rollout *Rollout) error {
	if s.recorder != nil {
		s.recorder.BeginRun(runID, rollout.Summary)
	}
	err := s.orchestrator.Apply(ctx, rollout)
	if s.recorder != nil {
		s.recorder.EndRun(runID, err)
	}
	if err != nil {
		s.logger.Errorw("rollout_apply_failed", "run_id", runID, "error", err)
		return err
	}
	s.logger.Infow("rollout_apply_ok", "run_id", runID, "procedures", len(rollout.Steps))
	return nil
}

// ApplyAsync plans and applies m in a background task and returns the task id. The task id
// doubles as the run id of the timeline.
func (s *RolloutService) ApplyAsync(ctx context.Context, m *manifest.Manifest) (string, error) {
	procs, err := s.builder.Build(m)
	if err != nil {
		return "", err
	}
	if !s.running.TryLock() {
		return "", ErrRolloutInProgress
	}

	task := s.tasks.Start(context.WithoutCancel(ctx), TaskTypeRollout, func(ctx context.Context, report func(int, string)) (domain.JSONB, error) {
		defer s.running.Unlock()

		rollout, err := s.orchestrator.Plan(ctx, procs)
		if err != nil {
			return nil, err
		}
		report(10, "planned")
		if rollout.Empty() {
			return domain.JSONB{"summary": []string{}, "idle": rollout.Idle}, nil
		}
		if err := s.apply(ctx, TaskIDFrom(ctx), rollout); err != nil {
			return nil, err
		}
		return domain.JSONB{"summary": rollout.Summary, "idle": rollout.Idle}, nil
	})
	s.logger.Infow("rollout_started", "task_id", task.ID, "procedures", len(procs))
	return task.ID, nil
}
