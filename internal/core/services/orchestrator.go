package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// Step pairs a procedure with the plan it prepared.
type Step struct {
	Procedure ports.Procedure
	Plan      domain.Plan
}

// Rollout is the prepared, ordered set of procedures that have something to do.
type Rollout struct {
	Steps []Step
	// Idle names the procedures that found nothing to do.
	Idle    []string
	Summary []string
}

func (r *Rollout) Empty() bool {
	return len(r.Steps) == 0
}

// RolloutError reports the first failed procedure along with what already ran and what was
// never started. Re-running the rollout picks up the remaining work.
type RolloutError struct {
	Failed    string
	Completed []string
	Skipped   []string
	Err       error
}

func (e *RolloutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "procedure %s failed: %v", e.Failed, e.Err)
	if len(e.Completed) > 0 {
		fmt.Fprintf(&b, "\ncompleted: %s", strings.Join(e.Completed, ", "))
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, "\nnot started: %s", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

func (e *RolloutError) Unwrap() error { return e.Err }

// ConfirmFunc is shown the summary before anything changes and returns whether to go ahead.
type ConfirmFunc func(summary []string) (bool, error)

// Orchestrator runs procedures one after another. Later procedures may rely on what earlier
// ones created, so nothing here runs in parallel.
type Orchestrator struct {
	progress ports.ProgressSink
	metrics  ports.Metrics
	logger   *logger.Logger
}

func NewOrchestrator(progress ports.ProgressSink, metrics ports.Metrics, log *logger.Logger) *Orchestrator {
	if progress == nil {
		progress = ports.NopProgress{}
	}
	return &Orchestrator{progress: progress, metrics: metrics, logger: log}
}

// Plan prepares every procedure in order and collects the summaries of those with work to do.
func (o *Orchestrator) Plan(ctx context.Context, procedures []ports.Procedure) (*Rollout, error) {
	rollout := &Rollout{}
	for _, proc := range procedures {
		plan, err := proc.Prepare(ctx)
		if err != nil {
			o.logger.Warnw("procedure_prepare_failed", "procedure", proc.Name(), "error", err)
			return nil, fmt.Errorf("prepare %s: %w", proc.Name(), err)
		}
		if plan.NothingToDo() {
			rollout.Idle = append(rollout.Idle, proc.Name())
			continue
		}
		lines, err := proc.Summarize(plan)
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", proc.Name(), err)
		}
		rollout.Steps = append(rollout.Steps, Step{Procedure: proc, Plan: plan})
		rollout.Summary = append(rollout.Summary, lines...)
	}
	o.logger.Infow("rollout_plan_ok",
		"procedures", len(procedures),
		"actionable", len(rollout.Steps),
		"idle", rollout.Idle,
	)
	return rollout, nil
}

// Apply executes the steps in order and stops at the first failure.
func (o *Orchestrator) Apply(ctx context.Context, rollout *Rollout) error {
	var completed []string
	for i, step := range rollout.Steps {
		name := step.Procedure.Name()
		o.progress.Info(fmt.Sprintf("running %s", name))

		started := time.Now()
		err := step.Procedure.Execute(ctx, step.Plan)
		elapsed := time.Since(started)
		if o.metrics != nil {
			o.metrics.ObserveProcedure(name, elapsed.Seconds(), err)
		}

		if err != nil {
			skipped := make([]string, 0, len(rollout.Steps)-i-1)
			for _, rest := range rollout.Steps[i+1:] {
				skipped = append(skipped, rest.Procedure.Name())
			}
			o.logger.Errorw("procedure_execute_failed",
				"procedure", name,
				"duration", elapsed,
				"completed", completed,
				"skipped", skipped,
				"error", err,
			)
			o.progress.Error(fmt.Sprintf("%s failed: %v", name, err))
			return &RolloutError{Failed: name, Completed: completed, Skipped: skipped, Err: err}
		}

		completed = append(completed, name)
		o.logger.Infow("procedure_execute_ok", "procedure", name, "duration", elapsed)
	}
	return nil
}

// Run plans, asks confirm, then applies. A nil confirm applies without asking.
func (o *Orchestrator) Run(ctx context.Context, procedures []ports.Procedure, confirm ConfirmFunc) (*Rollout, error) {
	rollout, err := o.Plan(ctx, procedures)
	if err != nil {
		return nil, err
	}
	if rollout.Empty() {
		o.progress.Info("nothing to do")
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
	return rollout, o.Apply(ctx, rollout)
}
