package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/siderolabs/go-retry/retry"
)

var errTaskFinished = errors.New("task finished")

// TaskPoller submits jobs to the node-management service and waits for them to finish.
type TaskPoller struct {
	client   ports.NodeTaskClient
	interval time.Duration
	logger   *logger.Logger
}

func NewTaskPoller(client ports.NodeTaskClient, interval time.Duration, log *logger.Logger) *TaskPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &TaskPoller{client: client, interval: interval, logger: log}
}

func (p *TaskPoller) Submit(ctx context.Context, path string, body any) (string, error) {
	id, err := p.client.SubmitTask(ctx, path, body)
	if err != nil {
		return "", &domain.RemoteProtocolError{Op: "submit task", Err: err}
	}
	p.logger.Debugw("task_submitted", "task_id", id, "path", path)
	return id, nil
}

// Wait polls taskID until it succeeds or fails, or until timeout elapses. A failed task is a
// *domain.TaskFailure with the first failure message of its history; running out of time is
// a *domain.TimeoutError.
func (p *TaskPoller) Wait(ctx context.Context, taskID string, timeout time.Duration) (*domain.Task, error) {
	var (
		last    *domain.Task
		lastErr error
	)

	err := retry.Constant(timeout, retry.WithUnits(p.interval)).
		RetryWithContext(ctx, func(ctx context.Context) error {
			task, err := p.client.GetTask(ctx, taskID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					lastErr = fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
					return lastErr
				}
				lastErr = err
				return retry.ExpectedError(err)
			}
			last = task
			lastErr = nil
			if task.Status.Done() {
				return errTaskFinished
			}
			return retry.ExpectedError(fmt.Errorf("task %s is %s", taskID, task.Status))
		})

	switch {
	case last != nil && last.Status == domain.TaskStatusSuccess:
		p.logger.Debugw("task_success", "task_id", taskID)
		return last, nil
	case last != nil && last.Status == domain.TaskStatusFailure:
		p.logger.Warnw("task_failure", "task_id", taskID, "message", last.FirstFailure())
		return last, &domain.TaskFailure{Target: taskID, Message: last.FirstFailure()}
	case lastErr != nil && errors.Is(lastErr, ErrTaskNotFound):
		return nil, lastErr
	case ctx.Err() != nil:
		return last, ctx.Err()
	case err != nil:
		p.logger.Warnw("task_timeout", "task_id", taskID, "after", timeout, "last_error", lastErr)
		return last, &domain.TimeoutError{Op: "wait task", Target: taskID, After: timeout}
	}
	return last, nil
}
