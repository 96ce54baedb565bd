package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPoller_Wait(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		task  *domain.Task
		check func(t *testing.T, task *domain.Task, err error)
	}{
		{
			name: "success",
			task: &domain.Task{ID: "t1", Status: domain.TaskStatusSuccess},
			check: func(t *testing.T, task *domain.Task, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.TaskStatusSuccess, task.Status)
			},
		},
		{
			name: "failure reports the first failure event",
			task: &domain.Task{
				ID:     "t1",
				Status: domain.TaskStatusFailure,
				Error:  "rollback failed",
				Events: []domain.TaskEvent{
					{Status: domain.TaskStatusRunning, Message: "copying"},
					{Status: domain.TaskStatusFailure, Message: "image checksum mismatch"},
					{Status: domain.TaskStatusFailure, Message: "rollback failed"},
				},
			},
			check: func(t *testing.T, _ *domain.Task, err error) {
				var failure *domain.TaskFailure
				require.ErrorAs(t, err, &failure)
				assert.Equal(t, "t1", failure.Target)
				assert.Equal(t, "image checksum mismatch", failure.Message)
			},
		},
		{
			name: "timeout while running",
			task: &domain.Task{ID: "t1", Status: domain.TaskStatusRunning},
			check: func(t *testing.T, _ *domain.Task, err error) {
				var timeout *domain.TimeoutError
				require.ErrorAs(t, err, &timeout)
				assert.Equal(t, "t1", timeout.Target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeTaskClient()
			client.put(tt.task)
			poller := services.NewTaskPoller(client, 5*time.Millisecond, logger.NewNop())

			task, err := poller.Wait(ctx, "t1", 60*time.Millisecond)
			tt.check(t, task, err)
		})
	}
}

func TestTaskPoller_EventuallySucceeds(t *testing.T) {
	client := newFakeTaskClient()
	client.put(&domain.Task{ID: "t1", Status: domain.TaskStatusRunning})
	poller := services.NewTaskPoller(client, 5*time.Millisecond, logger.NewNop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.put(&domain.Task{ID: "t1", Status: domain.TaskStatusSuccess})
	}()

	task, err := poller.Wait(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSuccess, task.Status)
	client.mu.Lock()
	assert.Greater(t, client.polls["t1"], 1)
	client.mu.Unlock()
}

func TestTaskPoller_NotFound(t *testing.T) {
	poller := services.NewTaskPoller(newFakeTaskClient(), 5*time.Millisecond, logger.NewNop())

	_, err := poller.Wait(context.Background(), "missing", time.Second)
	require.ErrorIs(t, err, services.ErrTaskNotFound)
}

func TestTaskPoller_TransientErrorsAreRetried(t *testing.T) {
	client := newFakeTaskClient()
	client.put(&domain.Task{ID: "t1", Status: domain.TaskStatusSuccess})
	client.getErr = errBoom
	poller := services.NewTaskPoller(client, 5*time.Millisecond, logger.NewNop())

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.mu.Lock()
		client.getErr = nil
		client.mu.Unlock()
	}()

	_, err := poller.Wait(context.Background(), "t1", time.Second)
	require.NoError(t, err)
}
