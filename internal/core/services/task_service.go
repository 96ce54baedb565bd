package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// TaskFunc is the body of an asynchronous task. report moves the task forward.
type TaskFunc func(ctx context.Context, report func(progress int, msg string)) (domain.JSONB, error)

type TaskService struct {
	tasks       map[string]*domain.Task
	subscribers map[string][]chan domain.TaskEvent
	mu          sync.RWMutex
	logger      *logger.Logger
}

func NewTaskService(log *logger.Logger) *TaskService {
	return &TaskService{
		tasks:       make(map[string]*domain.Task),
		subscribers: make(map[string][]chan domain.TaskEvent),
		logger:      log,
	}
}

// ==================== Task Management ====================

func (s *TaskService) CreateTask(taskType string) *domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	task := &domain.Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Status:    domain.TaskStatusPending,
		Message:   "Task initialized",
		Events:    []domain.TaskEvent{{Status: domain.TaskStatusPending, Message: "Task initialized", At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.tasks[task.ID] = task
	return copyTask(task)
}

func (s *TaskService) UpdateTask(id string, progress int, msg string) error {
	return s.transition(id, domain.TaskStatusRunning, progress, msg, "", nil)
}

func (s *TaskService) CompleteTask(id string, result domain.JSONB) error {
	return s.transition(id, domain.TaskStatusSuccess, 100, "Task completed", "", result)
}

func (s *TaskService) FailTask(id string, errStr string) error {
	return s.transition(id, domain.TaskStatusFailure, -1, errStr, errStr, nil)
}

func (s *TaskService) transition(id string, status domain.TaskStatus, progress int, msg, errStr string, result domain.JSONB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Done() {
		return nil
	}

	now := time.Now()
	task.Status = status
	if progress >= 0 {
		task.Progress = progress
	}
	task.Message = msg
	if errStr != "" {
		task.Error = errStr
	}
	if result != nil {
		task.Result = result
	}
	task.UpdatedAt = now

	ev := domain.TaskEvent{Status: status, Message: msg, At: now}
	task.Events = append(task.Events, ev)

	for _, ch := range s.subscribers[id] {
		select {
		case ch <- ev:
		default:
		}
	}
	if status.Done() {
		for _, ch := range s.subscribers[id] {
			close(ch)
		}
		delete(s.subscribers, id)
	}
	return nil
}

func (s *TaskService) GetTask(id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return copyTask(task), nil
}

// Subscribe streams the events of task id after the current snapshot. The channel is closed
// when the task finishes or cancel is called. Slow readers miss events rather than block.
func (s *TaskService) Subscribe(id string) (*domain.Task, <-chan domain.TaskEvent, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[id]
	if !exists {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	ch := make(chan domain.TaskEvent, 16)
	if task.Status.Done() {
		close(ch)
		return copyTask(task), ch, func() {}, nil
	}
	s.subscribers[id] = append(s.subscribers[id], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subscribers[id]
			for i, c := range subs {
				if c == ch {
					s.subscribers[id] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return copyTask(task), ch, cancel, nil
}

type taskIDKey struct{}

// TaskIDFrom returns the id of the task whose body runs with ctx, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// Start creates a task of taskType and runs fn in the background.
func (s *TaskService) Start(ctx context.Context, taskType string, fn TaskFunc) *domain.Task {
	task := s.CreateTask(taskType)
	ctx = context.WithValue(ctx, taskIDKey{}, task.ID)
	go func() {
		_ = s.UpdateTask(task.ID, 0, "Task started")
		result, err := fn(ctx, func(progress int, msg string) {
			_ = s.UpdateTask(task.ID, progress, msg)
		})
		if err != nil {
			s.logger.Warnw("task_failed", "task_id", task.ID, "type", taskType, "error", err)
			_ = s.FailTask(task.ID, err.Error())
			return
		}
		s.logger.Infow("task_completed", "task_id", task.ID, "type", taskType)
		_ = s.CompleteTask(task.ID, result)
	}()
	return task
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	cp.Events = append([]domain.TaskEvent(nil), t.Events...)
	return &cp
}
