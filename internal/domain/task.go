package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
)

// Done reports whether the status is terminal.
func (s TaskStatus) Done() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

type TaskEvent struct {
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

type Task struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // e.g., "CREATE_INSTANCE"
	Status    TaskStatus  `json:"status"`
	Progress  int         `json:"progress"` // 0-100
	Message   string      `json:"message"`
	Error     string      `json:"error,omitempty"`
	Result    JSONB       `json:"result,omitempty"`
	Events    []TaskEvent `json:"events"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// FirstFailure returns the message of the earliest failure event, or the task error.
func (t *Task) FirstFailure() string {
	for _, ev := range t.Events {
		if ev.Status == TaskStatusFailure && ev.Message != "" {
			return ev.Message
		}
	}
	if t.Error != "" {
		return t.Error
	}
	return "task failed"
}
