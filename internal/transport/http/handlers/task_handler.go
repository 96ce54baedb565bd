package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

type TaskSource interface {
	GetTask(id string) (*domain.Task, error)
	Subscribe(id string) (*domain.Task, <-chan domain.TaskEvent, func(), error)
}

type TaskHandler struct {
	tasks  TaskSource
	logger *logger.Logger
}

func NewTaskHandler(tasks TaskSource, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

func (h *TaskHandler) GetTask(c *fiber.Ctx) error {
	task, err := h.tasks.GetTask(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(task)
}

// Stream sends the task snapshot, then each event until the task finishes.
func (h *TaskHandler) Stream(c *websocket.Conn) {
	defer c.Close()

	id := c.Params("id")
	task, events, cancel, err := h.tasks.Subscribe(id)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"error": err.Error()})
		return
	}
	defer cancel()

	h.logger.Debugw("task_stream_open", "task_id", id)
	if err := c.WriteJSON(task); err != nil {
		return
	}
	for ev := range events {
		if err := c.WriteJSON(ev); err != nil {
			h.logger.Debugw("task_stream_write_failed", "task_id", id, "error", err)
			return
		}
	}
	h.logger.Debugw("task_stream_closed", "task_id", id)
}
