package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/manifest"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type RolloutRunner interface {
	Plan(ctx context.Context, m *manifest.Manifest) (*services.Rollout, error)
	ApplyAsync(ctx context.Context, m *manifest.Manifest) (string, error)
}

// RolloutHandler takes manifests as YAML request bodies.
type RolloutHandler struct {
	runner RolloutRunner
	logger *logger.Logger
}

func NewRolloutHandler(runner RolloutRunner, logger *logger.Logger) *RolloutHandler {
	return &RolloutHandler{runner: runner, logger: logger}
}

func (h *RolloutHandler) Plan(c *fiber.Ctx) error {
	m, err := manifest.Parse(c.Body())
	if err != nil {
		return respondError(c, err)
	}

	rollout, err := h.runner.Plan(c.UserContext(), m)
	if err != nil {
		h.logger.Warnw("rollout_plan_failed", "error", err)
		return respondError(c, err)
	}
	return c.JSON(dto.RolloutPlanResponse{Summary: nonNil(rollout.Summary), Idle: nonNil(rollout.Idle)})
}

func (h *RolloutHandler) Apply(c *fiber.Ctx) error {
	m, err := manifest.Parse(c.Body())
	if err != nil {
		return respondError(c, err)
	}

	taskID, err := h.runner.ApplyAsync(c.UserContext(), m)
	if err != nil {
		h.logger.Warnw("rollout_apply_rejected", "error", err)
		return respondError(c, err)
	}
	h.logger.Infow("rollout_apply_accepted", "task_id", taskID, "procedures", len(m.Procedures))
	return c.Status(fiber.StatusAccepted).JSON(dto.TaskAcceptedResponse{TaskID: taskID})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
