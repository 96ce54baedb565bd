package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

// InstanceHandler is the node-management job API procedures submit instance creation to.
type InstanceHandler struct {
	service ports.InstanceService
	logger  *logger.Logger
}

func NewInstanceHandler(service ports.InstanceService, logger *logger.Logger) *InstanceHandler {
	return &InstanceHandler{service: service, logger: logger}
}

func (h *InstanceHandler) CreateInstance(c *fiber.Ctx) error {
	serviceID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid service id"})
	}

	var req dto.CreateInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("instance_create_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	taskID, err := h.service.CreateInstanceAsync(c.Context(), ports.InstanceJob{
		ServiceID: uint(serviceID),
		ServerID:  req.ServerID,
		ImageID:   req.ImageID,
	})
	if err != nil {
		h.logger.Warnw("instance_create_rejected", "service_id", serviceID, "error", err)
		return respondError(c, err)
	}

	h.logger.Infow("instance_create_accepted", "service_id", serviceID, "server_id", req.ServerID, "task_id", taskID)
	return c.Status(fiber.StatusAccepted).JSON(dto.TaskAcceptedResponse{TaskID: taskID})
}

func (h *InstanceHandler) ListInstances(c *fiber.Ctx) error {
	serviceID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid service id"})
	}
	instances, err := h.service.ListInstances(c.Context(), uint(serviceID))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(instances)
}
