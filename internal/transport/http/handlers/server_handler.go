package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/transport/http/dto"
)

type ServerHandler struct {
	service ports.ServerService
	logger  *logger.Logger
}

func NewServerHandler(service ports.ServerService, logger *logger.Logger) *ServerHandler {
	return &ServerHandler{service: service, logger: logger}
}

func (h *ServerHandler) CreateServer(c *fiber.Ctx) error {
	var req dto.CreateServerRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("server_create_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid request body",
		})
	}

	if errors := req.Validate(); len(errors) > 0 {
		h.logger.Warnw("server_create_validation_failed", "details", errors)
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error:   "validation failed",
			Details: errors,
		})
	}

	h.logger.Infow("server_create_request", "hostname", req.Hostname, "address", req.Address)
	server, err := h.service.RegisterServer(c.Context(), ports.RegisterServerInput{
		Hostname: req.Hostname,
		Address:  req.Address,
		SSHPort:  req.GetSSHPort(),
		User:     req.Username,
		Password: req.Password,
		SSHKey:   req.PrivateKey,
	})
	if err != nil {
		h.logger.Warnw("server_create_failed", "hostname", req.Hostname, "error", err)
		return respondError(c, err)
	}

	h.logger.Infow("server_create_success", "id", server.ID, "hostname", server.Hostname)
	return c.Status(fiber.StatusCreated).JSON(dto.ServerToResponse(server))
}

func (h *ServerHandler) GetServers(c *fiber.Ctx) error {
	servers, err := h.service.ListServers(c.Context())
	if err != nil {
		h.logger.Errorw("servers_list_failed", "error", err)
		return respondError(c, err)
	}
	return c.JSON(dto.ServersToResponse(servers))
}

func (h *ServerHandler) GetServer(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid server id",
		})
	}

	server, err := h.service.GetServer(c.Context(), uint(id))
	if err != nil {
		h.logger.Warnw("server_get_failed", "id", id, "error", err)
		return respondError(c, err)
	}
	return c.JSON(dto.ServerToResponse(server))
}

func (h *ServerHandler) DeleteServer(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: "invalid server id",
		})
	}

	if err := h.service.DeleteServer(c.Context(), uint(id)); err != nil {
		h.logger.Warnw("server_delete_failed", "id", id, "error", err)
		return respondError(c, err)
	}
	h.logger.Infow("server_delete_success", "id", id)
	return c.SendStatus(fiber.StatusNoContent)
}
