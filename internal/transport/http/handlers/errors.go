package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/manifest"
	"github.com/netly/fleet/internal/transport/http/dto"
)

func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, services.ErrTaskNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &verr),
		errors.Is(err, manifest.ErrInvalidManifest),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrEmptyManifest),
		errors.Is(err, services.ErrServerInvalidInput),
		errors.Is(err, services.ErrServerInvalidAddress),
		errors.Is(err, services.ErrInstanceInvalidJob):
		return fiber.StatusBadRequest
	case errors.Is(err, services.ErrServerAlreadyExists), errors.Is(err, services.ErrRolloutInProgress):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(dto.ErrorResponse{Error: err.Error()})
}
