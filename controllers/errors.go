package controller

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"replyflow/engine"
	"replyflow/utils"
)

// respondError maps engine and storage errors onto HTTP statuses.
func respondError(c *fiber.Ctx, log logrus.FieldLogger, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrMailboxUnavailable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, engine.ErrNoMailbox), errors.Is(err, engine.ErrCampaignInactive):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	}

	utils.LogError(log, "http_request", err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}

// paramID parses the :id route parameter.
func paramID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}
