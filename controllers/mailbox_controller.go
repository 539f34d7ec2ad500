package controller

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replyflow/engine"
	"replyflow/models"
)

// MailboxPoller runs an on-demand poll pass.
type MailboxPoller interface {
	PollNow(ctx context.Context, mailboxID uint) (engine.PollResult, error)
}

type MailboxController struct {
	engine *engine.Engine
	poller MailboxPoller
	logger logrus.FieldLogger
}

func NewMailboxController(e *engine.Engine, poller MailboxPoller, logger logrus.FieldLogger) *MailboxController {
	return &MailboxController{
		engine: e,
		poller: poller,
		logger: logger,
	}
}

// GetMailbox returns the mailbox with its effective limit, warm-up progress
// and today's counters.
func (mc *MailboxController) GetMailbox(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "Invalid mailbox ID")
	}

	summary, err := mc.engine.MailboxSummary(c.UserContext(), id)
	if err != nil {
		return respondError(c, mc.logger, err)
	}
	return c.JSON(summary)
}

func (mc *MailboxController) PauseMailbox(c *fiber.Ctx) error {
	return mc.transition(c, "paused", mc.engine.PauseMailbox)
}

func (mc *MailboxController) ResumeMailbox(c *fiber.Ctx) error {
	return mc.transition(c, "resumed", mc.engine.ResumeMailbox)
}

func (mc *MailboxController) ClearMailboxError(c *fiber.Ctx) error {
	return mc.transition(c, "error_cleared", mc.engine.ClearMailboxError)
}

func (mc *MailboxController) transition(c *fiber.Ctx, action string, fn func(context.Context, uint) (*models.Mailbox, error)) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "Invalid mailbox ID")
	}

	mb, err := fn(c.UserContext(), id)
	if err != nil {
		return respondError(c, mc.logger, err)
	}

	mc.logger.WithFields(logrus.Fields{
		"mailbox_id": mb.ID,
		"action":     action,
		"status":     mb.Status,
	}).Info("Mailbox status changed")
	return c.JSON(fiber.Map{
		"message": "Mailbox " + action,
		"mailbox": mb,
	})
}

// PollMailbox polls the inbox now instead of waiting for the next pass.
func (mc *MailboxController) PollMailbox(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "Invalid mailbox ID")
	}

	result, err := mc.poller.PollNow(c.UserContext(), id)
	if err != nil {
		return respondError(c, mc.logger, err)
	}
	if result.TransportError != "" {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "Mailbox connection failed",
			"result": result,
		})
	}
	return c.JSON(fiber.Map{"result": result})
}
