package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"replyflow/engine"
)

type CampaignController struct {
	engine *engine.Engine
	logger logrus.FieldLogger
}

func NewCampaignController(e *engine.Engine, logger logrus.FieldLogger) *CampaignController {
	return &CampaignController{
		engine: e,
		logger: logger,
	}
}

// ActivateCampaign starts a draft or paused campaign and queues the first
// batch its mailbox has quota for.
func (cc *CampaignController) ActivateCampaign(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "Invalid campaign ID")
	}

	queued, err := cc.engine.ActivateCampaign(c.UserContext(), id)
	if err != nil {
		return respondError(c, cc.logger, err)
	}

	cc.logger.WithFields(logrus.Fields{
		"campaign_id": id,
		"queued":      queued,
	}).Info("Campaign activated")
	return c.JSON(fiber.Map{
		"message": "Campaign activated",
		"queued":  queued,
	})
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	id, ok := paramID(c)
	if !ok {
		return badRequest(c, "Invalid campaign ID")
	}

	if err := cc.engine.PauseCampaign(c.UserContext(), id); err != nil {
		return respondError(c, cc.logger, err)
	}

	cc.logger.WithField("campaign_id", id).Info("Campaign paused")
	return c.JSON(fiber.Map{"message": "Campaign paused"})
}
