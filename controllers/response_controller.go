package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"replyflow/models"
	"replyflow/utils"
)

// ListResponsesQuery filters the response listing.
type ListResponsesQuery struct {
	NeedsAnalysis string `query:"needs_analysis" validate:"omitempty,oneof=true false"`
	CampaignID    uint   `query:"campaign_id"`
	MailboxID     uint   `query:"mailbox_id"`
	Page          int    `query:"page" validate:"omitempty,min=1"`
	Limit         int    `query:"limit" validate:"omitempty,min=1,max=200"`
}

type ResponseController struct {
	db     *gorm.DB
	logger logrus.FieldLogger
}

func NewResponseController(db *gorm.DB, logger logrus.FieldLogger) *ResponseController {
	return &ResponseController{
		db:     db,
		logger: logger,
	}
}

// ListResponses pages through recorded responses, newest first. With
// needs_analysis=true only human replies still awaiting analysis are listed.
func (rc *ResponseController) ListResponses(c *fiber.Ctx) error {
	var q ListResponsesQuery
	if err := c.QueryParser(&q); err != nil {
		return badRequest(c, "Invalid query parameters")
	}
	if err := utils.ValidateStruct(q); err != nil {
		return badRequest(c, err.Error())
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = 50
	}

	query := rc.db.WithContext(c.UserContext()).Model(&models.Response{})
	switch q.NeedsAnalysis {
	case "true":
		query = query.Where("analysis_status = ? AND is_auto_reply = ?", models.AnalysisPending, false)
	case "false":
		query = query.Where("(analysis_status <> ? OR is_auto_reply = ?)", models.AnalysisPending, true)
	}
	if q.CampaignID != 0 {
		query = query.Where("campaign_id = ?", q.CampaignID)
	}
	if q.MailboxID != 0 {
		query = query.Where("mailbox_id = ?", q.MailboxID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return respondError(c, rc.logger, err)
	}

	var responses []models.Response
	err := query.
		Order("received_at DESC, id DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&responses).Error
	if err != nil {
		return respondError(c, rc.logger, err)
	}

	return c.JSON(fiber.Map{
		"responses": responses,
		"total":     total,
		"page":      q.Page,
		"limit":     q.Limit,
	})
}
