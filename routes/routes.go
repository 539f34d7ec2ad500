package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	controller "replyflow/controllers"
	"replyflow/engine"
	"replyflow/middleware"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Dependencies are what the admin routes need.
type Dependencies struct {
	Engine *engine.Engine
	Poller controller.MailboxPoller
	Hub    *controller.EventHub
	Logger logrus.FieldLogger

	CORS middleware.CORSConfig
	// PollLimit caps manual polls per mailbox per minute.
	PollLimit   int
	PollStorage fiber.Storage
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	app.Use(recover.New())
	app.Use(middleware.CORS(deps.CORS))

	app.Get("/health", controller.Health(deps.Engine.DB(), Version))

	mailboxController := controller.NewMailboxController(deps.Engine, deps.Poller, deps.Logger.WithField("controller", "mailbox"))
	campaignController := controller.NewCampaignController(deps.Engine, deps.Logger.WithField("controller", "campaign"))
	responseController := controller.NewResponseController(deps.Engine.DB(), deps.Logger.WithField("controller", "response"))

	// Websocket stream of engine events
	app.Use("/api/v1/events", deps.Hub.Upgrade)
	app.Get("/api/v1/events", websocket.New(deps.Hub.Serve))

	api := app.Group("/api/v1", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Mailbox routes
	mailbox := api.Group("/mailboxes")
	mailbox.Get("/:id", mailboxController.GetMailbox)
	mailbox.Post("/:id/pause", mailboxController.PauseMailbox)
	mailbox.Post("/:id/resume", mailboxController.ResumeMailbox)
	mailbox.Post("/:id/clear-error", mailboxController.ClearMailboxError)
	mailbox.Post("/:id/poll", middleware.PollRateLimiter(pollLimit(deps.PollLimit), deps.PollStorage, deps.Logger), mailboxController.PollMailbox)

	// Campaign routes
	campaign := api.Group("/campaigns")
	campaign.Post("/:id/activate", campaignController.ActivateCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)

	// Response routes
	api.Get("/responses", responseController.ListResponses)

	deps.Logger.Info("API routes initialized successfully")

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

func pollLimit(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}
