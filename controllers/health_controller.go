package controller

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Health reports whether the process is up and the database reachable.
func Health(db *gorm.DB, version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":   "degraded",
				"database": err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": version,
		})
	}
}
