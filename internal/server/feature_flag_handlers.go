package server

import (
	"duet/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

// GetFeatureFlags handles GET /api/features: the flags as evaluated for the
// calling participant.
func (s *Server) GetFeatureFlags(c *fiber.Ctx) error {
	pid, _ := c.Locals(middleware.ParticipantLocal).(string)
	return c.JSON(fiber.Map{
		"evaluated": s.rt.Flags.Snapshot(pid),
	})
}
