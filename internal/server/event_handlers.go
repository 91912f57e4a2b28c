package server

import (
	"feedbackdesk/internal/intake"
	"feedbackdesk/internal/models"

	"github.com/gofiber/fiber/v2"
)

// HandleEvent runs one inbound chat event from the messaging gateway through the intake
// dispatcher. Domain failures are part of the 200 response text; only malformed events fail.
func (s *Server) HandleEvent(c *fiber.Ctx) error {
	var ev intake.Event
	if err := c.BodyParser(&ev); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid request body"))
	}

	resp, err := s.dispatcher.Dispatch(c.UserContext(), ev)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(resp)
}
