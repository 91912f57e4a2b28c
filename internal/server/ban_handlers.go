package server

import (
	"strings"

	"feedbackdesk/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ListBans returns ban records, newest first.
func (s *Server) ListBans(c *fiber.Ctx) error {
	p := parsePagination(c, 50)
	bans, total, err := s.bans.List(c.UserContext(), p.Limit, p.Offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"items":  bans,
		"total":  total,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

// BanStats returns aggregate ban counts.
func (s *Server) BanStats(c *fiber.Ctx) error {
	stats, err := s.bans.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}

type banRequest struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

// BanUser applies the next escalation tier to a user on behalf of the calling staff member.
func (s *Server) BanUser(c *fiber.Ctx) error {
	userID, err := parseChatUserID(c)
	if err != nil {
		return nil
	}
	var req banRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid request body"))
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual"
	}

	rec, err := s.bans.Ban(c.UserContext(), userID, strings.TrimSpace(req.Username), reason, staffID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec)
}

// UnbanUser removes a user's ban record.
func (s *Server) UnbanUser(c *fiber.Ctx) error {
	userID, err := parseChatUserID(c)
	if err != nil {
		return nil
	}
	if err := s.bans.Unban(c.UserContext(), userID, staffID(c)); err != nil {
		return respondError(c, err)
	}
	s.detector.Forget(userID)
	return c.SendStatus(fiber.StatusNoContent)
}

// CleanupBans removes temporary records past the retention period.
func (s *Server) CleanupBans(c *fiber.Ctx) error {
	removed, err := s.bans.CleanupExpired(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"removed": removed})
}

// FindUser returns ban state and submission activity for a user.
func (s *Server) FindUser(c *fiber.Ctx) error {
	userID, err := parseChatUserID(c)
	if err != nil {
		return nil
	}
	overview, err := s.review.FindUser(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(overview)
}
