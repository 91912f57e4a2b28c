package server

import (
	"strings"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/service"

	"github.com/gofiber/fiber/v2"
)

// ListSubmissions opens the first page of the staff member's review listing.
func (s *Server) ListSubmissions(c *fiber.Ctx) error {
	filter, err := service.ParseFilter(c.Query("filter"))
	if err != nil {
		return respondError(c, err)
	}
	page, err := s.review.List(c.UserContext(), staffID(c), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// NextPage moves the review listing forward.
func (s *Server) NextPage(c *fiber.Ctx) error {
	page, err := s.review.NextPage(c.UserContext(), staffID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// PrevPage moves the review listing back.
func (s *Server) PrevPage(c *fiber.Ctx) error {
	page, err := s.review.PrevPage(c.UserContext(), staffID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// GetSubmission returns the detail view and marks the submission viewed.
func (s *Server) GetSubmission(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	detail, err := s.review.Detail(c.UserContext(), staffID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(detail)
}

// SolveSubmission marks a submission solved and closes its conversation.
func (s *Server) SolveSubmission(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	sub, err := s.review.MarkSolved(c.UserContext(), staffID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(sub)
}

// RequestDelete asks for confirmation before a submission is deleted.
func (s *Server) RequestDelete(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	confirm, err := s.review.RequestDelete(c.UserContext(), staffID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(confirm)
}

// ConfirmDelete deletes a submission whose deletion was requested and returns the refreshed page.
func (s *Server) ConfirmDelete(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	page, err := s.review.ConfirmDelete(c.UserContext(), staffID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(page)
}

// CancelDelete drops a pending deletion request.
func (s *Server) CancelDelete(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	if !s.review.CancelDelete(staffID(c), id) {
		return models.RespondWithError(c, fiber.StatusNotFound,
			models.NewNotFoundError("Pending deletion", id))
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type replyRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
}

// ReplySubmission sends a staff reply to the submitting user.
func (s *Server) ReplySubmission(c *fiber.Ctx) error {
	id, err := parseSubmissionID(c)
	if err != nil {
		return nil
	}
	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid request body"))
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return respondError(c, models.NewDraftEmptyError())
	}

	msg, err := s.review.Reply(c.UserContext(), staffID(c), id, req.Text, req.Attachments)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// SubmissionStats returns submission counts by status.
func (s *Server) SubmissionStats(c *fiber.Ctx) error {
	stats, err := s.submissions.Statistics(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(stats)
}
