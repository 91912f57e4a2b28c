package server

import (
	"errors"
	"strconv"

	"feedbackdesk/internal/middleware"
	"feedbackdesk/internal/models"

	"github.com/gofiber/fiber/v2"
)

// errResponseWritten is a sentinel indicating the HTTP response was already
// committed by a helper. Handlers must return nil (not this error) to avoid
// Fiber's ErrorHandler overwriting the response.
var errResponseWritten = errors.New("response already written")

// Pagination holds parsed limit/offset query parameters.
type Pagination struct {
	Limit  int
	Offset int
}

const maxPaginationLimit = 100

// parsePagination extracts limit and offset query parameters with the given default limit.
func parsePagination(c *fiber.Ctx, defaultLimit int) Pagination {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxPaginationLimit {
		limit = maxPaginationLimit
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return Pagination{Limit: limit, Offset: offset}
}

// parseSubmissionID extracts the :id route parameter.
// On failure it writes a 400 JSON response and returns errResponseWritten.
func parseSubmissionID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid submission ID"))
		return 0, errResponseWritten
	}
	return uint(id), nil
}

// parseChatUserID extracts the :userId route parameter. Chat ids exceed 32 bits.
func parseChatUserID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil || id <= 0 {
		_ = models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid user ID"))
		return 0, errResponseWritten
	}
	return id, nil
}

// staffID returns the authenticated staff member. StaffRequired guarantees it is set.
func staffID(c *fiber.Ctx) int64 {
	id, _ := middleware.UserID(c)
	return id
}

// statusFor maps an error code to its HTTP status.
func statusFor(err error) int {
	appErr, ok := models.AsAppError(err)
	if !ok {
		return fiber.StatusInternalServerError
	}
	switch appErr.Code {
	case models.CodeNotFound:
		return fiber.StatusNotFound
	case models.CodeValidation:
		return fiber.StatusBadRequest
	case models.CodeDraftEmpty:
		return fiber.StatusUnprocessableEntity
	case models.CodeRateLimited:
		return fiber.StatusTooManyRequests
	case models.CodeAdminBanRejected:
		return fiber.StatusConflict
	case models.CodeForbidden:
		return fiber.StatusForbidden
	case models.CodeUnauthorized:
		return fiber.StatusUnauthorized
	case models.CodeStoreUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// respondError writes err with the status its code maps to.
func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		err = errors.New("internal server error")
	}
	return models.RespondWithError(c, status, err)
}
