package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Error codes shared by services, the intake dispatcher, and HTTP handlers.
const (
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeDraftEmpty       = "DRAFT_EMPTY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeAdminBanRejected = "ADMIN_BAN_REJECTED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeForbidden        = "FORBIDDEN"
	CodeUnauthorized     = "UNAUTHORIZED"
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	Details           string `json:"details,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code       string
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

// NewStoreUnavailableError wraps a persistence failure. The operation name ends up in logs and metrics.
func NewStoreUnavailableError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeStoreUnavailable,
		Message: fmt.Sprintf("store unavailable during %s", operation),
		Err:     err,
	}
}

func NewDraftEmptyError() *AppError {
	return &AppError{
		Code:    CodeDraftEmpty,
		Message: "draft has no text and no attachments",
	}
}

// NewRateLimitedError reports that a restricted user must wait before submitting again.
func NewRateLimitedError(retryAfter time.Duration) *AppError {
	return &AppError{
		Code:       CodeRateLimited,
		Message:    "submission rate limited",
		RetryAfter: retryAfter,
	}
}

func NewAdminBanRejectedError(userID int64) *AppError {
	return &AppError{
		Code:    CodeAdminBanRejected,
		Message: fmt.Sprintf("user %d is staff and cannot be banned", userID),
	}
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// AsAppError extracts the AppError from err, if any.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	if appErr, ok := AsAppError(err); ok {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		// Store failures keep their cause out of the response body.
		if appErr.Err != nil && appErr.Code != CodeStoreUnavailable {
			response.Details = appErr.Err.Error()
		}
		if appErr.RetryAfter > 0 {
			response.RetryAfterSeconds = int64((appErr.RetryAfter + time.Second - 1) / time.Second)
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
