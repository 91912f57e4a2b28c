// Package service provides the ban engine, the submission/conversation manager and the
// staff review workflow.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"

	"gorm.io/gorm"
)

// storeError maps a repository error into the application taxonomy. Missing rows become
// NotFound; anything else becomes StoreUnavailable and is logged once here.
func storeError(ctx context.Context, operation, resource string, id interface{}, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := models.AsAppError(err); ok {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError(resource, id)
	}

	observability.StoreErrors.WithLabelValues(operation).Inc()
	observability.Logger.ErrorContext(ctx, "Store operation failed",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
	return models.NewStoreUnavailableError(operation, err)
}

func utcNow() time.Time {
	return time.Now().UTC()
}
