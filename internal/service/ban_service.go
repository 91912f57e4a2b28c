package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"
	"feedbackdesk/internal/repository"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Escalation ladder durations.
const (
	FirstBanDuration  = 24 * time.Hour
	SecondBanDuration = 7 * 24 * time.Hour
	PermanentBanTier  = 3
)

// Escalation returns the restriction for the given cumulative ban count.
func Escalation(banCount int) (time.Duration, bool) {
	switch {
	case banCount >= PermanentBanTier:
		return 0, true
	case banCount == 2:
		return SecondBanDuration, false
	default:
		return FirstBanDuration, false
	}
}

// BanService applies progressive bans and administers ban records.
type BanService struct {
	banRepo   repository.BanRepository
	isStaff   func(userID int64) bool
	retention time.Duration
	now       func() time.Time
}

// NewBanService returns a new BanService. retention is how long expired temporary records
// are kept before CleanupExpired removes them.
func NewBanService(
	banRepo repository.BanRepository,
	isStaff func(userID int64) bool,
	retention time.Duration,
	now func() time.Time,
) *BanService {
	if isStaff == nil {
		isStaff = func(int64) bool { return false }
	}
	if now == nil {
		now = utcNow
	}
	return &BanService{
		banRepo:   banRepo,
		isStaff:   isStaff,
		retention: retention,
		now:       now,
	}
}

// AutoBan applies the next escalation tier on behalf of the system.
func (s *BanService) AutoBan(ctx context.Context, userID int64, username, reason string) (*models.BanRecord, error) {
	return s.Ban(ctx, userID, username, reason, models.SystemActorID)
}

// Ban applies the next escalation tier. Staff members cannot be banned; the attempt is logged
// at info level and reported as AdminBanRejected.
func (s *BanService) Ban(ctx context.Context, userID int64, username, reason string, actorID int64) (*models.BanRecord, error) {
	if s.isStaff(userID) {
		observability.Logger.InfoContext(ctx, "Ban rejected for staff member",
			slog.Int64("target_id", userID),
			slog.Int64("actor_id", actorID),
			slog.String("reason", reason),
		)
		return nil, models.NewAdminBanRejectedError(userID)
	}
	if userID <= 0 {
		return nil, models.NewValidationError("invalid user id")
	}

	ctx, finish := observability.StartSpan(ctx, "ban.apply",
		attribute.Int64("user.id", userID),
		attribute.String("ban.reason", reason),
	)
	now := s.now()

	rec, err := s.banRepo.UpsertBan(ctx, userID, func(existing *models.BanRecord) (*models.BanRecord, error) {
		next := &models.BanRecord{
			UserID:        userID,
			Username:      username,
			BannedAt:      now,
			BannedBy:      actorID,
			Reason:        reason,
			LastBanReason: reason,
			BanCount:      1,
		}
		if existing != nil {
			next.BanCount = existing.BanCount + 1
			next.IsPermanent = existing.IsPermanent
			if next.Username == "" {
				next.Username = existing.Username
			}
		}

		duration, permanent := Escalation(next.BanCount)
		if permanent || next.IsPermanent {
			next.IsPermanent = true
			next.ExpiresAt = nil
		} else {
			expires := now.Add(duration)
			next.ExpiresAt = &expires
		}
		return next, nil
	})
	if err != nil {
		err = storeError(ctx, "ban_user", "Ban", userID, err)
		finish(err)
		return nil, err
	}
	finish(nil)

	tier := strconv.Itoa(rec.BanCount)
	if rec.IsPermanent {
		tier = "permanent"
	}
	observability.BansIssued.WithLabelValues(reason, tier).Inc()
	observability.Logger.InfoContext(ctx, "User banned",
		slog.Int64("target_id", userID),
		slog.Int64("actor_id", actorID),
		slog.String("reason", reason),
		slog.Int("ban_count", rec.BanCount),
		slog.Bool("permanent", rec.IsPermanent),
	)
	return rec, nil
}

// ActiveBan returns the user's record when the restriction is currently in force, nil otherwise.
func (s *BanService) ActiveBan(ctx context.Context, userID int64) (*models.BanRecord, error) {
	rec, err := s.banRepo.GetBan(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(ctx, "get_ban", "Ban", userID, err)
	}
	if !rec.ActiveAt(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// IsBanned reports whether the user is currently restricted.
func (s *BanService) IsBanned(ctx context.Context, userID int64) (bool, error) {
	rec, err := s.ActiveBan(ctx, userID)
	return rec != nil, err
}

// GetBanInfo returns the user's ban record, active or not.
func (s *BanService) GetBanInfo(ctx context.Context, userID int64) (*models.BanRecord, error) {
	rec, err := s.banRepo.GetBan(ctx, userID)
	if err != nil {
		return nil, storeError(ctx, "get_ban", "Ban", userID, err)
	}
	return rec, nil
}

// Unban removes the user's record, including its escalation history.
func (s *BanService) Unban(ctx context.Context, userID, actorID int64) error {
	if err := s.banRepo.DeleteBan(ctx, userID); err != nil {
		return storeError(ctx, "unban_user", "Ban", userID, err)
	}
	observability.Logger.InfoContext(ctx, "User unbanned",
		slog.Int64("target_id", userID),
		slog.Int64("actor_id", actorID),
	)
	return nil
}

// List returns ban records, most recent first.
func (s *BanService) List(ctx context.Context, limit, offset int) ([]*models.BanRecord, int64, error) {
	bans, total, err := s.banRepo.ListBans(ctx, limit, offset)
	if err != nil {
		return nil, 0, storeError(ctx, "list_bans", "Ban", nil, err)
	}
	return bans, total, nil
}

// Stats summarizes ban records.
func (s *BanService) Stats(ctx context.Context) (*models.BanStats, error) {
	stats, err := s.banRepo.BanStats(ctx, s.now())
	if err != nil {
		return nil, storeError(ctx, "ban_stats", "Ban", nil, err)
	}
	return stats, nil
}

// CleanupExpired deletes temporary records that expired more than the retention period ago.
func (s *BanService) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.banRepo.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return 0, storeError(ctx, "cleanup_expired_bans", "Ban", nil, err)
	}
	if n > 0 {
		observability.Logger.InfoContext(ctx, "Expired bans cleaned up", slog.Int64("removed", n))
	}
	return n, nil
}

// Run cleans up expired bans every interval until ctx is done.
func (s *BanService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				observability.Logger.WarnContext(ctx, "Ban cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}
