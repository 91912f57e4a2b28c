package repository

import (
	"context"
	"errors"
	"time"

	"feedbackdesk/internal/models"

	"gorm.io/gorm"
)

// BanMutation computes the next ban record from the existing one (nil when the user has no history).
type BanMutation func(existing *models.BanRecord) (*models.BanRecord, error)

// BanRepository defines the interface for ban record operations
type BanRepository interface {
	GetBan(ctx context.Context, userID int64) (*models.BanRecord, error)
	// UpsertBan reads the user's record and writes the mutation result in one transaction.
	UpsertBan(ctx context.Context, userID int64, fn BanMutation) (*models.BanRecord, error)
	DeleteBan(ctx context.Context, userID int64) error
	ListBans(ctx context.Context, limit, offset int) ([]*models.BanRecord, int64, error)
	BanStats(ctx context.Context, now time.Time) (*models.BanStats, error)
	// DeleteExpiredBefore removes temporary records whose expiry is older than cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type banRepository struct {
	db *gorm.DB
}

// NewBanRepository creates a new ban repository
func NewBanRepository(db *gorm.DB) BanRepository {
	return &banRepository{db: db}
}

func (r *banRepository) GetBan(ctx context.Context, userID int64) (*models.BanRecord, error) {
	var rec models.BanRecord
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *banRepository) UpsertBan(ctx context.Context, userID int64, fn BanMutation) (*models.BanRecord, error) {
	var result *models.BanRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *models.BanRecord
		var rec models.BanRecord
		err := tx.Where("user_id = ?", userID).First(&rec).Error
		switch {
		case err == nil:
			existing = &rec
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		next.UserID = userID
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *banRepository) DeleteBan(ctx context.Context, userID int64) error {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.BanRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *banRepository) ListBans(ctx context.Context, limit, offset int) ([]*models.BanRecord, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.BanRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var bans []*models.BanRecord
	err := r.db.WithContext(ctx).
		Order("banned_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&bans).Error
	if err != nil {
		return nil, 0, err
	}
	return bans, total, nil
}

func (r *banRepository) BanStats(ctx context.Context, now time.Time) (*models.BanStats, error) {
	stats := &models.BanStats{}
	db := r.db.WithContext(ctx).Model(&models.BanRecord{})

	if err := db.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("is_permanent = ?", true).Count(&stats.Permanent).Error; err != nil {
		return nil, err
	}
	stats.Temporary = stats.Total - stats.Permanent

	err := db.Session(&gorm.Session{}).
		Where("is_permanent = ? OR expires_at > ?", true, now).
		Count(&stats.Active).Error
	if err != nil {
		return nil, err
	}

	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	if err := db.Session(&gorm.Session{}).Where("banned_at >= ?", startOfDay).Count(&stats.Today).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *banRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("is_permanent = ? AND expires_at IS NOT NULL AND expires_at < ?", false, cutoff).
		Delete(&models.BanRecord{})
	return res.RowsAffected, res.Error
}
