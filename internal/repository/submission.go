// Package repository implements the persistent store contract over GORM.
package repository

import (
	"context"
	"time"

	"feedbackdesk/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	Status models.SubmissionStatus
	UserID int64
}

// SubmissionRepository defines the interface for submission and conversation data operations
type SubmissionRepository interface {
	// CreateSubmission stores the submission together with its conversation and first user message.
	CreateSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, id uint) (*models.Submission, error)
	ListSubmissions(ctx context.Context, filter SubmissionFilter, limit, offset int) ([]*models.Submission, int64, error)
	// SetStatus applies a status transition and reports whether the row changed.
	SetStatus(ctx context.Context, id uint, status models.SubmissionStatus, at time.Time) (bool, error)
	DeleteSubmission(ctx context.Context, id uint) error
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetConversationHistory(ctx context.Context, submissionID uint) ([]*models.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID uint, receiverID int64) (int64, error)
	GetStatistics(ctx context.Context) (*models.SubmissionStats, error)
	GetLastSubmissionTime(ctx context.Context, userID int64) (*time.Time, error)
	Ping(ctx context.Context) error
}

// submissionRepository implements SubmissionRepository
type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository creates a new submission repository
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.Status == "" {
		sub.Status = models.SubmissionStatusNew
	}
	sub.Attachments = datatypes.NewJSONSlice(models.NormalizeAttachments(sub.Attachments))

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := &models.Conversation{
			UserID:        sub.UserID,
			Status:        models.ConversationStatusOpen,
			CreatedAt:     sub.CreatedAt,
			LastMessageAt: sub.CreatedAt,
		}
		if err := tx.Create(conv).Error; err != nil {
			return err
		}

		sub.ConversationID = conv.ID
		if err := tx.Create(sub).Error; err != nil {
			return err
		}

		first := &models.Message{
			ConversationID: conv.ID,
			SenderID:       sub.UserID,
			ReceiverID:     models.StaffReceiverID,
			SenderRole:     models.SenderRoleUser,
			Text:           sub.Text,
			Attachments:    datatypes.NewJSONSlice(append([]string(nil), sub.Attachments...)),
			Status:         models.MessageStatusNew,
			CreatedAt:      sub.CreatedAt,
		}
		if first.Attachments == nil {
			first.Attachments = datatypes.NewJSONSlice([]string{})
		}
		return tx.Create(first).Error
	})
}

func (r *submissionRepository) GetSubmission(ctx context.Context, id uint) (*models.Submission, error) {
	var sub models.Submission
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *submissionRepository) ListSubmissions(ctx context.Context, filter SubmissionFilter, limit, offset int) ([]*models.Submission, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Submission{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var subs []*models.Submission
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&subs).Error
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (r *submissionRepository) SetStatus(ctx context.Context, id uint, status models.SubmissionStatus, at time.Time) (bool, error) {
	var changed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.Select("id", "status", "conversation_id").First(&sub, id).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"status": status}
		query := tx.Model(&models.Submission{}).Where("id = ?", id)
		switch status {
		case models.SubmissionStatusViewed:
			// Opening a detail only promotes fresh submissions.
			query = query.Where("status = ?", models.SubmissionStatusNew)
			updates["viewed_at"] = at
		case models.SubmissionStatusSolved:
			query = query.Where("status <> ?", models.SubmissionStatusSolved)
			updates["processed_at"] = at
		default:
			query = query.Where("status <> ?", status)
		}

		res := query.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0

		if changed && status == models.SubmissionStatusSolved {
			return tx.Model(&models.Conversation{}).
				Where("id = ?", sub.ConversationID).
				Update("status", models.ConversationStatusClosed).Error
		}
		return nil
	})
	return changed, err
}

func (r *submissionRepository) DeleteSubmission(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&models.Submission{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *submissionRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = models.MessageStatusNew
	}
	msg.Attachments = datatypes.NewJSONSlice(models.NormalizeAttachments(msg.Attachments))

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Select("id", "last_message_at").First(&conv, msg.ConversationID).Error; err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		// last_message_at never moves backwards.
		return tx.Model(&models.Conversation{}).
			Where("id = ? AND last_message_at < ?", conv.ID, msg.CreatedAt).
			Update("last_message_at", msg.CreatedAt).Error
	})
}

func (r *submissionRepository) GetConversationHistory(ctx context.Context, submissionID uint) ([]*models.Message, error) {
	var sub models.Submission
	if err := r.db.WithContext(ctx).Select("id", "conversation_id").First(&sub, submissionID).Error; err != nil {
		return nil, err
	}

	var messages []*models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", sub.ConversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *submissionRepository) MarkMessagesRead(ctx context.Context, conversationID uint, receiverID int64) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("conversation_id = ? AND receiver_id = ? AND status = ?", conversationID, receiverID, models.MessageStatusNew).
		Update("status", models.MessageStatusRead)
	return res.RowsAffected, res.Error
}

func (r *submissionRepository) GetStatistics(ctx context.Context) (*models.SubmissionStats, error) {
	type row struct {
		Status models.SubmissionStatus
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Submission{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &models.SubmissionStats{}
	for _, rw := range rows {
		stats.Total += rw.Count
		switch rw.Status {
		case models.SubmissionStatusNew:
			stats.New = rw.Count
		case models.SubmissionStatusViewed:
			stats.Viewed = rw.Count
		case models.SubmissionStatusSolved:
			stats.Solved = rw.Count
		}
	}
	return stats, nil
}

func (r *submissionRepository) GetLastSubmissionTime(ctx context.Context, userID int64) (*time.Time, error) {
	var sub models.Submission
	err := r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(1).
		Find(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	t := sub.CreatedAt
	return &t, nil
}

func (r *submissionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
