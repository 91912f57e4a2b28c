package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"
	"feedbackdesk/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

// Deliverer sends outbound content to a chat. Chat id 0 is the staff group.
// Failures are handled by the implementation and never reach the caller.
type Deliverer interface {
	Deliver(ctx context.Context, chatID int64, text string, attachments []string)
}

// BanChecker reports a user's active restriction, if any.
type BanChecker interface {
	ActiveBan(ctx context.Context, userID int64) (*models.BanRecord, error)
}

// SubmissionService creates submissions and threads conversation messages.
type SubmissionService struct {
	repo           repository.SubmissionRepository
	bans           BanChecker
	deliverer      Deliverer
	bannedInterval time.Duration
	now            func() time.Time
}

// CreateSubmissionInput is the input for creating a submission.
type CreateSubmissionInput struct {
	UserID      int64
	Username    string
	Text        string
	Attachments []string
}

// ReplyInput is the input for appending a message to a submission's conversation.
type ReplyInput struct {
	SubmissionID uint
	SenderID     int64
	Role         models.SenderRole
	Text         string
	Attachments  []string
}

// NewSubmissionService returns a new SubmissionService. bannedInterval is the minimum gap
// between submissions of a restricted user. deliverer may be nil.
func NewSubmissionService(
	repo repository.SubmissionRepository,
	bans BanChecker,
	deliverer Deliverer,
	bannedInterval time.Duration,
	now func() time.Time,
) *SubmissionService {
	if now == nil {
		now = utcNow
	}
	return &SubmissionService{
		repo:           repo,
		bans:           bans,
		deliverer:      deliverer,
		bannedInterval: bannedInterval,
		now:            now,
	}
}

// CreateSubmission persists a submission with its conversation and first message, then
// notifies the staff group.
func (s *SubmissionService) CreateSubmission(ctx context.Context, in CreateSubmissionInput) (*models.Submission, error) {
	attachments := models.NormalizeAttachments(in.Attachments)
	if strings.TrimSpace(in.Text) == "" && len(attachments) == 0 {
		return nil, models.NewDraftEmptyError()
	}

	ctx, finish := observability.StartSpan(ctx, "submission.create", attribute.Int64("user.id", in.UserID))
	sub, err := s.createSubmission(ctx, in, attachments)
	finish(err)
	if err != nil {
		return nil, err
	}

	observability.SubmissionsCreated.Inc()
	observability.Logger.InfoContext(ctx, "Submission created",
		slog.Uint64("submission_id", uint64(sub.ID)),
		slog.Int64("user_id", sub.UserID),
		slog.Int("attachments", len(sub.Attachments)),
	)
	s.deliver(ctx, models.StaffReceiverID, FormatStaffNotification(sub), sub.Attachments)
	return sub, nil
}

func (s *SubmissionService) createSubmission(ctx context.Context, in CreateSubmissionInput, attachments []string) (*models.Submission, error) {
	now := s.now()

	if wait, err := s.bannedWait(ctx, in.UserID, now); err != nil {
		return nil, err
	} else if wait > 0 {
		observability.Logger.InfoContext(ctx, "Restricted user submission refused",
			slog.Int64("user_id", in.UserID),
			slog.Duration("retry_after", wait),
		)
		return nil, models.NewRateLimitedError(wait)
	}

	sub := &models.Submission{
		UserID:      in.UserID,
		Username:    in.Username,
		Text:        in.Text,
		Attachments: attachments,
		Status:      models.SubmissionStatusNew,
		CreatedAt:   now,
	}
	if err := s.repo.CreateSubmission(ctx, sub); err != nil {
		return nil, storeError(ctx, "create_submission", "Submission", nil, err)
	}
	return sub, nil
}

// bannedWait returns how long a restricted user must wait before submitting again.
func (s *SubmissionService) bannedWait(ctx context.Context, userID int64, now time.Time) (time.Duration, error) {
	if s.bans == nil || s.bannedInterval <= 0 {
		return 0, nil
	}
	ban, err := s.bans.ActiveBan(ctx, userID)
	if err != nil || ban == nil {
		return 0, err
	}
	last, err := s.repo.GetLastSubmissionTime(ctx, userID)
	if err != nil {
		return 0, storeError(ctx, "last_submission_time", "Submission", nil, err)
	}
	if last == nil {
		return 0, nil
	}
	next := last.Add(s.bannedInterval)
	if !next.After(now) {
		return 0, nil
	}
	return next.Sub(now), nil
}

// Get returns a submission by id.
func (s *SubmissionService) Get(ctx context.Context, id uint) (*models.Submission, error) {
	sub, err := s.repo.GetSubmission(ctx, id)
	if err != nil {
		return nil, storeError(ctx, "get_submission", "Submission", id, err)
	}
	return sub, nil
}

// List returns submissions matching status (all when empty), newest first.
func (s *SubmissionService) List(ctx context.Context, status models.SubmissionStatus, limit, offset int) ([]*models.Submission, int64, error) {
	subs, total, err := s.repo.ListSubmissions(ctx, repository.SubmissionFilter{Status: status}, limit, offset)
	if err != nil {
		return nil, 0, storeError(ctx, "list_submissions", "Submission", nil, err)
	}
	return subs, total, nil
}

// ListForUser returns a user's submissions, newest first.
func (s *SubmissionService) ListForUser(ctx context.Context, userID int64, limit int) ([]*models.Submission, int64, error) {
	subs, total, err := s.repo.ListSubmissions(ctx, repository.SubmissionFilter{UserID: userID}, limit, 0)
	if err != nil {
		return nil, 0, storeError(ctx, "list_user_submissions", "Submission", nil, err)
	}
	return subs, total, nil
}

// MarkViewed moves a new submission to viewed. It is a no-op for any other status.
func (s *SubmissionService) MarkViewed(ctx context.Context, id uint) (bool, error) {
	return s.setStatus(ctx, id, models.SubmissionStatusViewed)
}

// Resolve marks a submission solved from any status.
func (s *SubmissionService) Resolve(ctx context.Context, id uint) (bool, error) {
	return s.setStatus(ctx, id, models.SubmissionStatusSolved)
}

func (s *SubmissionService) setStatus(ctx context.Context, id uint, status models.SubmissionStatus) (bool, error) {
	changed, err := s.repo.SetStatus(ctx, id, status, s.now())
	if err != nil {
		return false, storeError(ctx, "set_status", "Submission", id, err)
	}
	if changed {
		observability.SubmissionTransitions.WithLabelValues(string(status)).Inc()
	}
	return changed, nil
}

// Delete removes a submission permanently. Its conversation is left unreachable.
func (s *SubmissionService) Delete(ctx context.Context, id uint) error {
	if err := s.repo.DeleteSubmission(ctx, id); err != nil {
		return storeError(ctx, "delete_submission", "Submission", id, err)
	}
	observability.SubmissionTransitions.WithLabelValues("deleted").Inc()
	observability.Logger.InfoContext(ctx, "Submission deleted", slog.Uint64("submission_id", uint64(id)))
	return nil
}

// Reply appends a message to the submission's conversation. Staff replies are addressed to the
// submitting user; user follow-ups go to the staff group and are forwarded there. Status is
// never changed by a reply.
func (s *SubmissionService) Reply(ctx context.Context, in ReplyInput) (*models.Message, *models.Submission, error) {
	attachments := models.NormalizeAttachments(in.Attachments)
	if strings.TrimSpace(in.Text) == "" && len(attachments) == 0 {
		return nil, nil, models.NewDraftEmptyError()
	}

	sub, err := s.Get(ctx, in.SubmissionID)
	if err != nil {
		return nil, nil, err
	}

	msg := &models.Message{
		ConversationID: sub.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     in.Role,
		Text:           in.Text,
		Attachments:    attachments,
		Status:         models.MessageStatusNew,
		CreatedAt:      s.now(),
	}
	switch in.Role {
	case models.SenderRoleStaff:
		msg.ReceiverID = sub.UserID
	case models.SenderRoleUser:
		if in.SenderID != sub.UserID {
			return nil, nil, models.NewForbiddenError("You can only reply to your own submissions")
		}
		msg.ReceiverID = models.StaffReceiverID
	default:
		return nil, nil, models.NewValidationError(fmt.Sprintf("unknown sender role %q", in.Role))
	}

	ctx, finish := observability.StartSpan(ctx, "conversation.append",
		attribute.Int64("submission.id", int64(sub.ID)),
		attribute.String("sender.role", string(in.Role)),
	)
	err = s.repo.AppendMessage(ctx, msg)
	if err != nil {
		err = storeError(ctx, "append_message", "Conversation", sub.ConversationID, err)
	}
	finish(err)
	if err != nil {
		return nil, nil, err
	}

	observability.MessagesAppended.WithLabelValues(string(in.Role)).Inc()
	if in.Role == models.SenderRoleUser {
		s.deliver(ctx, models.StaffReceiverID, FormatFollowUpNotification(sub, msg), msg.Attachments)
	}
	return msg, sub, nil
}

// History returns the submission's conversation in arrival order.
func (s *SubmissionService) History(ctx context.Context, id uint) ([]*models.Message, error) {
	msgs, err := s.repo.GetConversationHistory(ctx, id)
	if err != nil {
		return nil, storeError(ctx, "conversation_history", "Submission", id, err)
	}
	return msgs, nil
}

// MarkRead marks messages addressed to the staff group as read.
func (s *SubmissionService) MarkRead(ctx context.Context, sub *models.Submission) error {
	if _, err := s.repo.MarkMessagesRead(ctx, sub.ConversationID, models.StaffReceiverID); err != nil {
		return storeError(ctx, "mark_read", "Conversation", sub.ConversationID, err)
	}
	return nil
}

// Statistics returns submission counts by status.
func (s *SubmissionService) Statistics(ctx context.Context) (*models.SubmissionStats, error) {
	stats, err := s.repo.GetStatistics(ctx)
	if err != nil {
		return nil, storeError(ctx, "statistics", "Submission", nil, err)
	}
	return stats, nil
}

// LastSubmissionTime returns when the user last submitted, nil if never.
func (s *SubmissionService) LastSubmissionTime(ctx context.Context, userID int64) (*time.Time, error) {
	t, err := s.repo.GetLastSubmissionTime(ctx, userID)
	if err != nil {
		return nil, storeError(ctx, "last_submission_time", "Submission", nil, err)
	}
	return t, nil
}

// Ping checks that the store is reachable.
func (s *SubmissionService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return storeError(ctx, "ping", "Store", nil, err)
	}
	return nil
}

func (s *SubmissionService) deliver(ctx context.Context, chatID int64, text string, attachments []string) {
	if s.deliverer == nil {
		return
	}
	s.deliverer.Deliver(ctx, chatID, text, attachments)
}

// FormatStaffNotification renders the staff group notice for a new submission.
func FormatStaffNotification(sub *models.Submission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New submission #%d from @%s (id %d)", sub.ID, sub.DisplayName(), sub.UserID)
	if len(sub.Attachments) > 0 {
		fmt.Fprintf(&b, "\nAttachments: %d", len(sub.Attachments))
	}
	if text := strings.TrimSpace(sub.Text); text != "" {
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return b.String()
}

// FormatFollowUpNotification renders the staff group notice for a user follow-up.
func FormatFollowUpNotification(sub *models.Submission, msg *models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Follow-up on submission #%d from @%s (id %d)", sub.ID, sub.DisplayName(), sub.UserID)
	if text := strings.TrimSpace(msg.Text); text != "" {
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return b.String()
}
