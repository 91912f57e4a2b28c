package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"
)

// PageSize is the number of submissions per review page.
const PageSize = 10

// Filter selects which submissions a review session lists.
type Filter string

// Review filters.
const (
	FilterAll    Filter = "all"
	FilterNew    Filter = "new"
	FilterViewed Filter = "viewed"
	FilterSolved Filter = "solved"
)

// ParseFilter validates a filter name. An empty name means all.
func ParseFilter(raw string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterNew, FilterViewed, FilterSolved:
		return f, nil
	default:
		return "", models.NewValidationError(fmt.Sprintf("unknown filter %q", raw))
	}
}

func (f Filter) status() models.SubmissionStatus {
	if f == FilterAll {
		return ""
	}
	return models.SubmissionStatus(f)
}

// Page is one page of a review listing.
type Page struct {
	Filter     Filter               `json:"filter"`
	Page       int                  `json:"page"`
	TotalPages int                  `json:"total_pages"`
	Total      int64                `json:"total"`
	Items      []*models.Submission `json:"items"`
}

// HasNext reports whether a next page exists.
func (p *Page) HasNext() bool { return p.Page < p.TotalPages-1 }

// HasPrev reports whether a previous page exists.
func (p *Page) HasPrev() bool { return p.Page > 0 }

// DetailKind tells the presentation layer how to deliver a detail view.
type DetailKind string

// Detail kinds.
const (
	DetailKindText  DetailKind = "text"
	DetailKindMedia DetailKind = "media"
)

// Detail is a rendered submission. Media details carry the attachments to send as a group
// with Text as the caption.
type Detail struct {
	Kind        DetailKind         `json:"kind"`
	Text        string             `json:"text"`
	Attachments []string           `json:"attachments,omitempty"`
	Submission  *models.Submission `json:"submission"`
	History     []*models.Message  `json:"history"`
}

// DeleteConfirmation is the first step of the two-step delete.
type DeleteConfirmation struct {
	SubmissionID uint   `json:"submission_id"`
	Prompt       string `json:"prompt"`
}

// UserOverview summarizes one chat user for staff.
type UserOverview struct {
	UserID           int64                `json:"user_id"`
	Banned           bool                 `json:"banned"`
	Ban              *models.BanRecord    `json:"ban,omitempty"`
	Submissions      int64                `json:"submissions"`
	LastSubmissionAt *time.Time           `json:"last_submission_at,omitempty"`
	Recent           []*models.Submission `json:"recent"`
}

// reviewSession is one staff member's listing state. mu is held across the store calls of that
// staff member only.
type reviewSession struct {
	mu            sync.Mutex
	filter        Filter
	page          int
	total         int64
	items         []*models.Submission
	pendingDelete uint
}

// ReviewService drives the staff review workflow. Page and filter are kept per staff member
// in memory only; staff members never wait on each other.
type ReviewService struct {
	submissions *SubmissionService
	bans        *BanService
	deliverer   Deliverer

	mu       sync.Mutex // guards sessions
	sessions map[int64]*reviewSession
}

// NewReviewService returns a new ReviewService. deliverer may be nil.
func NewReviewService(submissions *SubmissionService, bans *BanService, deliverer Deliverer) *ReviewService {
	return &ReviewService{
		submissions: submissions,
		bans:        bans,
		deliverer:   deliverer,
		sessions:    make(map[int64]*reviewSession),
	}
}

func (s *ReviewService) session(staffID int64) *reviewSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[staffID]
	if !ok {
		sess = &reviewSession{filter: FilterAll}
		s.sessions[staffID] = sess
	}
	return sess
}

// List starts a listing with the given filter at page 0.
func (s *ReviewService) List(ctx context.Context, staffID int64, filter Filter) (*Page, error) {
	sess := s.session(staffID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.filter = filter
	sess.page = 0
	sess.pendingDelete = 0
	return s.load(ctx, sess, 0)
}

// Current reloads the staff member's current page.
func (s *ReviewService) Current(ctx context.Context, staffID int64) (*Page, error) {
	sess := s.session(staffID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return s.load(ctx, sess, sess.page)
}

// NextPage moves forward one page, staying on the last page at the end.
func (s *ReviewService) NextPage(ctx context.Context, staffID int64) (*Page, error) {
	return s.move(ctx, staffID, 1)
}

// PrevPage moves back one page, staying on page 0 at the start.
func (s *ReviewService) PrevPage(ctx context.Context, staffID int64) (*Page, error) {
	return s.move(ctx, staffID, -1)
}

func (s *ReviewService) move(ctx context.Context, staffID int64, delta int) (*Page, error) {
	sess := s.session(staffID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	return s.load(ctx, sess, sess.page+delta)
}

// load fetches page (clamped to the valid range) into the session. sess.mu must be held.
func (s *ReviewService) load(ctx context.Context, sess *reviewSession, page int) (*Page, error) {
	if page < 0 {
		page = 0
	}
	items, total, err := s.submissions.List(ctx, sess.filter.status(), PageSize, page*PageSize)
	if err != nil {
		return nil, err
	}
	// The listing may have shrunk since the last load.
	if clamped := clampPage(page, totalPages(total)); clamped != page {
		page = clamped
		items, total, err = s.submissions.List(ctx, sess.filter.status(), PageSize, page*PageSize)
		if err != nil {
			return nil, err
		}
	}
	sess.page = page
	sess.total = total
	sess.items = items
	return sess.view(), nil
}

func (sess *reviewSession) view() *Page {
	items := make([]*models.Submission, len(sess.items))
	copy(items, sess.items)
	return &Page{
		Filter:     sess.filter,
		Page:       sess.page,
		TotalPages: totalPages(sess.total),
		Total:      sess.total,
		Items:      items,
	}
}

func totalPages(total int64) int {
	if total <= 0 {
		return 1
	}
	return int((total + PageSize - 1) / PageSize)
}

func clampPage(page, pages int) int {
	if page < 0 {
		return 0
	}
	if page > pages-1 {
		return pages - 1
	}
	return page
}

// Detail opens a submission. A new submission becomes viewed and messages addressed to staff
// become read.
func (s *ReviewService) Detail(ctx context.Context, staffID int64, id uint) (*Detail, error) {
	sub, err := s.submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubmissionStatusNew {
		if _, err := s.submissions.MarkViewed(ctx, id); err != nil {
			return nil, err
		}
		if sub, err = s.submissions.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := s.submissions.MarkRead(ctx, sub); err != nil {
		return nil, err
	}
	history, err := s.submissions.History(ctx, id)
	if err != nil {
		return nil, err
	}

	s.session(staffID).replaceItem(sub)

	return NewDetail(sub, history), nil
}

// NewDetail resolves the delivery shape of a submission once: media when it has attachments,
// plain text otherwise.
func NewDetail(sub *models.Submission, history []*models.Message) *Detail {
	d := &Detail{
		Kind:       DetailKindText,
		Text:       RenderSubmission(sub, history),
		Submission: sub,
		History:    history,
	}
	if len(sub.Attachments) > 0 {
		d.Kind = DetailKindMedia
		d.Attachments = append([]string(nil), sub.Attachments...)
	}
	return d
}

// RenderSubmission formats a submission and its follow-ups for staff.
func RenderSubmission(sub *models.Submission, history []*models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Submission #%d\n", sub.ID)
	fmt.Fprintf(&b, "From: @%s (id %d)\n", sub.DisplayName(), sub.UserID)
	fmt.Fprintf(&b, "Status: %s\n", sub.Status)
	fmt.Fprintf(&b, "Created: %s\n", sub.CreatedAt.Format("2006-01-02 15:04"))
	if len(sub.Attachments) > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", len(sub.Attachments))
	}
	if text := strings.TrimSpace(sub.Text); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
		b.WriteString("\n")
	}
	// The first message mirrors the submission itself.
	for i, msg := range history {
		if i == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s %s] %s", msg.SenderRole, msg.CreatedAt.Format("01-02 15:04"), strings.TrimSpace(msg.Text))
		if n := len(msg.Attachments); n > 0 {
			fmt.Fprintf(&b, " (+%d attachments)", n)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// MarkSolved resolves a submission.
func (s *ReviewService) MarkSolved(ctx context.Context, staffID int64, id uint) (*models.Submission, error) {
	if _, err := s.submissions.Resolve(ctx, id); err != nil {
		return nil, err
	}
	sub, err := s.submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	observability.Logger.InfoContext(ctx, "Submission solved",
		slog.Uint64("submission_id", uint64(id)),
		slog.Int64("staff_id", staffID),
	)

	s.session(staffID).replaceItem(sub)
	return sub, nil
}

// RequestDelete is the first step of deleting a submission.
func (s *ReviewService) RequestDelete(ctx context.Context, staffID int64, id uint) (*DeleteConfirmation, error) {
	sub, err := s.submissions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	sess := s.session(staffID)
	sess.mu.Lock()
	sess.pendingDelete = id
	sess.mu.Unlock()

	return &DeleteConfirmation{
		SubmissionID: id,
		Prompt:       fmt.Sprintf("Delete submission #%d from @%s? This cannot be undone.", sub.ID, sub.DisplayName()),
	}, nil
}

// ConfirmDelete deletes a submission previously requested with RequestDelete and drops it from
// the in-memory page without reloading.
func (s *ReviewService) ConfirmDelete(ctx context.Context, staffID int64, id uint) (*Page, error) {
	sess := s.session(staffID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.pendingDelete != id {
		return nil, models.NewValidationError(fmt.Sprintf("deletion of submission %d was not requested", id))
	}
	if err := s.submissions.Delete(ctx, id); err != nil {
		if models.HasCode(err, models.CodeNotFound) {
			sess.pendingDelete = 0
			sess.removeItem(id)
		}
		return nil, err
	}
	sess.pendingDelete = 0
	sess.removeItem(id)

	observability.Logger.InfoContext(ctx, "Submission deleted by staff",
		slog.Uint64("submission_id", uint64(id)),
		slog.Int64("staff_id", staffID),
	)
	return sess.view(), nil
}

// CancelDelete abandons a pending delete.
func (s *ReviewService) CancelDelete(staffID int64, id uint) bool {
	sess := s.session(staffID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.pendingDelete != id || id == 0 {
		return false
	}
	sess.pendingDelete = 0
	return true
}

func (sess *reviewSession) removeItem(id uint) {
	for i, item := range sess.items {
		if item.ID == id {
			sess.items = append(sess.items[:i], sess.items[i+1:]...)
			if sess.total > 0 {
				sess.total--
			}
			return
		}
	}
}

func (sess *reviewSession) replaceItem(sub *models.Submission) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, item := range sess.items {
		if item.ID == sub.ID {
			sess.items[i] = sub
			return
		}
	}
}

// Reply persists a staff reply and delivers it to the submitting user.
func (s *ReviewService) Reply(ctx context.Context, staffID int64, id uint, text string, attachments []string) (*models.Message, error) {
	msg, sub, err := s.submissions.Reply(ctx, ReplyInput{
		SubmissionID: id,
		SenderID:     staffID,
		Role:         models.SenderRoleStaff,
		Text:         text,
		Attachments:  attachments,
	})
	if err != nil {
		return nil, err
	}

	if s.deliverer != nil {
		s.deliverer.Deliver(ctx, sub.UserID, FormatStaffReply(sub, msg), msg.Attachments)
	}
	observability.Logger.InfoContext(ctx, "Staff reply sent",
		slog.Uint64("submission_id", uint64(id)),
		slog.Int64("staff_id", staffID),
		slog.Int64("receiver_id", msg.ReceiverID),
	)
	return msg, nil
}

// FormatStaffReply renders a staff reply for the submitting user.
func FormatStaffReply(sub *models.Submission, msg *models.Message) string {
	text := strings.TrimSpace(msg.Text)
	header := fmt.Sprintf("Reply to your submission #%d", sub.ID)
	if text == "" {
		return header
	}
	return header + ":\n\n" + text
}

// FindUser gathers ban state and submission activity for a user.
func (s *ReviewService) FindUser(ctx context.Context, userID int64) (*UserOverview, error) {
	overview := &UserOverview{UserID: userID}

	rec, err := s.bans.GetBanInfo(ctx, userID)
	switch {
	case err == nil:
		overview.Ban = rec
		overview.Banned = rec.ActiveAt(s.bans.now())
	case models.HasCode(err, models.CodeNotFound):
	default:
		return nil, err
	}

	recent, total, err := s.submissions.ListForUser(ctx, userID, 5)
	if err != nil {
		return nil, err
	}
	overview.Recent = recent
	overview.Submissions = total
	if overview.LastSubmissionAt, err = s.submissions.LastSubmissionTime(ctx, userID); err != nil {
		return nil, err
	}
	return overview, nil
}
