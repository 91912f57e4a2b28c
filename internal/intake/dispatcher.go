package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"feedbackdesk/internal/abuse"
	"feedbackdesk/internal/draft"
	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"
	"feedbackdesk/internal/service"

	"go.opentelemetry.io/otel/attribute"
)

// FallbackMainMenu tells the transport to bring the user back to the main menu.
const FallbackMainMenu = "main_menu"

// User-facing texts.
const (
	textStartFeedback = "Send your feedback as one or more messages and up to 5 attachments, then press Submit."
	textStartReply    = "Send your reply to submission #%d, then press Submit."
	textIdle          = "Press \"Leave feedback\" to start a new submission."
	textNothingOpen   = "There is nothing to submit or cancel right now."
	textAdded         = "Added. %d characters, %d/%d attachments."
	textSubmitted     = "Thank you! Your feedback was received as submission #%d."
	textReplySent     = "Your reply to submission #%d was sent."
	textCancelled     = "Draft discarded."
	textDraftEmpty    = "Your draft is empty. Send some text or an attachment before submitting."
	textRateLimited   = "You are restricted and can send one submission per week. Try again in %s."
	textBanned        = "You have been restricted for %s. Reason: %s."
	textStoreDown     = "Sorry, something went wrong on our side. Please try again later."
	textNotFound      = "That submission no longer exists."
	textForbidden     = "You can only reply to your own submissions."
)

// Response is what the transport should show the user after an event.
type Response struct {
	Text              string        `json:"text"`
	State             State         `json:"state"`
	Status            *draft.Status `json:"status,omitempty"`
	Fallback          string        `json:"fallback,omitempty"`
	RetryAfterSeconds int64         `json:"retry_after_seconds,omitempty"`
	SubmissionID      uint          `json:"submission_id,omitempty"`
}

// Gate inspects inbound activity before it reaches a draft.
type Gate interface {
	Inspect(ctx context.Context, userID int64, username, text string) (abuse.Verdict, error)
}

// Submissions is the part of the submission manager the dispatcher drives.
type Submissions interface {
	CreateSubmission(ctx context.Context, in service.CreateSubmissionInput) (*models.Submission, error)
	Reply(ctx context.Context, in service.ReplyInput) (*models.Message, *models.Submission, error)
	Get(ctx context.Context, id uint) (*models.Submission, error)
}

// StaffReplier persists and delivers staff replies.
type StaffReplier interface {
	Reply(ctx context.Context, staffID int64, id uint, text string, attachments []string) (*models.Message, error)
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Dispatcher routes inbound events through the abuse gate and the session table. Events of one
// user are handled one at a time; different users proceed concurrently.
type Dispatcher struct {
	drafts      *draft.Accumulator
	gate        Gate
	submissions Submissions
	staff       StaffReplier
	isStaff     func(userID int64) bool

	locksMu sync.Mutex
	locks   map[int64]*userLock
}

// NewDispatcher returns a new Dispatcher. gate may be nil to disable abuse detection.
func NewDispatcher(
	drafts *draft.Accumulator,
	gate Gate,
	submissions Submissions,
	staff StaffReplier,
	isStaff func(userID int64) bool,
) *Dispatcher {
	if isStaff == nil {
		isStaff = func(int64) bool { return false }
	}
	return &Dispatcher{
		drafts:      drafts,
		gate:        gate,
		submissions: submissions,
		staff:       staff,
		isStaff:     isStaff,
		locks:       make(map[int64]*userLock),
	}
}

// lock serializes events of one user. Entries are dropped once nobody holds or waits on them.
func (d *Dispatcher) lock(userID int64) func() {
	d.locksMu.Lock()
	l, ok := d.locks[userID]
	if !ok {
		l = &userLock{}
		d.locks[userID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, userID)
		}
		d.locksMu.Unlock()
	}
}

// State returns the user's current session state.
func (d *Dispatcher) State(userID int64) State {
	mode, ok := d.drafts.Mode(userID)
	switch {
	case !ok:
		return StateIdle
	case mode.Kind == draft.KindReply:
		return StateReplying
	default:
		return StateCollecting
	}
}

// Dispatch processes one inbound event. Every failure is turned into a user-facing response;
// the returned error is only for malformed events.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Response, error) {
	if ev.UserID <= 0 {
		return Response{}, models.NewValidationError("user_id is required")
	}
	if _, err := ParseEventKind(string(ev.Kind)); err != nil {
		return Response{}, models.NewValidationError(err.Error())
	}

	unlock := d.lock(ev.UserID)
	defer unlock()

	ctx = observability.WithUserID(ctx, ev.UserID)
	ctx, finish := observability.StartSpan(ctx, "intake.dispatch",
		attribute.Int64("user.id", ev.UserID),
		attribute.String("event.kind", string(ev.Kind)),
	)

	resp, outcome, err := d.dispatch(ctx, ev)
	finish(err)
	observability.InboundEvents.WithLabelValues(string(ev.Kind), outcome).Inc()
	if err != nil {
		return d.failure(ctx, ev, err), nil
	}
	return resp, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) (Response, string, error) {
	if ev.Kind == EventMessage && d.gate != nil {
		verdict, err := d.gate.Inspect(ctx, ev.UserID, ev.Username, ev.Text)
		if err != nil {
			return Response{}, "error", err
		}
		if verdict.Banned {
			d.drafts.Cancel(ev.UserID)
			return d.bannedResponse(verdict), "banned", nil
		}
	}

	state := d.State(ev.UserID)
	t := transitions[state][ev.Kind]
	resp, err := t.action(d, ctx, ev)
	if err != nil {
		return Response{}, "error", err
	}
	resp.State = d.State(ev.UserID)
	if resp.State != t.next {
		observability.Logger.DebugContext(ctx, "Session settled outside the nominal transition",
			slog.String("from", string(state)),
			slog.String("event", string(ev.Kind)),
			slog.String("expected", string(t.next)),
			slog.String("actual", string(resp.State)),
		)
	}
	return resp, "ok", nil
}

func (d *Dispatcher) bannedResponse(v abuse.Verdict) Response {
	duration := "good"
	if v.Record != nil {
		if remaining := v.Record.RemainingAt(v.Record.BannedAt); remaining > 0 {
			duration = formatWait(remaining)
		}
	}
	return Response{
		Text:     fmt.Sprintf(textBanned, duration, v.Reason),
		State:    StateIdle,
		Fallback: FallbackMainMenu,
	}
}

// failure renders an error from the taxonomy. Raw store errors never reach the text.
func (d *Dispatcher) failure(ctx context.Context, ev Event, err error) Response {
	resp := Response{State: d.State(ev.UserID), Fallback: FallbackMainMenu}
	if st, ok := d.drafts.Peek(ev.UserID); ok {
		resp.Status = &st
	}

	appErr, ok := models.AsAppError(err)
	if !ok {
		observability.Logger.ErrorContext(ctx, "Unexpected intake failure", slog.String("error", err.Error()))
		resp.Text = textStoreDown
		return resp
	}

	switch appErr.Code {
	case models.CodeDraftEmpty:
		observability.Logger.DebugContext(ctx, "Empty draft submitted")
		resp.Text = textDraftEmpty
		resp.Fallback = ""
	case models.CodeRateLimited:
		resp.Text = fmt.Sprintf(textRateLimited, formatWait(appErr.RetryAfter))
		resp.RetryAfterSeconds = int64((appErr.RetryAfter + time.Second - 1) / time.Second)
	case models.CodeValidation:
		resp.Text = appErr.Message
		resp.Fallback = ""
	case models.CodeNotFound:
		resp.Text = textNotFound
	case models.CodeForbidden:
		resp.Text = textForbidden
	default:
		// StoreUnavailable is logged where it is translated.
		resp.Text = textStoreDown
	}
	return resp
}

func (d *Dispatcher) startFeedback(_ context.Context, ev Event) (Response, error) {
	st := d.drafts.Start(ev.UserID, draft.Collecting())
	return Response{Text: textStartFeedback, Status: &st}, nil
}

func (d *Dispatcher) startReply(ctx context.Context, ev Event) (Response, error) {
	if ev.SubmissionID == 0 {
		return Response{}, models.NewValidationError("submission_id is required to reply")
	}
	sub, err := d.submissions.Get(ctx, ev.SubmissionID)
	if err != nil {
		return Response{}, err
	}
	if !d.isStaff(ev.UserID) && sub.UserID != ev.UserID {
		return Response{}, models.NewForbiddenError("not the submission owner")
	}
	st := d.drafts.Start(ev.UserID, draft.ReplyTo(sub.ID))
	return Response{Text: fmt.Sprintf(textStartReply, sub.ID), Status: &st, SubmissionID: sub.ID}, nil
}

func (d *Dispatcher) idleMessage(context.Context, Event) (Response, error) {
	return Response{Text: textIdle, Fallback: FallbackMainMenu}, nil
}

func (d *Dispatcher) nothingOpen(context.Context, Event) (Response, error) {
	return Response{Text: textNothingOpen, Fallback: FallbackMainMenu}, nil
}

func (d *Dispatcher) appendDraft(_ context.Context, ev Event) (Response, error) {
	st, ok := d.drafts.Peek(ev.UserID)
	if !ok {
		return Response{}, draft.ErrNoDraft
	}
	if strings.TrimSpace(ev.Text) != "" {
		var err error
		if st, err = d.drafts.AppendText(ev.UserID, ev.Text); err != nil {
			return Response{}, err
		}
	}
	for _, ref := range ev.Attachments {
		var err error
		if st, err = d.drafts.AppendAttachment(ev.UserID, ref); err != nil {
			return Response{}, err
		}
	}
	return Response{
		Text:   fmt.Sprintf(textAdded, st.Chars, st.Attachments, st.MaxAttachments),
		Status: &st,
	}, nil
}

func (d *Dispatcher) cancelDraft(_ context.Context, ev Event) (Response, error) {
	d.drafts.Cancel(ev.UserID)
	return Response{Text: textCancelled, Fallback: FallbackMainMenu}, nil
}

func (d *Dispatcher) submitFeedback(ctx context.Context, ev Event) (Response, error) {
	content, err := d.drafts.Submit(ev.UserID)
	if err != nil {
		return Response{}, err
	}

	sub, err := d.submissions.CreateSubmission(ctx, service.CreateSubmissionInput{
		UserID:      ev.UserID,
		Username:    ev.Username,
		Text:        content.Text,
		Attachments: content.Attachments,
	})
	if err != nil {
		d.restoreOnStoreFailure(ev.UserID, content, err)
		return Response{}, err
	}
	return Response{
		Text:         fmt.Sprintf(textSubmitted, sub.ID),
		Fallback:     FallbackMainMenu,
		SubmissionID: sub.ID,
	}, nil
}

func (d *Dispatcher) submitReply(ctx context.Context, ev Event) (Response, error) {
	content, err := d.drafts.Submit(ev.UserID)
	if err != nil {
		return Response{}, err
	}
	id := content.Mode.SubmissionID

	if d.isStaff(ev.UserID) && d.staff != nil {
		_, err = d.staff.Reply(ctx, ev.UserID, id, content.Text, content.Attachments)
	} else {
		_, _, err = d.submissions.Reply(ctx, service.ReplyInput{
			SubmissionID: id,
			SenderID:     ev.UserID,
			Role:         models.SenderRoleUser,
			Text:         content.Text,
			Attachments:  content.Attachments,
		})
	}
	if err != nil {
		d.restoreOnStoreFailure(ev.UserID, content, err)
		return Response{}, err
	}
	return Response{
		Text:         fmt.Sprintf(textReplySent, id),
		Fallback:     FallbackMainMenu,
		SubmissionID: id,
	}, nil
}

// restoreOnStoreFailure gives the draft back when the store refused it, so a retry needs no retyping.
func (d *Dispatcher) restoreOnStoreFailure(userID int64, content draft.Content, err error) {
	if models.HasCode(err, models.CodeStoreUnavailable) {
		d.drafts.Restore(userID, content)
	}
}

func formatWait(d time.Duration) string {
	if d <= 0 {
		return "a moment"
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	switch {
	case days > 0 && hours > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case days > 0:
		return fmt.Sprintf("%dd", days)
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return "less than a minute"
	}
}
