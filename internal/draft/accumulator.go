// Package draft accumulates multi-message drafts per user before they are submitted.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"
)

// ErrNoDraft is returned when a user without an open draft appends or submits.
var ErrNoDraft = errors.New("no active draft")

// separator joins text fragments in arrival order.
const separator = "\n\n"

// Kind distinguishes a new submission draft from a reply draft.
type Kind string

// Draft kinds.
const (
	KindCollecting Kind = "collecting"
	KindReply      Kind = "reply"
)

// Mode is what the draft will become once submitted.
type Mode struct {
	Kind         Kind
	SubmissionID uint
}

// Collecting returns the mode for a new feedback submission.
func Collecting() Mode { return Mode{Kind: KindCollecting} }

// ReplyTo returns the mode for a reply to an existing submission.
func ReplyTo(submissionID uint) Mode { return Mode{Kind: KindReply, SubmissionID: submissionID} }

// Status is the summary echoed back after every mutation.
type Status struct {
	Chars          int `json:"chars"`
	Attachments    int `json:"attachments"`
	MaxAttachments int `json:"max_attachments"`
}

// Content is the accumulated draft handed over on submit.
type Content struct {
	Mode        Mode
	Text        string
	Attachments []string
}

// Empty reports whether there is nothing to submit.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Attachments) == 0
}

type entry struct {
	mode        Mode
	text        strings.Builder
	chars       int
	attachments []string
	touched     time.Time
}

func (e *entry) status() Status {
	return Status{Chars: e.chars, Attachments: len(e.attachments), MaxAttachments: models.MaxAttachments}
}

// Accumulator holds at most one draft per user. All methods are safe for concurrent use.
type Accumulator struct {
	mu        sync.Mutex
	drafts    map[int64]*entry
	maxLength int
	idle      time.Duration
	now       func() time.Time
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) { a.now = now }
}

// New creates an accumulator. maxLength caps the draft text in characters (0 disables the cap);
// idle is how long an untouched draft survives the sweeper (0 disables expiry).
func New(maxLength int, idle time.Duration, opts ...Option) *Accumulator {
	a := &Accumulator{
		drafts:    make(map[int64]*entry),
		maxLength: maxLength,
		idle:      idle,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start creates or resets the user's draft.
func (a *Accumulator) Start(userID int64, mode Mode) Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := &entry{mode: mode, touched: a.now()}
	a.drafts[userID] = e
	observability.ActiveDrafts.Set(float64(len(a.drafts)))
	return e.status()
}

// AppendText adds a fragment, separated from earlier text by a blank line.
// Blank fragments are ignored. A fragment that would exceed the length cap is rejected
// and leaves the draft untouched.
func (a *Accumulator) AppendText(userID int64, text string) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.drafts[userID]
	if !ok {
		return Status{}, ErrNoDraft
	}
	e.touched = a.now()
	if strings.TrimSpace(text) == "" {
		return e.status(), nil
	}

	added := utf8.RuneCountInString(text)
	if e.chars > 0 {
		added += utf8.RuneCountInString(separator)
	}
	if a.maxLength > 0 && e.chars+added > a.maxLength {
		return e.status(), models.NewValidationError(
			fmt.Sprintf("text is too long: at most %d characters allowed", a.maxLength))
	}

	if e.chars > 0 {
		e.text.WriteString(separator)
	}
	e.text.WriteString(text)
	e.chars += added
	return e.status(), nil
}

// AppendAttachment adds an attachment reference. References beyond the cap are dropped silently.
func (a *Accumulator) AppendAttachment(userID int64, ref string) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.drafts[userID]
	if !ok {
		return Status{}, ErrNoDraft
	}
	e.touched = a.now()
	ref = strings.TrimSpace(ref)
	if ref != "" && len(e.attachments) < models.MaxAttachments {
		e.attachments = append(e.attachments, ref)
	}
	return e.status(), nil
}

// Cancel drops the user's draft and reports whether one existed.
func (a *Accumulator) Cancel(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.drafts[userID]
	delete(a.drafts, userID)
	observability.ActiveDrafts.Set(float64(len(a.drafts)))
	return ok
}

// Submit hands over the accumulated content and destroys the draft.
// An empty draft fails with DraftEmpty and stays open so the user can keep typing.
func (a *Accumulator) Submit(userID int64) (Content, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.drafts[userID]
	if !ok {
		return Content{}, ErrNoDraft
	}
	content := Content{
		Mode:        e.mode,
		Text:        e.text.String(),
		Attachments: append([]string(nil), e.attachments...),
	}
	if content.Empty() {
		e.touched = a.now()
		return Content{}, models.NewDraftEmptyError()
	}

	delete(a.drafts, userID)
	observability.ActiveDrafts.Set(float64(len(a.drafts)))
	return content, nil
}

// Restore reinstates submitted content, e.g. after the store refused it.
func (a *Accumulator) Restore(userID int64, content Content) Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := &entry{mode: content.Mode, touched: a.now()}
	e.text.WriteString(content.Text)
	e.chars = utf8.RuneCountInString(content.Text)
	e.attachments = append([]string(nil), content.Attachments...)
	if len(e.attachments) > models.MaxAttachments {
		e.attachments = e.attachments[:models.MaxAttachments]
	}
	a.drafts[userID] = e
	observability.ActiveDrafts.Set(float64(len(a.drafts)))
	return e.status()
}

// Mode returns the mode of the user's open draft.
func (a *Accumulator) Mode(userID int64) (Mode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.drafts[userID]
	if !ok {
		return Mode{}, false
	}
	return e.mode, true
}

// Peek returns the status of the user's open draft without touching it.
func (a *Accumulator) Peek(userID int64) (Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.drafts[userID]
	if !ok {
		return Status{}, false
	}
	return e.status(), true
}

// Len returns the number of open drafts.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.drafts)
}

// Expire drops drafts idle for longer than the idle timeout and returns their owners.
func (a *Accumulator) Expire(now time.Time) []int64 {
	if a.idle <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []int64
	for userID, e := range a.drafts {
		if now.Sub(e.touched) > a.idle {
			delete(a.drafts, userID)
			expired = append(expired, userID)
		}
	}
	if len(expired) > 0 {
		observability.DraftsExpired.Add(float64(len(expired)))
		observability.ActiveDrafts.Set(float64(len(a.drafts)))
	}
	return expired
}

// Run sweeps idle drafts every interval until ctx is done.
func (a *Accumulator) Run(ctx context.Context, interval time.Duration) error {
	if a.idle <= 0 || interval <= 0 {
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
			if expired := a.Expire(a.now()); len(expired) > 0 {
				observability.Logger.InfoContext(ctx, "Expired idle drafts",
					slog.Int("count", len(expired)),
					slog.Duration("idle_timeout", a.idle),
				)
			}
		}
	}
}
