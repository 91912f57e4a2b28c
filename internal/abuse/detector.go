// Package abuse watches inbound chat activity and triggers automatic bans for flooding
// and repeated content.
package abuse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feedbackdesk/internal/models"
	"feedbackdesk/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Banner applies an automatic ban. Implementations reject staff with AdminBanRejected.
type Banner interface {
	AutoBan(ctx context.Context, userID int64, username, reason string) (*models.BanRecord, error)
}

// Config controls the detection thresholds.
type Config struct {
	// Window is the sliding interval over which events are counted.
	Window time.Duration
	// MaxEvents is the number of events tolerated inside Window; one more triggers a ban.
	MaxEvents int
	// DuplicateLimit is the number of consecutive repeats of the previous text that triggers a ban.
	DuplicateLimit int
}

// DefaultConfig returns the stock thresholds: more than 5 events per minute, or a fourth
// identical message in a row (the third repeat of the first).
func DefaultConfig() Config {
	return Config{Window: time.Minute, MaxEvents: 5, DuplicateLimit: 3}
}

// Verdict is the outcome of inspecting one event.
type Verdict struct {
	Banned bool
	Reason string
	Record *models.BanRecord
}

type userState struct {
	events   []time.Time
	lastText string
	repeats  int
	lastSeen time.Time
}

// Detector keeps per-user activity and decides whether to ban. It never decides whether a
// banned user may still act.
type Detector struct {
	mu     sync.Mutex
	users  map[int64]*userState
	cfg    Config
	banner Banner
	now    func() time.Time
}

// NewDetector creates a detector that reports triggers to banner.
func NewDetector(cfg Config, banner Banner, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.DuplicateLimit <= 0 {
		cfg.DuplicateLimit = def.DuplicateLimit
	}
	return &Detector{
		users:  make(map[int64]*userState),
		cfg:    cfg,
		banner: banner,
		now:    now,
	}
}

// Inspect records one inbound event and bans the user when a threshold is crossed.
// A rejected ban against staff is not an error.
func (d *Detector) Inspect(ctx context.Context, userID int64, username, text string) (Verdict, error) {
	reason := d.observe(userID, text)
	if reason == "" {
		return Verdict{}, nil
	}

	ctx, finish := observability.StartSpan(ctx, "abuse.auto_ban",
		attribute.Int64("user.id", userID),
		attribute.String("ban.reason", reason),
	)
	observability.AbuseTriggers.WithLabelValues(reason).Inc()

	rec, err := d.banner.AutoBan(ctx, userID, username, reason)
	if err != nil {
		if models.HasCode(err, models.CodeAdminBanRejected) {
			observability.Logger.InfoContext(ctx, "Abuse trigger ignored for staff member",
				slog.Int64("user_id", userID),
				slog.String("reason", reason),
			)
			finish(nil)
			return Verdict{}, nil
		}
		finish(err)
		return Verdict{}, err
	}
	finish(nil)

	observability.Logger.InfoContext(ctx, "User automatically banned",
		slog.Int64("user_id", userID),
		slog.String("reason", reason),
		slog.Int("ban_count", rec.BanCount),
		slog.Bool("permanent", rec.IsPermanent),
	)
	return Verdict{Banned: true, Reason: reason, Record: rec}, nil
}

// observe updates the user's state and returns the ban reason, if any.
// State is cleared after a trigger so one offence yields one ban.
func (d *Detector) observe(userID int64, text string) string {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.users[userID]
	if !ok {
		st = &userState{}
		d.users[userID] = st
		observability.TrackedUsers.Set(float64(len(d.users)))
	}
	st.lastSeen = now

	kept := st.events[:0]
	for _, ts := range st.events {
		if now.Sub(ts) <= d.cfg.Window {
			kept = append(kept, ts)
		}
	}
	st.events = append(kept, now)

	if len(st.events) > d.cfg.MaxEvents {
		st.reset()
		return models.BanReasonRate
	}

	if text == "" {
		return ""
	}
	if text == st.lastText {
		st.repeats++
		if st.repeats >= d.cfg.DuplicateLimit {
			st.reset()
			return models.BanReasonDuplicate
		}
		return ""
	}
	st.lastText = text
	st.repeats = 0
	return ""
}

func (s *userState) reset() {
	s.events = nil
	s.lastText = ""
	s.repeats = 0
}

// Forget drops all state for a user. The server calls it after a staff unban.
func (d *Detector) Forget(userID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, userID)
	observability.TrackedUsers.Set(float64(len(d.users)))
}

// Tracked returns the number of users with live state.
func (d *Detector) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// Sweep removes users with no activity for longer than the window.
func (d *Detector) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for userID, st := range d.users {
		if now.Sub(st.lastSeen) > d.cfg.Window {
			delete(d.users, userID)
			removed++
		}
	}
	observability.TrackedUsers.Set(float64(len(d.users)))
	return removed
}

// Run sweeps idle users every window until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := d.Sweep(d.now()); n > 0 {
				observability.Logger.DebugContext(ctx, "Dropped idle abuse detector state", slog.Int("users", n))
			}
		}
	}
}
