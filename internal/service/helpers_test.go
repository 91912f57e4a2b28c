package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"feedbackdesk/internal/database"
	"feedbackdesk/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type delivery struct {
	chatID      int64
	text        string
	attachments []string
}

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
}

func (d *recordingDeliverer) Deliver(_ context.Context, chatID int64, text string, attachments []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery{chatID: chatID, text: text, attachments: append([]string(nil), attachments...)})
}

func (d *recordingDeliverer) To(chatID int64) []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []delivery
	for _, dl := range d.deliveries {
		if dl.chatID == chatID {
			out = append(out, dl)
		}
	}
	return out
}

type fixture struct {
	db          *gorm.DB
	clock       *testClock
	deliverer   *recordingDeliverer
	bans        *BanService
	submissions *SubmissionService
	review      *ReviewService
}

const staffID int64 = 1

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	clock := newTestClock()
	deliverer := &recordingDeliverer{}
	isStaff := func(id int64) bool { return id == staffID }

	bans := NewBanService(repository.NewBanRepository(db), isStaff, 30*24*time.Hour, clock.Now)
	subs := NewSubmissionService(repository.NewSubmissionRepository(db), bans, deliverer, 7*24*time.Hour, clock.Now)
	return &fixture{
		db:          db,
		clock:       clock,
		deliverer:   deliverer,
		bans:        bans,
		submissions: subs,
		review:      NewReviewService(subs, bans, deliverer),
	}
}
