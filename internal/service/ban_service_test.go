package service

import (
	"context"
	"testing"
	"time"

	"feedbackdesk/internal/abuse"
	"feedbackdesk/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalation(t *testing.T) {
	tests := []struct {
		count     int
		duration  time.Duration
		permanent bool
	}{
		{1, 24 * time.Hour, false},
		{2, 7 * 24 * time.Hour, false},
		{3, 0, true},
		{7, 0, true},
	}
	for _, tt := range tests {
		d, p := Escalation(tt.count)
		assert.Equal(t, tt.duration, d, "count %d", tt.count)
		assert.Equal(t, tt.permanent, p, "count %d", tt.count)
	}
}

func TestBanService_ProgressiveLadder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.bans.AutoBan(ctx, 50, "bob", models.BanReasonRate)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.BanCount)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, 24*time.Hour, rec.ExpiresAt.Sub(rec.BannedAt))
	assert.Equal(t, models.SystemActorID, rec.BannedBy)

	f.clock.Advance(25 * time.Hour)
	banned, err := f.bans.IsBanned(ctx, 50)
	require.NoError(t, err)
	assert.False(t, banned, "first ban expired")

	rec, err = f.bans.AutoBan(ctx, 50, "", models.BanReasonDuplicate)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.BanCount, "expired records keep the tier")
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, 7*24*time.Hour, rec.ExpiresAt.Sub(rec.BannedAt))
	assert.Equal(t, "bob", rec.Username)
	assert.Equal(t, models.BanReasonDuplicate, rec.LastBanReason)

	rec, err = f.bans.Ban(ctx, 50, "bob", "manual", staffID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.BanCount)
	assert.True(t, rec.IsPermanent)
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, staffID, rec.BannedBy)

	f.clock.Advance(365 * 24 * time.Hour)
	banned, err = f.bans.IsBanned(ctx, 50)
	require.NoError(t, err)
	assert.True(t, banned)

	rec, err = f.bans.AutoBan(ctx, 50, "bob", models.BanReasonRate)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.BanCount)
	assert.True(t, rec.IsPermanent)
}

func TestBanService_StaffNeverBanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.bans.AutoBan(ctx, staffID, "admin", models.BanReasonRate)
	assert.True(t, models.HasCode(err, models.CodeAdminBanRejected))

	_, err = f.bans.Ban(ctx, staffID, "admin", "manual", 2)
	assert.True(t, models.HasCode(err, models.CodeAdminBanRejected))

	_, err = f.bans.GetBanInfo(ctx, staffID)
	assert.True(t, models.HasCode(err, models.CodeNotFound))
}

func TestBanService_StaffNeverBannedUnderRandomActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detector := abuse.NewDetector(abuse.DefaultConfig(), f.bans, f.clock.Now)
	faker := gofakeit.New(2026)

	texts := []string{"same", "same", ""}
	for i := 0; i < 500; i++ {
		var text string
		if faker.Bool() {
			text = texts[faker.Number(0, len(texts)-1)]
		} else {
			text = faker.Sentence(3)
		}
		v, err := detector.Inspect(ctx, staffID, "admin", text)
		require.NoError(t, err)
		require.False(t, v.Banned)
		f.clock.Advance(time.Duration(faker.Number(0, 20)) * time.Second)
	}

	var count int64
	require.NoError(t, f.db.Model(&models.BanRecord{}).Where("user_id = ?", staffID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestBanService_BanCountMonotonicUnderDetector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	detector := abuse.NewDetector(abuse.DefaultConfig(), f.bans, f.clock.Now)
	faker := gofakeit.New(9)

	last := 0
	for i := 0; i < 300; i++ {
		v, err := detector.Inspect(ctx, 77, "flood", faker.Word())
		require.NoError(t, err)
		if v.Banned {
			assert.Equal(t, last+1, v.Record.BanCount)
			if last >= 2 {
				assert.True(t, v.Record.IsPermanent)
			}
			last = v.Record.BanCount
		}
		f.clock.Advance(time.Second)
	}
	assert.Greater(t, last, 3)
}

func TestBanService_AdminOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []int64{10, 11, 12} {
		_, err := f.bans.AutoBan(ctx, id, "u", models.BanReasonRate)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	list, total, err := f.bans.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(12), list[0].UserID)

	stats, err := f.bans.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(3), stats.Active)
	assert.Equal(t, int64(3), stats.Temporary)

	require.NoError(t, f.bans.Unban(ctx, 11, staffID))
	err = f.bans.Unban(ctx, 11, staffID)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	// One day to expire, thirty more to fall out of retention.
	f.clock.Advance(32 * 24 * time.Hour)
	removed, err := f.bans.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	stats, err = f.bans.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestBanService_RunStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.bans.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
