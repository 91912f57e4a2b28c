package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"feedbackdesk/internal/config"
	"feedbackdesk/internal/database"
	"feedbackdesk/internal/models"
	"feedbackdesk/internal/repository"
	"feedbackdesk/internal/service"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupState(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := &config.Config{AdminIDs: "1", BanHistoryRetention: 30 * 24 * time.Hour}
	bans := service.NewBanService(repository.NewBanRepository(db), cfg.IsStaff, cfg.BanHistoryRetention, nil)
	subs := service.NewSubmissionService(repository.NewSubmissionRepository(db), bans, nil, 7*24*time.Hour, nil)
	state = app{
		cfg:         cfg,
		db:          db,
		bans:        bans,
		submissions: subs,
		review:      service.NewReviewService(subs, bans, nil),
	}
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseUserID(t *testing.T) {
	id, err := parseUserID("7000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(7000000001), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseUserID(bad)
		assert.Error(t, err, bad)
	}
}

func TestDescribeBan(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.Equal(t, "permanent", describeBan(&models.BanRecord{IsPermanent: true}, now))
	assert.Equal(t, "until 2026-03-01 13:00", describeBan(&models.BanRecord{ExpiresAt: &later}, now))
	assert.Equal(t, "expired", describeBan(&models.BanRecord{ExpiresAt: &earlier}, now))
}

func TestBanLifecycleCommands(t *testing.T) {
	setupState(t)

	out, err := run(t, newBanCmd(), "555", "--reason", "spam", "--username", "spammer")
	require.NoError(t, err)
	assert.Contains(t, out, "User 555 banned")
	assert.Contains(t, out, "count 1")

	out, err = run(t, newListBannedCmd())
	require.NoError(t, err)
	assert.Contains(t, out, "spammer")
	assert.Contains(t, out, "1 of 1 records")

	out, err = run(t, newBanStatsCmd())
	require.NoError(t, err)
	assert.Contains(t, out, "Active:    1")

	out, err = run(t, newFindUserCmd(), "555")
	require.NoError(t, err)
	assert.Contains(t, out, `last reason "spam"`)

	_, err = run(t, newUnbanCmd(), "555")
	require.NoError(t, err)

	_, err = run(t, newUnbanCmd(), "555")
	assert.True(t, models.HasCode(err, models.CodeNotFound))
}

func TestBanCommandRejectsStaff(t *testing.T) {
	setupState(t)

	_, err := run(t, newBanCmd(), "1")
	assert.True(t, models.HasCode(err, models.CodeAdminBanRejected))
}

func TestStatsCommand(t *testing.T) {
	setupState(t)
	_, err := state.submissions.CreateSubmission(context.Background(), service.CreateSubmissionInput{UserID: 9, Text: "hi"})
	require.NoError(t, err)

	out, err := run(t, newStatsCmd())
	require.NoError(t, err)
	assert.Contains(t, out, "Total:  1")
	assert.Contains(t, out, "New:    1")
}
