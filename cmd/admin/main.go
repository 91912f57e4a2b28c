// Command admin provides moderation utilities that operate directly on the store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"feedbackdesk/internal/cache"
	"feedbackdesk/internal/config"
	"feedbackdesk/internal/database"
	"feedbackdesk/internal/repository"
	"feedbackdesk/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Version is set at build time.
var Version = "dev"

// app holds what every subcommand needs. It is filled in by the root PersistentPreRunE.
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	bans        *service.BanService
	submissions *service.SubmissionService
	review      *service.ReviewService
}

var state app

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "feedbackdesk-admin",
		Short: "Moderation utilities for feedbackdesk",
		Long: `feedbackdesk-admin - moderation utilities

Operates on the same database and configuration as the server (config.yml and
environment variables). Changes take effect immediately for the running service.

Examples:
  feedbackdesk-admin list-banned --limit 20
  feedbackdesk-admin ban 123456789 --reason spam
  feedbackdesk-admin find-user 123456789
  feedbackdesk-admin tail`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if state.db == nil {
				return
			}
			if sqlDB, err := state.db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}

	root.AddCommand(
		newListBannedCmd(),
		newBanStatsCmd(),
		newFindUserCmd(),
		newBanCmd(),
		newUnbanCmd(),
		newCleanupCmd(),
		newStatsCmd(),
		newMigrateCmd(),
		newTailCmd(),
	)
	return root
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	state.cfg = cfg

	// tail only needs Redis.
	if cmd.Name() == "tail" {
		return nil
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	state.db = db
	state.bans = service.NewBanService(repository.NewBanRepository(db), cfg.IsStaff, cfg.BanHistoryRetention, nil)
	state.submissions = service.NewSubmissionService(
		repository.NewSubmissionRepository(db), state.bans, nil, cfg.BannedSubmissionInterval, nil)
	state.review = service.NewReviewService(state.submissions, state.bans, nil)
	return nil
}

func connectRedis(ctx context.Context) (*redis.Client, error) {
	rdb := cache.Connect(ctx, state.cfg.RedisURL)
	if rdb == nil {
		return nil, fmt.Errorf("redis at %q is not reachable", state.cfg.RedisURL)
	}
	return rdb, nil
}
