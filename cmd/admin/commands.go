package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"feedbackdesk/internal/database"
	"feedbackdesk/internal/models"
	"feedbackdesk/internal/notifications"

	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04"

func parseUserID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return id, nil
}

func describeBan(rec *models.BanRecord, now time.Time) string {
	switch remaining := rec.RemainingAt(now); {
	case remaining < 0:
		return "permanent"
	case remaining > 0:
		return "until " + now.Add(remaining).Format(timeLayout)
	default:
		return "expired"
	}
}

func newListBannedCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list-banned",
		Short: "List ban records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bans, total, err := state.bans.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER ID\tUSERNAME\tSTATE\tCOUNT\tREASON\tBANNED AT")
			for _, b := range bans {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					b.UserID, b.Username, describeBan(b, now), b.BanCount, b.LastBanReason, b.BannedAt.Format(timeLayout))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d records\n", len(bans), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	return cmd
}

func newBanStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ban-stats",
		Short: "Show ban counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := state.bans.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total:     %d\n", stats.Total)
			fmt.Fprintf(out, "Active:    %d\n", stats.Active)
			fmt.Fprintf(out, "Permanent: %d\n", stats.Permanent)
			fmt.Fprintf(out, "Temporary: %d\n", stats.Temporary)
			fmt.Fprintf(out, "Today:     %d\n", stats.Today)
			return nil
		},
	}
}

func newFindUserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find-user <user-id>",
		Short: "Show ban state and recent submissions of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			overview, err := state.review.FindUser(cmd.Context(), userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User %d\n", overview.UserID)
			if overview.Ban != nil {
				fmt.Fprintf(out, "  Ban:         %s (count %d, last reason %q)\n",
					describeBan(overview.Ban, time.Now().UTC()), overview.Ban.BanCount, overview.Ban.LastBanReason)
			} else {
				fmt.Fprintln(out, "  Ban:         none")
			}
			fmt.Fprintf(out, "  Submissions: %d\n", overview.Submissions)
			for _, sub := range overview.Recent {
				fmt.Fprintf(out, "    #%d  %-6s  %s\n", sub.ID, sub.Status, sub.CreatedAt.Format(timeLayout))
			}
			return nil
		},
	}
}

func newBanCmd() *cobra.Command {
	var reason, username string
	var actor int64
	cmd := &cobra.Command{
		Use:   "ban <user-id>",
		Short: "Apply the next escalation tier to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			rec, err := state.bans.Ban(cmd.Context(), userID, username, reason, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %d banned (%s, count %d)\n",
				rec.UserID, describeBan(rec, rec.BannedAt), rec.BanCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "Ban reason")
	cmd.Flags().StringVar(&username, "username", "", "Username to record")
	cmd.Flags().Int64Var(&actor, "actor", models.SystemActorID, "Staff id recorded as the issuer")
	return cmd
}

func newUnbanCmd() *cobra.Command {
	var actor int64
	cmd := &cobra.Command{
		Use:   "unban <user-id>",
		Short: "Remove a user's ban record and escalation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			if err := state.bans.Unban(cmd.Context(), userID, actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %d unbanned\n", userID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&actor, "actor", models.SystemActorID, "Staff id recorded in the log")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-expired-bans",
		Short: "Delete temporary ban records past the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := state.bans.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired records\n", n)
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show submission counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := state.submissions.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total:  %d\n", stats.Total)
			fmt.Fprintf(out, "New:    %d\n", stats.New)
			fmt.Fprintf(out, "Viewed: %d\n", stats.Viewed)
			fmt.Fprintf(out, "Solved: %d\n", stats.Solved)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := database.Migrate(state.db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema up to date")
			return nil
		},
	}
}

func newTailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Print outbound deliveries as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rdb, err := connectRedis(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			n := notifications.NewNotifier(rdb, 0)
			err = n.StartSubscriber(ctx, func(channel string, env notifications.Envelope) {
				_ = enc.Encode(struct {
					Channel string `json:"channel"`
					notifications.Envelope
				}{channel, env})
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Listening for outbound deliveries, Ctrl-C to stop")
			<-ctx.Done()
			return nil
		},
	}
}
