package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitsync/backend/internal/app"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

func (c *cli) statusCmd() *cobra.Command {
	var showEntries bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				status, err := a.Queue.GetSyncStatus(cmd.Context())
				if err != nil {
					return err
				}
				var entries []models.SyncQueueEntry
				if showEntries {
					if entries, err = a.Queue.Entries(cmd.Context()); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				if c.jsonOutput {
					return c.printJSON(out, map[string]interface{}{
						"status":  status,
						"entries": entries,
					})
				}

				fmt.Fprintf(out, "Pending:         %d\n", status.PendingCount)
				fmt.Fprintf(out, "Failed:          %d\n", status.FailedCount)
				fmt.Fprintf(out, "Last attempt:    %s\n", formatTime(status.LastSyncAttempt))
				fmt.Fprintf(out, "Last success:    %s\n", formatTime(status.LastSuccessfulSync))
				for _, e := range entries {
					fmt.Fprintf(out, "  %s  %-16s %-6s retries=%d %s\n",
						e.ID, e.TableName, e.Operation, e.RetryCount, e.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showEntries, "entries", false, "list queued entries")
	return cmd
}

func (c *cli) drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Push every queued change now, ignoring backoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				ctx := cmd.Context()
				if !a.CheckConnectivity(ctx) {
					return apperrors.New(apperrors.ErrSyncOffline, "remote is unreachable")
				}
				if c.cfg.UserID != "" {
					if _, err := a.Queue.RecoverPending(ctx, c.cfg.UserID); err != nil {
						return err
					}
				}

				results, err := a.Scheduler.SyncNow(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if c.jsonOutput {
					return c.printJSON(out, results)
				}
				failed := 0
				for _, r := range results {
					mark := "ok"
					if !r.Success {
						failed++
						mark = "FAIL " + r.Code
					}
					fmt.Fprintf(out, "%-16s %-6s %s  %s\n", r.TableName, r.Operation, r.RecordID, mark)
				}
				fmt.Fprintf(out, "%d processed, %d failed\n", len(results), failed)
				return nil
			})
		},
	}
}

func (c *cli) clearFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Remove entries that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app.App) error {
				n, err := a.Queue.ClearFailedItems(cmd.Context())
				if err != nil {
					return err
				}
				if c.jsonOutput {
					return c.printJSON(cmd.OutOrStdout(), map[string]int{"cleared": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entries\n", n)
				return nil
			})
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
