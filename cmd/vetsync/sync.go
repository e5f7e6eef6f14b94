package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
)

func newSyncCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the sync queue against the host API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.offline {
				return errors.New(errors.ErrTransport, "cannot sync while offline")
			}
			a, _, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Engine.PerformSync(cmd.Context())
			if err != nil {
				return err
			}
			if result == nil {
				return errors.New(errors.ErrSyncInProgress, "another process is draining the queue")
			}
			return g.render(cmd, result, func(t table.Writer) {
				t.AppendHeader(table.Row{"Status", "Total", "Synced", "Failed", "Conflicts", "Skipped", "Duration"})
				t.AppendRow(table.Row{result.Status, result.Total, result.Synced, result.Failed, result.Conflicts, result.Skipped, result.Duration.Round(1e6)})
				if result.Error != "" {
					t.AppendFooter(table.Row{"Error", result.Error})
				}
			})
		},
	}
}

func newOpsCmd(g *globalFlags) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List queued operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			var statuses []models.OperationStatus
			if status != "" {
				statuses = append(statuses, models.OperationStatus(status))
			}
			ops, err := a.Queue.List(cmd.Context(), scope, statuses...)
			if err != nil {
				return err
			}
			return g.render(cmd, ops, func(t table.Writer) {
				t.AppendHeader(table.Row{"ID", "Entity", "Entity ID", "Op", "Priority", "Status", "Retries", "Created", "Last Error"})
				for _, op := range ops {
					t.AppendRow(table.Row{
						op.ID, op.EntityType, op.EntityID, op.Operation, op.Priority, op.Status,
						op.RetryCount, formatMillis(op.CreatedAt), truncate(op.LastError, 40),
					})
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only show operations in this status (pending, in_flight, completed, failed, conflicted)")
	return cmd
}

func newRetryFailedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed operations back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Queue.RetryFailed(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return g.render(cmd, map[string]int64{"requeued": n}, func(t table.Writer) {
				t.AppendRow(table.Row{"Requeued", n})
			})
		},
	}
}

func newClearCompletedCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-completed",
		Short: "Delete completed operations from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Queue.ClearCompleted(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return g.render(cmd, map[string]int64{"cleared": n}, func(t table.Writer) {
				t.AppendRow(table.Row{"Cleared", n})
			})
		},
	}
}

func newRefreshCmd(g *globalFlags) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Pull server records into the local cache",
		Long: "Fetch every record of the given entity types (all types by default) and overwrite the " +
			"local copies. Records with queued local changes are left alone.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.offline {
				return errors.New(errors.ErrTransport, "cannot refresh while offline")
			}
			a, _, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			counts := make(map[models.EntityType]int)
			if len(types) == 0 {
				if counts, err = a.Engine.RefreshAll(ctx); err != nil {
					return err
				}
			} else {
				for _, s := range types {
					et, err := models.ParseEntityType(s)
					if err != nil {
						return err
					}
					if counts[et], err = a.Engine.RefreshEntityType(ctx, et); err != nil {
						return err
					}
				}
			}

			return g.render(cmd, counts, func(t table.Writer) {
				keys := make([]string, 0, len(counts))
				for et := range counts {
					keys = append(keys, string(et))
				}
				sort.Strings(keys)
				t.AppendHeader(table.Row{"Entity", "Fetched"})
				for _, k := range keys {
					t.AppendRow(table.Row{k, counts[models.EntityType(k)]})
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, fmt.Sprintf("Entity types to refresh (%s)", strings.Join(entityTypeNames(), ", ")))
	return cmd
}

func entityTypeNames() []string {
	var names []string
	for _, et := range models.EntityTypes() {
		names = append(names, string(et))
	}
	return names
}
