package main

import (
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vetpulse/vetsync/internal/models"
)

type statusOutput struct {
	TenantID            string                    `json:"tenant_id"`
	LastSyncAt          *time.Time                `json:"last_sync_at,omitempty"`
	Queue               models.QueueStats         `json:"queue"`
	Records             map[models.SyncStatus]int `json:"records"`
	UnresolvedConflicts int                       `json:"unresolved_conflicts"`
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, record and conflict counts for the tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			out := statusOutput{TenantID: scope.TenantID}
			if out.LastSyncAt, err = a.Engine.LastSyncAt(ctx, scope); err != nil {
				return err
			}
			if out.Queue, err = a.Queue.GetStats(ctx, scope); err != nil {
				return err
			}
			if out.Records, err = a.Records.CountByStatus(ctx, scope); err != nil {
				return err
			}
			if out.UnresolvedConflicts, err = a.Conflicts.CountUnresolved(ctx, scope); err != nil {
				return err
			}

			return g.render(cmd, out, func(t table.Writer) {
				last := "never"
				if out.LastSyncAt != nil {
					last = out.LastSyncAt.Local().Format("2006-01-02 15:04:05")
				}
				t.AppendHeader(table.Row{"Item", "Value"})
				t.AppendRows([]table.Row{
					{"Tenant", out.TenantID},
					{"Last sync", last},
				})
				t.AppendSeparator()
				t.AppendRows([]table.Row{
					{"Pending ops", out.Queue.Pending},
					{"In-flight ops", out.Queue.InFlight},
					{"Failed ops", out.Queue.Failed},
					{"Conflicted ops", out.Queue.Conflicted},
					{"Completed ops", out.Queue.Completed},
				})
				t.AppendSeparator()
				t.AppendRows([]table.Row{
					{"Synced records", out.Records[models.SyncStatusSynced]},
					{"Pending records", out.Records[models.SyncStatusPending]},
					{"Error records", out.Records[models.SyncStatusError]},
					{"Unresolved conflicts", out.UnresolvedConflicts},
				})
			})
		},
	}
}
