package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vetpulse/vetsync/internal/errors"
)

func newWipeCmd(g *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete the tenant's cached records",
		Long: "Delete every locally cached record of the tenant, as on logout. Queued operations and " +
			"conflicts are kept so unsent work is not lost; the next refresh repopulates the cache.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New(errors.ErrInvalid, "refusing to wipe without --yes")
			}
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Records.Clear(cmd.Context(), scope)
			if err != nil {
				return err
			}
			return g.render(cmd, map[string]int64{"removed": n}, func(t table.Writer) {
				t.AppendRow(table.Row{"Removed records", n})
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}
