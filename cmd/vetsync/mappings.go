package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	syncpkg "github.com/vetpulse/vetsync/internal/sync"
)

func newMappingsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mappings",
		Short: "List temporary id to server id mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			mappings, err := syncpkg.ListMappings(cmd.Context(), a.DB, scope)
			if err != nil {
				return err
			}
			return g.render(cmd, mappings, func(t table.Writer) {
				t.AppendHeader(table.Row{"Entity", "Temporary ID", "Server ID", "Mapped"})
				for _, m := range mappings {
					t.AppendRow(table.Row{m.EntityType, m.TempID, m.RealID, formatMillis(m.CreatedAt)})
				}
			})
		},
	}
}
