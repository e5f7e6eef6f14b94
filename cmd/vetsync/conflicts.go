package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
)

func newConflictsCmd(g *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List sync conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			var conflicts []models.Conflict
			if all {
				conflicts, err = a.Conflicts.GetAllConflicts(cmd.Context(), scope)
			} else {
				conflicts, err = a.Conflicts.GetUnresolvedConflicts(cmd.Context(), scope)
			}
			if err != nil {
				return err
			}
			return g.render(cmd, conflicts, func(t table.Writer) {
				t.AppendHeader(table.Row{"ID", "Entity", "Entity ID", "Priority", "Local v", "Remote v", "Detected", "Resolution"})
				for _, c := range conflicts {
					resolution := string(c.Resolution)
					if resolution == "" {
						resolution = "-"
					}
					t.AppendRow(table.Row{
						c.ID, c.EntityType, c.EntityID, c.Priority, c.LocalVersion, c.RemoteVersion,
						formatMillis(c.DetectedAt), resolution,
					})
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved conflicts")
	return cmd
}

type resolveOutput struct {
	Resolved []string          `json:"resolved"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func newResolveCmd(g *globalFlags) *cobra.Command {
	var (
		strategy   string
		mergedPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "resolve [conflict-id...]",
		Short: "Resolve conflicts with keep-local, keep-remote or merge",
		Long: "Resolve one or more conflicts. keep-local re-queues the local change on top of the server " +
			"version, keep-remote accepts the server record and merge re-queues the payload read from --merged " +
			"(or a field-level merge of both sides when --merged is omitted).",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolution, err := models.ParseResolution(strategy)
			if err != nil {
				return errors.Wrap(errors.ErrInvalidResolution, err.Error(), err)
			}
			if len(args) == 0 && !all {
				return errors.New(errors.ErrInvalid, "pass conflict ids or --all")
			}
			if mergedPath != "" && (len(args) != 1 || resolution != models.ResolutionMerge) {
				return errors.New(errors.ErrInvalid, "--merged needs exactly one conflict id and --strategy merge")
			}

			a, scope, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			out := resolveOutput{Failed: map[string]string{}}
			if mergedPath != "" {
				merged, err := os.ReadFile(mergedPath)
				if err != nil {
					return err
				}
				if !json.Valid(merged) {
					return errors.New(errors.ErrInvalid, "merged payload is not valid JSON")
				}
				if _, err := a.Resolver.ResolveConflict(ctx, scope, args[0], resolution, merged); err != nil {
					return err
				}
				out.Resolved = []string{args[0]}
			} else {
				ids := args
				if all {
					open, err := a.Conflicts.GetUnresolvedConflicts(ctx, scope)
					if err != nil {
						return err
					}
					ids = ids[:0:0]
					for _, c := range open {
						ids = append(ids, c.ID)
					}
				}
				result, err := a.Resolver.BulkResolveConflicts(ctx, scope, ids, resolution)
				if err != nil {
					return err
				}
				out.Resolved = result.Resolved
				for id, ferr := range result.Failed {
					out.Failed[id] = ferr.Error()
				}
			}

			return g.render(cmd, out, func(t table.Writer) {
				t.AppendHeader(table.Row{"Conflict", "Result"})
				for _, id := range out.Resolved {
					t.AppendRow(table.Row{id, "resolved (" + string(resolution) + ")"})
				}
				failed := make([]string, 0, len(out.Failed))
				for id := range out.Failed {
					failed = append(failed, id)
				}
				sort.Strings(failed)
				for _, id := range failed {
					t.AppendRow(table.Row{id, truncate(out.Failed[id], 60)})
				}
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "keep-local, keep-remote or merge")
	cmd.Flags().StringVar(&mergedPath, "merged", "", "JSON file holding the merged payload")
	cmd.Flags().BoolVar(&all, "all", false, "Resolve every unresolved conflict")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}
