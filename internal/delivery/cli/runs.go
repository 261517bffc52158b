package cli

import (
	"fmt"

	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/converter"
	"clinic-reconciler/internal/usecase"

	"github.com/spf13/cobra"
)

func newRunsCommand(provide AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect past reconciliation runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				runs, err := app.Reconciliations.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				for _, run := range runs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s..%s  %-18s %s\n",
						run.ID, run.RangeFrom, run.RangeTo, run.Status, run.Message)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	var audit bool
	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print the stored report of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				if audit {
					logs, err := app.AuditLogs.GetRunAuditTrail(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), logs)
				}
				run, stored, err := app.Reconciliations.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if stored == nil {
					return printJSON(cmd.OutOrStdout(), converter.RunToListItem(run))
				}
				return printJSON(cmd.OutOrStdout(), converter.ReportToResponse(stored, usecase.ExitCode(stored, nil)))
			})
		},
	}
	show.Flags().BoolVar(&audit, "audit", false, "print the audit rows the run wrote instead")

	cmd.AddCommand(list, show)
	return cmd
}
