package cli

import (
	"fmt"
	"io"

	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/report"

	"github.com/spf13/cobra"
)

type reconcileOptions struct {
	from       string
	to         string
	dryRun     bool
	exclusive  bool
	noNotify   bool
	reportXLSX string
	json       bool
}

func newReconcileCommand(provide AppProvider) *cobra.Command {
	opts := &reconcileOptions{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Detect and repair drift over a date range",
		Long: `Compares reservations, intake records and reorders with the booking ledger
over [--from, --to] and repairs what can be repaired automatically.

Exit codes:
  0  clean, repaired, or dry run without escalations
  1  internal error or aborted run
  2  ledger unavailable, nothing was changed
  3  discrepancies need human review
  4  one or more repairs failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				return runReconcile(cmd, app, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "first day of the range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last day of the range (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report discrepancies without writing anything")
	cmd.Flags().BoolVar(&opts.exclusive, "exclusive", false, "fail if another run holds the run lock")
	cmd.Flags().BoolVar(&opts.noNotify, "no-notify", false, "do not message patients about corrections")
	cmd.Flags().StringVar(&opts.reportXLSX, "report-xlsx", "", "also write the report to this xlsx file")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the full report as JSON")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runReconcile(cmd *cobra.Command, app *bootstrap.App, opts *reconcileOptions) error {
	result, err := app.Reconciliations.Run(cmd.Context(), usecase.RunRequest{
		From:      opts.from,
		To:        opts.to,
		DryRun:    opts.dryRun,
		Exclusive: opts.exclusive,
		Notify:    app.Config.Reconcile.NotifyEnabled && !opts.noNotify,
	})

	if result != nil {
		out := cmd.OutOrStdout()
		if opts.json {
			if perr := printJSON(out, result); perr != nil {
				return perr
			}
		} else {
			printReport(out, result)
		}
		if opts.reportXLSX != "" {
			if xerr := report.SaveAs(opts.reportXLSX, result); xerr != nil {
				app.Log.Warnf("Failed to write xlsx report: %+v", xerr)
			}
		}
	}

	code := usecase.ExitCode(result, err)
	if code == usecase.ExitOK {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

func printReport(w io.Writer, r *entity.Report) {
	fmt.Fprintf(w, "run %s [%s .. %s] %s: %s\n", r.RunID, r.From, r.To, r.Status, r.Message)

	if len(r.Results) == 0 {
		for _, d := range r.Discrepancies {
			fmt.Fprintf(w, "  %-20s %-22s %s\n", d.Kind, d.ProposedFix.Action, d.Detail)
		}
		return
	}
	for _, res := range r.Results {
		d := res.Discrepancy
		line := fmt.Sprintf("  %-20s %-22s %-8s %s", d.Kind, d.ProposedFix.Action, res.Outcome, d.Detail)
		if res.Error != "" {
			line += " (" + res.Error + ")"
		}
		fmt.Fprintln(w, line)
	}
}
