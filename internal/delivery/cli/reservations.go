package cli

import (
	"fmt"

	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/domain/entity"

	"github.com/spf13/cobra"
)

func newReservationsCommand(provide AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Inspect and correct reservations by hand",
	}

	var patientID, from string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a patient's active reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				res, err := app.Reservations.ListActive(cmd.Context(), entity.PatientIdentity(patientID), from)
				if err != nil {
					return err
				}
				for _, r := range res.Reservations {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s %s  %-9s v%d\n", r.ReservationID, r.Date, r.Time, r.Status, r.Version)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&patientID, "patient-id", "", "patient identity")
	list.Flags().StringVar(&from, "from", "", "first day to include (default today)")
	_ = list.MarkFlagRequired("patient-id")

	var actor string
	setStatus := &cobra.Command{
		Use:   "set-status RESERVATION_ID pending|completed|canceled",
		Short: "Move a reservation along its lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = operator()
			}
			return withApp(provide, func(app *bootstrap.App) error {
				res, err := app.Reservations.SetStatus(cmd.Context(), args[0], entity.ReservationStatus(args[1]), actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	setStatus.Flags().StringVar(&actor, "actor", "", "name recorded in the audit log")

	cmd.AddCommand(list, setStatus)
	return cmd
}
