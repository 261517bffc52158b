package cli

import (
	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/domain/entity"
	"clinic-reconciler/internal/service"
	"clinic-reconciler/internal/usecase"

	"github.com/spf13/cobra"
)

func newResolveCommand(provide AppProvider) *cobra.Command {
	var req usecase.ResolveIdentityRequest
	var patientID string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a chat id and a patient id to one canonical identity",
		Long: `Runs the identity resolver for one pair. Without --apply nothing is
written. A phone number only lists candidate patients, it never links.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.PatientID = entity.PatientIdentity(patientID)
			if req.Actor == "" {
				req.Actor = operator()
			}
			return withApp(provide, func(app *bootstrap.App) error {
				res, err := app.Identities.Resolve(cmd.Context(), req)
				if err != nil {
					if service.IsIdentityConflict(err) {
						return &ExitError{Code: usecase.ExitReviewRequired, Err: err}
					}
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.Flags().StringVar(&req.ChatID, "chat-id", "", "LINE user id")
	cmd.Flags().StringVar(&patientID, "patient-id", "", "permanent patient id")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "phone number to list candidate patients")
	cmd.Flags().BoolVar(&req.Apply, "apply", false, "link the identities and move history")
	cmd.Flags().StringVar(&req.Actor, "actor", "", "name recorded in the audit log")
	return cmd
}
