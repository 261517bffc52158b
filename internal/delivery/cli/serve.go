package cli

import (
	"clinic-reconciler/cmd/bootstrap"

	"github.com/spf13/cobra"
)

func newServeCommand(provide AppProvider) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				return app.Serve()
			})
		},
	}
}
