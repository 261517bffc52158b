package cli

import (
	"errors"
	"fmt"

	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/pkg/jwt"

	"github.com/spf13/cobra"
)

func newTokenCommand(provide AppProvider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and revoke operator API tokens",
	}

	var subject string
	var scopes []string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed token for the operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			granted := make([]jwt.Scope, 0, len(scopes))
			for _, s := range scopes {
				scope := jwt.Scope(s)
				if scope != jwt.ScopeReconcileRun && scope != jwt.ScopeReconcileRead {
					return fmt.Errorf("unknown scope %q", s)
				}
				granted = append(granted, scope)
			}
			return withApp(provide, func(app *bootstrap.App) error {
				token, tokenID, err := app.JWTService.GenerateAccessToken(subject, granted...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "token id %s, expires in %s\n", tokenID, app.JWTService.GetAccessExpiry())
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "operator name")
	issue.Flags().StringSliceVar(&scopes, "scope", []string{string(jwt.ScopeReconcileRead)}, "granted scopes")
	_ = issue.MarkFlagRequired("subject")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN_ID",
		Short: "Reject a token before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(provide, func(app *bootstrap.App) error {
				if app.RedisClient == nil {
					return errors.New("token revocation needs redis to be configured")
				}
				key := middleware.RedisRevokedTokenKeyPrefix + args[0]
				return app.RedisClient.Set(cmd.Context(), key, 1, app.JWTService.GetAccessExpiry()).Err()
			})
		},
	}

	cmd.AddCommand(issue, revoke)
	return cmd
}
