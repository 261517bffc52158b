// Package cli is the operator command line: reconciliation runs, identity
// resolution, manual reservation fixes, migrations and the HTTP API.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"clinic-reconciler/cmd/bootstrap"
	"clinic-reconciler/internal/usecase"

	"github.com/spf13/cobra"
)

// AppProvider builds the application for commands that need it.
type AppProvider func() (*bootstrap.App, error)

// DefaultProvider loads configuration and connects everything.
func DefaultProvider() (*bootstrap.App, error) {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cfg)
}

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewRootCommand(provide AppProvider) *cobra.Command {
	root := &cobra.Command{
		Use:           "clinic-reconciler",
		Short:         "Reconcile clinic reservations, intake records and the booking ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newReconcileCommand(provide),
		newRunsCommand(provide),
		newResolveCommand(provide),
		newReservationsCommand(provide),
		newTokenCommand(provide),
		newMigrateCommand(),
		newServeCommand(provide),
	)
	return root
}

// Execute runs root and returns the process exit status.
func Execute(root *cobra.Command, stderr io.Writer) int {
	err := root.Execute()
	if err == nil {
		return usecase.ExitOK
	}

	var exit *ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintln(stderr, "Error:", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return usecase.ExitInternal
}

func withApp(provide AppProvider, fn func(app *bootstrap.App) error) error {
	app, err := provide()
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func operator() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}
