package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"clinic-reconciler/internal/delivery/cli"
)

func main() {
	// An interrupt cancels a running reconciliation between fixes.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	root := cli.NewRootCommand(cli.DefaultProvider)
	root.SetContext(ctx)
	code := cli.Execute(root, os.Stderr)

	stop()
	os.Exit(code)
}
