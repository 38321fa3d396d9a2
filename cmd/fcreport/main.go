// Command fcreport runs the functional connectivity group comparison and
// cohort linkage pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"fcreport/internal/cli"
)

var version = "0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand(version).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
