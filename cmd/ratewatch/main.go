// ratewatch is the command line client for ratewatch data directories and
// daemons.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/xtxerr/ratewatch/internal/errors"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(&globalOptions{})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(int(errors.ErrorToCode(err)))
	}
}
