// File: cmd/riskgraph/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullmap-sec/riskgraph/cmd"
)

func main() {
	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM)
	// for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		// A canceled context is a graceful shutdown (Ctrl+C), not a failure.
		if errors.Is(err, context.Canceled) {
			return
		}
		os.Exit(1)
	}
}
