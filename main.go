// connhub - a TCP endpoint hub with login tracking and tunnel streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"connhub/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "connhub: %v\n", err)
		os.Exit(1)
	}
}
