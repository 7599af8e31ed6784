package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/xkilldash9x/catalog-relay/cmd"
	"github.com/xkilldash9x/catalog-relay/internal/observability"
)

// Swapped out in tests.
var (
	osExit  = os.Exit
	execute = cmd.Execute
)

func main() {
	defer handlePanic()

	// SIGINT and SIGTERM cancel the context, which closes the browser.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(exitCode(execute(ctx)))
}

// exitCode maps the command result onto the process status. A signal
// triggered shutdown is a clean exit.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}

// handlePanic flushes logs and reports the stack on stderr. Stdout is left
// alone so the parent never reads a partial protocol line.
func handlePanic() {
	if r := recover(); r != nil {
		observability.Sync()
		fmt.Fprintf(os.Stderr, "panic: %v\n\n%s\n", r, debug.Stack())
		osExit(2)
	}
}
