package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Exit codes.
const (
	exitOK        = 0
	exitBootstrap = 1
	exitUsage     = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// commandError carries the exit status for errors that are not usage errors.
type commandError struct {
	code int
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }

func (e *commandError) Unwrap() error { return e.err }

func bootstrapError(err error) error {
	return &commandError{code: exitBootstrap, err: err}
}

// exitCode maps an Execute error to the process status. Anything cobra
// rejects on its own (unknown command, bad flag, stray argument) is a usage error.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cmdErr *commandError
	if errors.As(err, &cmdErr) {
		return cmdErr.code
	}
	return exitUsage
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	cmd, err := root.ExecuteContextC(ctx)
	code := exitCode(err)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	if code == exitUsage {
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return code
}
