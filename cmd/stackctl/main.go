package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quayside/stackctl/internal/lockfile"
	"github.com/quayside/stackctl/internal/messages"
)

// Version is overridden at build time.
var Version = "dev"

// Exit codes per the install contract.
const (
	exitCommitted         = 0
	exitRolledBack        = 1
	exitUnrecoverable     = 2
	exitInstallInProgress = 3
)

// exitCodeError carries a specific process exit code alongside an
// already-printed result, so main can exit without double-reporting.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

func main() {
	runMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func runMain(args []string, stdout io.Writer, stderr io.Writer, exit func(int)) {
	err := execute(args, stdout, stderr)
	if err == nil {
		exit(exitCommitted)
		return
	}
	var coded *exitCodeError
	if errors.As(err, &coded) {
		exit(coded.code)
		return
	}
	if errors.Is(err, lockfile.ErrInstallInProgress) {
		_, _ = fmt.Fprint(stderr, messages.InstallInProgress)
		exit(exitInstallInProgress)
		return
	}
	_, _ = fmt.Fprintln(stderr, err)
	exit(exitRolledBack)
}

func execute(args []string, stdout io.Writer, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.Version = Version
	if len(args) > 1 {
		cmd.SetArgs(args[1:])
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.Execute()
}
