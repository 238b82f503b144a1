// Package process unifies "spawn a script in a local pseudo-terminal" and
// "run a command on a remote host over SSH" behind one streaming contract.
// Workflows and the gateway only see a Handle plus two callbacks; which
// transport is underneath is decided once, at start.
package process

import (
	"errors"
	"os"
)

// Callbacks receive the streamed lifecycle of an execution. OnData fires zero
// or more times with interleaved stdout/stderr; OnExit fires exactly once.
// Neither is invoked if the start itself fails.
type Callbacks struct {
	OnData func(text string)
	OnExit func(code int, signal string)
}

// Handle controls a running execution.
type Handle interface {
	// Write forwards input to the process stdin/pty. No-op once exited.
	Write(text string) error
	// Kill requests termination. For remote executions this only
	// guarantees the local session ends, not that the remote process dies.
	Kill(sig os.Signal) error
}

// ErrOutsideScriptsDir is returned when a local script path does not resolve
// to a descendant of the configured scripts directory.
var ErrOutsideScriptsDir = errors.New("script path is outside the scripts directory")
