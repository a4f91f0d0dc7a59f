package stage

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a stage failed.
type ErrorKind string

const (
	// KindLaunchFailed: the executable could not be started at all.
	KindLaunchFailed ErrorKind = "launch_failed"
	// KindNonZeroExit: the worker ran and reported failure, or was signaled.
	KindNonZeroExit ErrorKind = "non_zero_exit"
	// KindPayloadMalformed: the worker exited 0 but its output breaks the
	// payload contract.
	KindPayloadMalformed ErrorKind = "payload_malformed"
	// KindTimedOut: the stage exceeded its timeout and was killed.
	KindTimedOut ErrorKind = "timed_out"
	// KindCanceled: the run was canceled (shutdown) while the stage ran.
	KindCanceled ErrorKind = "canceled"
)

// Error is the failure of one stage.
type Error struct {
	Kind     ErrorKind
	Stage    string
	ExitCode int
	Signal   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNonZeroExit:
		if e.Signal != "" {
			return fmt.Sprintf("stage %s: terminated by signal %s", e.Stage, e.Signal)
		}
		return fmt.Sprintf("stage %s: exited with code %d", e.Stage, e.ExitCode)
	case KindLaunchFailed:
		return fmt.Sprintf("stage %s: launch failed: %v", e.Stage, e.Err)
	case KindPayloadMalformed:
		return fmt.Sprintf("stage %s: output is not a valid payload: %v", e.Stage, e.Err)
	case KindTimedOut:
		return fmt.Sprintf("stage %s: timed out: %v", e.Stage, e.Err)
	case KindCanceled:
		return fmt.Sprintf("stage %s: canceled: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the ErrorKind of err, or "" when err is not a stage error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
