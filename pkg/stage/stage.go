// Package stage describes external worker programs and runs them.
//
// A Stage is immutable configuration: which executable to launch, with which
// arguments, and how its stdin and stdout are wired. The Runner launches one
// stage, waits for it, and classifies the result.
package stage

import (
	"fmt"
	"strings"
	"time"
)

// InputPolicy says whether a stage receives bytes on stdin.
type InputPolicy string

const (
	// InputNone leaves stdin unconnected.
	InputNone InputPolicy = "none"
	// InputPipe writes the previous stage's payload to stdin, then closes it.
	InputPipe InputPolicy = "pipe"
)

// OutputPolicy says what happens to a stage's stdout.
type OutputPolicy string

const (
	// OutputInherit passes stdout through to the orchestrator's own output.
	OutputInherit OutputPolicy = "inherit"
	// OutputCapture buffers stdout and returns it as the stage payload.
	OutputCapture OutputPolicy = "capture"
)

// PayloadFormat validates captured output. Normalize returns the bytes to
// hand to the next stage and the number of records they hold.
type PayloadFormat interface {
	Name() string
	Normalize(raw []byte) ([]byte, int, error)
}

// Stage is one external worker invocation.
type Stage struct {
	Name       string
	Executable string
	Args       []string

	// Dir is the working directory; empty means the orchestrator's.
	Dir string

	// Env entries are appended to the orchestrator's environment.
	Env []string

	Stdin  InputPolicy
	Stdout OutputPolicy

	// Payload is required when Stdout is OutputCapture.
	Payload PayloadFormat

	// Timeout bounds the stage's wall time. Zero means no limit.
	Timeout time.Duration
}

// CommandLine renders the stage for logs and plans.
func (s Stage) CommandLine() string {
	parts := append([]string{s.Executable}, s.Args...)
	return strings.Join(parts, " ")
}

// Validate checks that the descriptor is internally consistent.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("stage name is required")
	}
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("stage %s: executable is required", s.Name)
	}
	switch s.Stdin {
	case InputNone, InputPipe:
	default:
		return fmt.Errorf("stage %s: unknown stdin policy %q", s.Name, s.Stdin)
	}
	switch s.Stdout {
	case OutputInherit:
	case OutputCapture:
		if s.Payload == nil {
			return fmt.Errorf("stage %s: captured stdout needs a payload format", s.Name)
		}
	default:
		return fmt.Errorf("stage %s: unknown stdout policy %q", s.Name, s.Stdout)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("stage %s: timeout must be >= 0", s.Name)
	}
	return nil
}

// Outcome is the record of one stage execution.
type Outcome struct {
	Stage    string        `json:"stage"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`

	// Output holds the normalized payload when stdout was captured.
	Output  []byte `json:"-"`
	Records int    `json:"records,omitempty"`

	Err error `json:"-"`
}
