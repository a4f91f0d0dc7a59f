// Package pipeline sequences the download, parse and load stages of one
// crawl run.
//
// A run is an explicit state machine:
//
//	Idle -> DownloadRunning -> ParseRunning -> LoadRunning -> Completed
//
// Any stage failure moves the run straight to Failed and the remaining
// stages are never started. The parse stage's captured payload is the load
// stage's stdin.
package pipeline

import (
	"fmt"
	"time"

	"github.com/retractionwatch/scraperd/pkg/stage"
)

// State is the position of a run in the state machine.
type State string

const (
	StateIdle            State = "idle"
	StateDownloadRunning State = "download_running"
	StateParseRunning    State = "parse_running"
	StateLoadRunning     State = "load_running"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var allowed = map[State][]State{
	StateIdle:            {StateDownloadRunning},
	StateDownloadRunning: {StateParseRunning, StateFailed},
	StateParseRunning:    {StateLoadRunning, StateFailed},
	StateLoadRunning:     {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stage names fixed by the pipeline shape.
const (
	StageDownload = "download"
	StageParse    = "parse"
	StageLoad     = "load"
)

// Plan is the three stages of a run, fixed at configuration time.
type Plan struct {
	Download stage.Stage
	Parse    stage.Stage
	Load     stage.Stage
}

// Validate checks each stage and the stdio contract between them.
func (p Plan) Validate() error {
	for _, s := range []stage.Stage{p.Download, p.Parse, p.Load} {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if p.Download.Stdin != stage.InputNone {
		return fmt.Errorf("stage %s: must not read stdin", p.Download.Name)
	}
	if p.Parse.Stdin != stage.InputNone {
		return fmt.Errorf("stage %s: must not read stdin", p.Parse.Name)
	}
	if p.Parse.Stdout != stage.OutputCapture {
		return fmt.Errorf("stage %s: stdout must be captured", p.Parse.Name)
	}
	if p.Load.Stdin != stage.InputPipe {
		return fmt.Errorf("stage %s: must read the parse payload on stdin", p.Load.Name)
	}
	return nil
}

type step struct {
	state State
	stage stage.Stage
}

func (p Plan) steps() []step {
	return []step{
		{StateDownloadRunning, p.Download},
		{StateParseRunning, p.Parse},
		{StateLoadRunning, p.Load},
	}
}

// Transition is emitted to observers on every state change.
type Transition struct {
	RunID string
	From  State
	To    State
	Stage string
	At    time.Time
}

// Run is the transient record of one pipeline execution. It is never
// persisted.
type Run struct {
	ID          string          `json:"run_id"`
	State       State           `json:"state"`
	FailedStage string          `json:"failed_stage,omitempty"`
	ErrorKind   stage.ErrorKind `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Outcomes    []stage.Outcome `json:"stages"`
	Documents   int             `json:"documents"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at,omitempty"`

	err error
}

// Err returns the error that failed the run, or nil.
func (r Run) Err() error {
	return r.err
}

// Succeeded reports whether the run reached Completed.
func (r Run) Succeeded() bool {
	return r.State == StateCompleted
}

// Duration is the wall time of a finished run.
func (r Run) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Failed builds a terminal run that failed outside any stage, such as a
// recovered panic.
func Failed(runID string, startedAt time.Time, err error) Run {
	return Run{
		ID:        runID,
		State:     StateFailed,
		Error:     err.Error(),
		StartedAt: startedAt,
		EndedAt:   time.Now().UTC(),
		err:       err,
	}
}
