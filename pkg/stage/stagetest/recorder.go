// Package stagetest provides a scripted stage.Runner for tests.
package stagetest

import (
	"context"
	"sync"

	"github.com/retractionwatch/scraperd/pkg/stage"
)

// Result is the scripted response for one stage name.
type Result struct {
	ExitCode int
	Output   []byte
	Err      error

	// Block, when non-nil, holds the stage until it is closed or the
	// context is done.
	Block <-chan struct{}
}

// Call is one recorded invocation.
type Call struct {
	Stage string
	Input []byte
}

// Recorder is a stage.Runner that records calls and replays scripted
// results. Stages without a script succeed with exit code 0.
type Recorder struct {
	mu      sync.Mutex
	results map[string]Result
	calls   []Call
}

func NewRecorder() *Recorder {
	return &Recorder{results: make(map[string]Result)}
}

// Script sets the result returned for stage name.
func (r *Recorder) Script(name string, res Result) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = res
	return r
}

func (r *Recorder) Run(ctx context.Context, s stage.Stage, input []byte) (stage.Outcome, error) {
	r.mu.Lock()
	var in []byte
	if input != nil {
		in = append([]byte{}, input...)
	}
	r.calls = append(r.calls, Call{Stage: s.Name, Input: in})
	res := r.results[s.Name]
	r.mu.Unlock()

	if res.Block != nil {
		select {
		case <-res.Block:
		case <-ctx.Done():
			err := &stage.Error{Kind: stage.KindCanceled, Stage: s.Name, ExitCode: -1, Err: ctx.Err()}
			return stage.Outcome{Stage: s.Name, ExitCode: -1, Err: err}, err
		}
	}

	out := stage.Outcome{Stage: s.Name, ExitCode: res.ExitCode}
	if res.Err != nil {
		out.Err = res.Err
		return out, res.Err
	}
	if s.Stdout == stage.OutputCapture && s.Payload != nil {
		normalized, n, err := s.Payload.Normalize(res.Output)
		if err != nil {
			se := &stage.Error{Kind: stage.KindPayloadMalformed, Stage: s.Name, ExitCode: res.ExitCode, Err: err}
			out.Err = se
			return out, se
		}
		out.Output = normalized
		out.Records = n
	}
	return out, nil
}

// Calls returns the invocations so far, in order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Names returns the stage names invoked so far, in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		names = append(names, c.Stage)
	}
	return names
}

// Count returns how many times stage name was invoked.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Stage == name {
			n++
		}
	}
	return n
}

// ExitFailure builds the error a worker exiting with code produces.
func ExitFailure(name string, code int) Result {
	return Result{
		ExitCode: code,
		Err:      &stage.Error{Kind: stage.KindNonZeroExit, Stage: name, ExitCode: code},
	}
}
