package stage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Runner executes a single stage. input nil means stdin is not connected.
type Runner interface {
	Run(ctx context.Context, s Stage, input []byte) (Outcome, error)
}

// ExecConfig configures an ExecRunner.
type ExecConfig struct {
	// Stdout receives inherited stage output. Default: os.Stdout
	Stdout io.Writer

	// Stderr receives every stage's stderr. Default: os.Stderr
	Stderr io.Writer

	// KillGrace is how long a stage has to exit after SIGTERM (on timeout
	// or cancellation) before it is killed.
	// Default: 10s
	KillGrace time.Duration

	Logger *zap.Logger
}

// ExecRunner runs stages as child processes.
type ExecRunner struct {
	stdout    io.Writer
	stderr    io.Writer
	killGrace time.Duration
	logger    *zap.Logger
}

func NewExecRunner(cfg ExecConfig) *ExecRunner {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ExecRunner{
		stdout:    cfg.Stdout,
		stderr:    cfg.Stderr,
		killGrace: cfg.KillGrace,
		logger:    cfg.Logger,
	}
}

func (r *ExecRunner) Run(ctx context.Context, s Stage, input []byte) (Outcome, error) {
	out := Outcome{Stage: s.Name, ExitCode: -1}
	fail := func(err *Error) (Outcome, error) {
		out.Err = err
		return out, err
	}

	if err := s.Validate(); err != nil {
		return fail(&Error{Kind: KindLaunchFailed, Stage: s.Name, ExitCode: -1, Err: err})
	}

	runCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.Executable, s.Args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	// The worker and anything it spawns share a process group, so stopping
	// the stage stops all of them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var termSent atomic.Int64
	cmd.Cancel = func() error {
		termSent.Store(time.Now().UnixNano())
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	if input != nil || s.Stdin == InputPipe {
		cmd.Stdin = bytes.NewReader(input)
	}

	var captured bytes.Buffer
	if s.Stdout == OutputCapture {
		cmd.Stdout = &captured
	} else {
		cmd.Stdout = r.stdout
	}
	cmd.Stderr = r.stderr

	log := r.logger.With(
		zap.String("stage", s.Name),
		zap.String("executable", s.Executable))
	log.Info("Starting stage",
		zap.Strings("args", s.Args),
		zap.Int("stdin_bytes", len(input)),
		zap.String("stdout", string(s.Stdout)),
		zap.Duration("timeout", s.Timeout))

	started := time.Now()
	if err := cmd.Start(); err != nil {
		out.Duration = time.Since(started)
		return fail(&Error{Kind: KindLaunchFailed, Stage: s.Name, ExitCode: -1, Err: err})
	}

	waitErr := cmd.Wait()
	out.Duration = time.Since(started)

	var termAt time.Time
	if ns := termSent.Load(); ns != 0 {
		termAt = time.Unix(0, ns)
	}
	r.reapGroup(cmd.Process.Pid, termAt, log)
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return fail(&Error{Kind: KindCanceled, Stage: s.Name, ExitCode: out.ExitCode, Err: ctx.Err()})
	}
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fail(&Error{Kind: KindTimedOut, Stage: s.Name, ExitCode: out.ExitCode, Err: runCtx.Err()})
	}

	if waitErr != nil && !(errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState.Success()) {
		se := &Error{Kind: KindNonZeroExit, Stage: s.Name, ExitCode: out.ExitCode, Err: waitErr}
		if sig, ok := exitSignal(cmd.ProcessState); ok {
			se.Signal = sig
		}
		return fail(se)
	}

	if s.Stdout == OutputCapture {
		normalized, records, err := s.Payload.Normalize(captured.Bytes())
		if err != nil {
			return fail(&Error{Kind: KindPayloadMalformed, Stage: s.Name, ExitCode: out.ExitCode, Err: err})
		}
		out.Output = normalized
		out.Records = records
	}

	log.Info("Stage finished",
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
		zap.Int("records", out.Records))
	return out, nil
}

// reapGroup makes sure no member of the stage's process group outlives the
// stage. Members get SIGTERM (unless it was already sent at termAt) and are
// killed once the grace period has passed.
func (r *ExecRunner) reapGroup(pgid int, termAt time.Time, log *zap.Logger) {
	if !groupAlive(pgid) {
		return
	}
	if termAt.IsZero() {
		log.Warn("Stage exited leaving processes behind, terminating them", zap.Int("pgid", pgid))
		_ = signalGroup(pgid, syscall.SIGTERM)
		termAt = time.Now()
	}

	deadline := termAt.Add(r.killGrace)
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
		log.Warn("Failed to kill stage process group", zap.Int("pgid", pgid), zap.Error(err))
		return
	}
	log.Warn("Killed stage process group after grace period", zap.Int("pgid", pgid))
}

// signalGroup signals every process in group pgid. An empty group is not
// an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func exitSignal(ps *os.ProcessState) (string, bool) {
	if ps == nil {
		return "", false
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	return ws.Signal().String(), true
}
