package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ffcompress/compression"
	"ffcompress/failure"
	"ffcompress/media"
	"ffcompress/toolchain"
)

// DefaultKillTimeout is how long a cancelled ffmpeg gets to exit after
// SIGTERM before it is killed.
const DefaultKillTimeout = 5 * time.Second

// ErrBusy is returned by Start while another encode is running.
var ErrBusy = errors.New("ffmpeg: encode already running")

// State is the lifecycle of an Encoder.
type State int

const (
	Idle State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool { return s == Completed || s == Failed || s == Cancelled }

// Options configures an Encoder.
type Options struct {
	// Binary is the configured ffmpeg command; empty means search for "ffmpeg".
	Binary      string
	ExtraArgs   []string
	KillTimeout time.Duration
	// ProgressLogInterval throttles progress log lines. Zero logs none.
	ProgressLogInterval time.Duration
	Logger              zerolog.Logger
}

// Encoder runs one ffmpeg encode at a time. It may be reused once a run has
// reached a terminal state.
type Encoder struct {
	opts   Options
	logger zerolog.Logger

	mu              sync.Mutex
	state           State
	cmd             *exec.Cmd
	cancel          context.CancelFunc
	cancelRequested bool
	last            *Outcome
}

func NewEncoder(opts Options) *Encoder {
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	return &Encoder{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "encoder").Logger(),
	}
}

// State returns the current lifecycle state.
func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PID returns the process id of the running ffmpeg, or 0.
func (e *Encoder) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// LastOutcome returns the outcome of the most recent finished run.
func (e *Encoder) LastOutcome() (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Outcome{}, false
	}
	return *e.last, true
}

// Start launches an encode of desc into output and returns immediately.
// The caller must drain Run.Progress or cancel ctx; cancelling ctx has the
// same effect as Cancel.
func (e *Encoder) Start(ctx context.Context, spec compression.Spec, desc media.Descriptor, output string, preview bool) (*Run, error) {
	e.mu.Lock()
	if e.state == Running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.state = Running
	e.cancel = cancel
	e.cancelRequested = false
	e.last = nil
	e.mu.Unlock()

	run := newRun(ctx)
	go e.supervise(runCtx, cancel, run, spec, desc, output, preview)
	return run, nil
}

// Cancel requests termination of the running encode. It does not block and
// does nothing when no encode is running.
func (e *Encoder) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running || e.cancel == nil || e.cancelRequested {
		return
	}
	e.cancelRequested = true
	e.cancel()
	e.logger.Info().Msg("cancellation requested")
}

func (e *Encoder) supervise(ctx context.Context, cancel context.CancelFunc, run *Run, spec compression.Spec, desc media.Descriptor, output string, preview bool) {
	started := time.Now()
	encodeActive.Inc()

	var outcome Outcome
	defer func() {
		if r := recover(); r != nil {
			outcome = failed(failure.New(failure.Unknown, "encode", fmt.Sprint(r)))
		}
		cancel()
		encodeActive.Dec()
		outcome.Elapsed = time.Since(started)
		e.finish(outcome)
		encodeTotal.WithLabelValues(string(outcome.Kind), string(spec.Mode())).Inc()
		encodeDuration.WithLabelValues(strconv.FormatBool(preview)).Observe(outcome.Elapsed.Seconds())
		run.resolve(outcome)
	}()

	outcome = e.encode(ctx, run, spec, desc, output, preview)
}

func (e *Encoder) encode(ctx context.Context, run *Run, spec compression.Spec, desc media.Descriptor, output string, preview bool) Outcome {
	logger := e.logger.With().Str("input", desc.Path).Str("output", output).Bool("preview", preview).Logger()

	binary, err := toolchain.Resolve(e.opts.Binary, "ffmpeg")
	if err != nil {
		logger.Error().Err(err).Msg("ffmpeg not available")
		return failed(err)
	}

	args := WithExtraArgs(BuildArgs(spec, desc, output, preview), e.opts.ExtraArgs)
	logger.Info().Str("command", CommandLine(binary, args)).Msg("starting ffmpeg")

	throttle := rate.Sometimes{Interval: e.opts.ProgressLogInterval}
	diag := newDiagnosticWriter(desc, func(s Sample) {
		if e.opts.ProgressLogInterval > 0 {
			throttle.Do(func() {
				logger.Debug().
					Int("frame", s.CurrentFrame).
					Int("total_frames", s.TotalFrames).
					Str("percent", s.Percent()).
					Str("bitrate", s.Bitrate).
					Msg("encode progress")
			})
		}
		run.publish(s)
	})

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = diag
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = e.opts.KillTimeout
	isolate(cmd)

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			logger.Info().Msg("encode cancelled before start")
			return cancelled()
		}
		logger.Error().Err(err).Msg("failed to start ffmpeg")
		return failed(failure.Wrap(failure.ExecutionFailure, "start ffmpeg", err))
	}
	e.attach(cmd)
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	waitErr := cmd.Wait()
	diag.Flush()

	outcome := e.classify(ctx, cmd.ProcessState, waitErr, diag.Text(), output)
	switch outcome.Kind {
	case OutcomeSuccess:
		logger.Info().Int64("size", outcome.Size).Msg("encode complete")
	case OutcomeCancelled:
		logger.Info().Msg("encode cancelled")
	default:
		logger.Error().Err(outcome.Err).Msg("encode failed")
	}
	return outcome
}

// classify maps the reaped process onto an outcome. A non-zero exit after a
// cancel request counts as cancelled since ffmpeg traps SIGTERM.
func (e *Encoder) classify(ctx context.Context, state *os.ProcessState, waitErr error, diagnostics, output string) Outcome {
	stopped := e.wasCancelled() || ctx.Err() != nil
	if state == nil {
		if stopped {
			return cancelled()
		}
		return failed(failure.Wrap(failure.ExecutionFailure, "wait ffmpeg", waitErr))
	}
	if state.Success() {
		var size int64
		if info, err := os.Stat(output); err == nil {
			size = info.Size()
		} else {
			e.logger.Warn().Err(err).Str("output", output).Msg("could not stat output")
		}
		return succeeded(output, size)
	}
	if signaled(state) || stopped {
		return cancelled()
	}
	detail := strings.TrimSpace(diagnostics)
	if detail == "" {
		detail = "unknown error"
	}
	return failed(&failure.Error{
		Kind:   failure.EncodingFailure,
		Op:     "ffmpeg exited with code " + strconv.Itoa(state.ExitCode()),
		Detail: detail,
	})
}

func (e *Encoder) attach(cmd *exec.Cmd) {
	e.mu.Lock()
	e.cmd = cmd
	e.mu.Unlock()
}

func (e *Encoder) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested
}

// finish records the outcome and drops the process reference.
func (e *Encoder) finish(o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmd = nil
	e.cancel = nil
	e.last = &o
	switch o.Kind {
	case OutcomeSuccess:
		e.state = Completed
	case OutcomeCancelled:
		e.state = Cancelled
	default:
		e.state = Failed
	}
}
