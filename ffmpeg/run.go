package ffmpeg

import (
	"context"
	"sync"
	"time"

	"ffcompress/failure"
)

// OutcomeKind names how an encode ended.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the single terminal result of an encode.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	OutputPath string        `json:"outputPath,omitempty"`
	Size       int64         `json:"size,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	// Err is set for failures and carries a *failure.Error.
	Err error `json:"-"`
}

// Diagnostic is the failure text, empty unless Kind is OutcomeFailure.
func (o Outcome) Diagnostic() string {
	if o.Kind != OutcomeFailure {
		return ""
	}
	return failure.DetailOf(o.Err)
}

func succeeded(output string, size int64) Outcome {
	return Outcome{Kind: OutcomeSuccess, OutputPath: output, Size: size}
}

func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}

func cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled, Err: failure.New(failure.Cancelled, "encode", "cancelled")}
}

// Run is a handle on one encode. Progress is closed after the last sample,
// and Outcome is available once Done is closed; both happen exactly once.
type Run struct {
	progress chan Sample
	in       chan Sample
	closing  chan struct{}
	pumpDone chan struct{}
	done     chan struct{}

	once    sync.Once
	outcome Outcome
}

// newRun starts the delivery pump. Samples are queued without bound so the
// diagnostic reader never waits on a slow consumer; the pump stops early
// when ctx is done.
func newRun(ctx context.Context) *Run {
	r := &Run{
		progress: make(chan Sample),
		in:       make(chan Sample),
		closing:  make(chan struct{}),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.pump(ctx)
	return r
}

// Progress yields samples in the order they were parsed.
func (r *Run) Progress() <-chan Sample { return r.progress }

// Done is closed once the outcome is set.
func (r *Run) Done() <-chan struct{} { return r.done }

// Outcome blocks until the run resolves.
func (r *Run) Outcome() Outcome {
	<-r.done
	return r.outcome
}

// Wait discards remaining progress and returns the outcome.
func (r *Run) Wait() Outcome {
	for range r.progress {
	}
	return r.Outcome()
}

func (r *Run) publish(s Sample) {
	select {
	case r.in <- s:
	case <-r.closing:
	case <-r.pumpDone:
	}
}

func (r *Run) pump(ctx context.Context) {
	defer close(r.pumpDone)
	defer close(r.progress)

	var pending []Sample
	closing := r.closing
	for {
		if closing == nil && len(pending) == 0 {
			return
		}
		var out chan<- Sample
		var next Sample
		if len(pending) > 0 {
			out = r.progress
			next = pending[0]
		}
		select {
		case s := <-r.in:
			pending = append(pending, s)
		case out <- next:
			pending = pending[1:]
		case <-closing:
			closing = nil
		case <-ctx.Done():
			return
		}
	}
}

// resolve flushes queued samples and then publishes o. Later calls are
// ignored.
func (r *Run) resolve(o Outcome) {
	r.once.Do(func() {
		close(r.closing)
		<-r.pumpDone
		r.outcome = o
		close(r.done)
	})
}
