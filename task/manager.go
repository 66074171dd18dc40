package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ffcompress/compression"
	"ffcompress/config"
	"ffcompress/failure"
	"ffcompress/ffmpeg"
	"ffcompress/media"
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrQueueFull = errors.New("task queue is full")
)

var taskTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ffcompress_tasks_total",
	Help: "Total number of finished tasks by final status",
}, []string{"status"})

// Prober inspects a local media file.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Descriptor, error)
}

// Encoder runs a single encode; *ffmpeg.Encoder satisfies it.
type Encoder interface {
	Start(ctx context.Context, spec compression.Spec, desc media.Descriptor, output string, preview bool) (*ffmpeg.Run, error)
	Cancel()
}

// EncoderFactory returns a fresh encoder for each task.
type EncoderFactory func() Encoder

const queueSize = 100

type Manager struct {
	cfg        *config.Config
	workDir    string
	prober     Prober
	newEncoder EncoderFactory
	client     *http.Client
	logger     zerolog.Logger

	mu          sync.Mutex
	tasks       map[string]*Task
	subscribers map[string]map[chan Event]struct{}

	taskQueue      chan *Task
	concurrencySem chan struct{}
	inflight       sync.WaitGroup
}

func NewManager(cfg *config.Config, prober Prober, newEncoder EncoderFactory, logger zerolog.Logger) (*Manager, error) {
	workDir := cfg.OutputDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "ffcompress")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	concurrency := cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Manager{
		cfg:            cfg,
		workDir:        workDir,
		prober:         prober,
		newEncoder:     newEncoder,
		client:         &http.Client{},
		logger:         logger.With().Str("component", "tasks").Logger(),
		tasks:          make(map[string]*Task),
		subscribers:    make(map[string]map[chan Event]struct{}),
		taskQueue:      make(chan *Task, queueSize),
		concurrencySem: make(chan struct{}, concurrency),
	}, nil
}

// WorkDir is where downloads, uploads and outputs are written.
func (m *Manager) WorkDir() string { return m.workDir }

// Run processes queued tasks until ctx is done, then waits for running
// tasks to wind down.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Int("concurrency", cap(m.concurrencySem)).
		Str("work_dir", m.workDir).
		Msg("task manager started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.workerLoop(ctx)
		return nil
	})
	if m.cfg.OutputLocalLifetime > 0 {
		g.Go(func() error {
			m.cleanupLoop(ctx)
			return nil
		})
	}
	err := g.Wait()
	m.inflight.Wait()
	m.logger.Info().Msg("task manager stopped")
	return err
}

// workerLoop pulls tasks from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m.inflight.Add(1)
			go func(t *Task) {
				defer m.inflight.Done()
				defer func() { <-m.concurrencySem }()
				m.processTask(ctx, t)
			}(t)
		}
	}
}

// processTask takes a task through probing and encoding.
func (m *Manager) processTask(parentCtx context.Context, t *Task) {
	var taskCtx context.Context
	var cancel context.CancelFunc
	if m.cfg.FFTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(parentCtx, m.cfg.FFTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	m.mu.Lock()
	if t.Status == StatusCanceled {
		m.mu.Unlock()
		m.logger.Info().Str("task_id", t.ID).Msg("task was canceled before processing")
		m.removeOwnedInput(t)
		return
	}
	t.cancelFunc = cancel
	t.Status = StatusProbing
	t.StartedAt = time.Now()
	m.mu.Unlock()
	m.publish(t, EventStatus)
	defer m.removeOwnedInput(t)

	logger := m.logger.With().Str("task_id", t.ID).Logger()
	logger.Info().Str("mode", string(t.Spec.Mode())).Bool("preview", t.Preview).Msg("processing task")

	if m.cfg.ThrottleEnable {
		if err := m.checkResources(taskCtx); err != nil {
			m.finishWithError(taskCtx, t, err)
			return
		}
	}

	inputPath, cleanupInput, err := m.prepareInput(taskCtx, t.InputMedia, t.ID)
	defer cleanupInput()
	if err != nil {
		m.finishWithError(taskCtx, t, err)
		return
	}

	desc, err := m.prober.Probe(taskCtx, inputPath)
	if err != nil {
		m.finishWithError(taskCtx, t, err)
		return
	}
	if err := taskCtx.Err(); err != nil {
		m.finishWithError(taskCtx, t, err)
		return
	}

	output := m.outputPath(t)
	enc := m.newEncoder()

	m.mu.Lock()
	t.InputPath = inputPath
	t.Source = &desc
	t.Warnings = t.Spec.Warnings(desc)
	t.OutputPath = output
	t.OutputName = filepath.Base(output)
	t.encoder = enc
	t.Status = StatusProcessing
	m.mu.Unlock()
	m.publish(t, EventStatus)

	run, err := enc.Start(taskCtx, t.Spec, desc, output, t.Preview)
	if err != nil {
		m.finishWithError(taskCtx, t, err)
		return
	}
	for s := range run.Progress() {
		sample := s
		m.mu.Lock()
		t.Progress = &sample
		m.mu.Unlock()
		m.publish(t, EventProgress)
	}
	m.complete(taskCtx, t, run.Outcome())
}

func (m *Manager) complete(taskCtx context.Context, t *Task, outcome ffmpeg.Outcome) {
	switch outcome.Kind {
	case ffmpeg.OutcomeSuccess:
		m.finish(t, func() {
			t.Status = StatusCompleted
			t.OutputSize = outcome.Size
		})
		m.logger.Info().Str("task_id", t.ID).Int64("size", outcome.Size).Dur("elapsed", outcome.Elapsed).Msg("task completed")
	default:
		m.removeOutput(t)
		m.finishWithError(taskCtx, t, outcome.Err)
	}
}

// finishWithError settles a task that did not complete. Errors observed
// after the task context ended count as a timeout or cancellation.
func (m *Manager) finishWithError(taskCtx context.Context, t *Task, err error) {
	logger := m.logger.With().Str("task_id", t.ID).Logger()
	switch {
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		logger.Warn().Dur("timeout", m.cfg.FFTimeout).Msg("task timed out")
		m.finish(t, func() {
			t.Status = StatusFailed
			t.Error = fmt.Sprintf("task timed out after %s", m.cfg.FFTimeout)
			t.ErrorKind = "timeout"
		})
	case taskCtx.Err() != nil || errors.Is(err, failure.ErrCancelled):
		logger.Info().Msg("task canceled")
		m.finish(t, func() {
			t.Status = StatusCanceled
			t.Error = "task was canceled"
			t.ErrorKind = failure.Cancelled.String()
		})
	default:
		logger.Error().Err(err).Msg("task failed")
		m.finish(t, func() {
			t.Status = StatusFailed
			t.Error = err.Error()
			t.ErrorKind = failure.KindOf(err).String()
		})
	}
}

// finish applies a terminal transition, notifies and releases subscribers.
func (m *Manager) finish(t *Task, apply func()) {
	m.mu.Lock()
	apply()
	t.CompletedAt = time.Now()
	t.encoder = nil
	t.cancelFunc = nil
	status := t.Status
	m.mu.Unlock()

	taskTotal.WithLabelValues(string(status)).Inc()
	m.publish(t, EventStatus)
	m.closeSubscribers(t.ID)
}

func (m *Manager) outputPath(t *Task) string {
	if t.Preview {
		return filepath.Join(m.workDir, "preview-"+uuid.NewString()+".mp4")
	}
	return filepath.Join(m.workDir, t.ID+"_output.mp4")
}

func (m *Manager) removeOutput(t *Task) {
	m.mu.Lock()
	path := t.OutputPath
	t.OutputPath = ""
	t.OutputName = ""
	m.mu.Unlock()
	if path != "" {
		os.Remove(path)
	}
}

func (m *Manager) removeOwnedInput(t *Task) {
	if t.ownsInput {
		os.Remove(t.InputMedia)
	}
}

// cleanupLoop periodically removes expired outputs and their tasks.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OutputLocalLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpired(time.Now())
		}
	}
}

func (m *Manager) cleanupExpired(now time.Time) {
	var expired []string
	m.mu.Lock()
	for id, t := range m.tasks {
		if !t.Status.Terminal() || now.Sub(t.CompletedAt) <= m.cfg.OutputLocalLifetime {
			continue
		}
		if t.OutputPath != "" {
			expired = append(expired, t.OutputPath)
		}
		delete(m.tasks, id)
	}
	m.mu.Unlock()

	for _, path := range expired {
		m.logger.Debug().Str("path", path).Msg("removing expired output")
		os.Remove(path)
	}
}

// Submit queues a compression of inputMedia, which is a local path or an
// http(s) URL.
func (m *Manager) Submit(spec compression.Spec, inputMedia string, preview bool) (*Task, error) {
	return m.submit(spec, inputMedia, preview, false)
}

// SubmitUpload queues a compression of a file previously written to
// UploadPath. The file is removed once the task ends.
func (m *Manager) SubmitUpload(spec compression.Spec, path string, preview bool) (*Task, error) {
	return m.submit(spec, path, preview, true)
}

// UploadPath returns a fresh path in the work directory for an uploaded
// file, keeping the extension of filename.
func (m *Manager) UploadPath(filename string) string {
	return filepath.Join(m.workDir, shortuuid.New()+"_upload"+filepath.Ext(filename))
}

func (m *Manager) submit(spec compression.Spec, inputMedia string, preview, owned bool) (_ *Task, err error) {
	if owned {
		// A rejected upload has no task to clean it up later.
		defer func() {
			if err != nil {
				os.Remove(inputMedia)
			}
		}()
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if inputMedia == "" {
		return nil, failure.New(failure.InvalidInput, "submit", "input media is required")
	}

	t := &Task{
		ID:         fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
		Status:     StatusQueued,
		Spec:       spec,
		Preview:    preview,
		InputMedia: inputMedia,
		CreatedAt:  time.Now(),
		ownsInput:  owned,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	snap := t.snapshot()
	m.mu.Unlock()

	select {
	case m.taskQueue <- t:
	default:
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	m.logger.Info().Str("task_id", t.ID).Msg("task submitted to queue")
	return snap, nil
}

// Get returns a copy of the task.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.snapshot(), true
}

// List returns copies of all tasks, oldest first.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	taskList := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		taskList = append(taskList, t.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(taskList, func(i, j int) bool {
		return taskList[i].CreatedAt.Before(taskList[j].CreatedAt)
	})
	return taskList
}

// Cancel stops a queued or running task. Canceling a finished task is an
// error.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		status := t.Status
		m.mu.Unlock()
		return fmt.Errorf("cannot cancel task in state: %s", status)
	case StatusQueued:
		t.Status = StatusCanceled
		t.Error = "canceled by user while in queue"
		t.ErrorKind = failure.Cancelled.String()
		t.CompletedAt = time.Now()
		m.mu.Unlock()
		m.logger.Info().Str("task_id", t.ID).Msg("task marked as canceled in queue")
		taskTotal.WithLabelValues(string(StatusCanceled)).Inc()
		m.publish(t, EventStatus)
		m.closeSubscribers(t.ID)
		return nil
	}

	enc, cancel := t.encoder, t.cancelFunc
	m.mu.Unlock()
	if enc != nil {
		enc.Cancel()
	}
	// Also covers the window before the encoder has started.
	if cancel != nil {
		cancel()
	}
	m.logger.Info().Str("task_id", taskID).Msg("cancellation signal sent to running task")
	return nil
}

func (m *Manager) GetFilePath(filename string) (string, error) {
	// Prevent path traversal
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.workDir, cleanFilename)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}
