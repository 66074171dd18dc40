// ffcompress/task/manager_test.go
package task

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ffcompress/compression"
	"ffcompress/config"
	"ffcompress/failure"
	"ffcompress/ffmpeg"
	"ffcompress/media"
)

// mockProber is a mock implementation of the Prober interface for testing.
type mockProber struct {
	probeFunc func(ctx context.Context, path string) (media.Descriptor, error)
}

func (m *mockProber) Probe(ctx context.Context, path string) (media.Descriptor, error) {
	if m.probeFunc != nil {
		return m.probeFunc(ctx, path)
	}
	return media.Descriptor{
		Path:       path,
		Size:       100 * 1024 * 1024,
		Duration:   10,
		Width:      1920,
		Height:     1080,
		FPS:        30,
		BitRate:    8_000_000,
		VideoCodec: "h264",
		AudioCodec: "aac",
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrency:      1,
		FFTimeout:           10 * time.Second,
		FFKillTimeout:       2 * time.Second,
		OutputLocalLifetime: 1 * time.Hour,
		MaxInputSize:        10 * 1024 * 1024,
		OutputDir:           t.TempDir(),
	}
}

// fakeFFmpeg writes a shell script standing in for ffmpeg; $out is the
// output path.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor out; do :; done\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func encoderFactory(binary string) EncoderFactory {
	return func() Encoder {
		return ffmpeg.NewEncoder(ffmpeg.Options{
			Binary:      binary,
			KillTimeout: 2 * time.Second,
			Logger:      zerolog.Nop(),
		})
	}
}

const succeedingFFmpeg = `printf 'frame=  150 fps= 60 q=28.0 size=  512kB time=00:00:05.00 bitrate= 838.9kbits/s\r' >&2
printf 'compressed' > "$out"
`

const hangingFFmpeg = `trap 'exit 255' TERM
printf 'frame=1 fps=0.0 time=00:00:00.03 bitrate=N/A\r' >&2
while :; do sleep 0.1; done
`

func newTestManager(t *testing.T, cfg *config.Config, prober Prober, ffmpegBody string) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, prober, encoderFactory(fakeFFmpeg(t, ffmpegBody)), zerolog.Nop())
	require.NoError(t, err)
	return mgr
}

// startManager runs mgr until the test ends and checks nothing leaks.
func startManager(t *testing.T, mgr *Manager) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holiday.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	return path
}

func crfSpec() compression.Spec {
	return compression.NewSpec(compression.H264, compression.DefaultFixedQuality())
}

func waitForStatus(t *testing.T, mgr *Manager, id string, want Status) *Task {
	t.Helper()
	var last *Task
	require.Eventually(t, func() bool {
		task, ok := mgr.Get(id)
		last = task
		return ok && task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return last
}

func TestTaskManager_Submit(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)

	task, err := mgr.Submit(crfSpec(), "input.mp4", false)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusQueued, task.Status)

	retrievedTask, found := mgr.Get(task.ID)
	assert.True(t, found)
	assert.Equal(t, task.ID, retrievedTask.ID)
	assert.Len(t, mgr.List(), 1)
}

func TestTaskManager_SubmitRejectsInvalidRequests(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)

	_, err := mgr.Submit(compression.NewSpec(compression.H264, compression.FixedQuality{CRF: 40, Preset: compression.PresetMedium}), "input.mp4", false)
	assert.ErrorIs(t, err, failure.ErrInvalidInput)

	_, err = mgr.Submit(crfSpec(), "", false)
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
	assert.Empty(t, mgr.List())
}

func TestTaskManager_ProcessTask(t *testing.T) {
	t.Run("successful processing", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusCompleted)
		assert.Equal(t, task.ID+"_output.mp4", done.OutputName)
		assert.Equal(t, int64(len("compressed")), done.OutputSize)
		require.NotNil(t, done.Source)
		assert.Equal(t, 1080, done.Source.Height)
		require.NotNil(t, done.Progress)
		assert.Equal(t, 150, done.Progress.CurrentFrame)
		assert.Empty(t, done.Error)

		path, err := mgr.GetFilePath(done.OutputName)
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("preview output naming", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), sourceFile(t), true)
		require.NoError(t, err)

		done := waitForStatus(t, mgr, task.ID, StatusCompleted)
		assert.True(t, done.Preview)
		assert.True(t, strings.HasPrefix(done.OutputName, "preview-"), done.OutputName)
		assert.True(t, strings.HasSuffix(done.OutputName, ".mp4"), done.OutputName)
	})

	t.Run("probe failure", func(t *testing.T) {
		prober := &mockProber{probeFunc: func(ctx context.Context, path string) (media.Descriptor, error) {
			return media.Descriptor{}, failure.New(failure.InvalidInput, "probe", "no video stream found")
		}}
		mgr := newTestManager(t, testConfig(t), prober, succeedingFFmpeg)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
		require.NoError(t, err)

		failed := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Equal(t, "invalid_input", failed.ErrorKind)
		assert.Contains(t, failed.Error, "no video stream found")
	})

	t.Run("encode failure", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, `printf 'partial' > "$out"
printf 'Conversion failed!\n' >&2
exit 1
`)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
		require.NoError(t, err)

		failed := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Equal(t, "encoding_failure", failed.ErrorKind)
		assert.Contains(t, failed.Error, "Conversion failed!")
		assert.Empty(t, failed.OutputName)
		assert.NoFileExists(t, filepath.Join(mgr.WorkDir(), task.ID+"_output.mp4"))
	})

	t.Run("missing input", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), filepath.Join(t.TempDir(), "absent.mp4"), false)
		require.NoError(t, err)

		failed := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Equal(t, "invalid_input", failed.ErrorKind)
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.FFTimeout = 300 * time.Millisecond
		mgr := newTestManager(t, cfg, &mockProber{}, hangingFFmpeg)
		startManager(t, mgr)

		task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
		require.NoError(t, err)

		failed := waitForStatus(t, mgr, task.ID, StatusFailed)
		assert.Equal(t, "timeout", failed.ErrorKind)
	})
}

func TestTaskManager_Cancel(t *testing.T) {
	t.Run("cancel queued task", func(t *testing.T) {
		// The manager is never started, so the task stays queued.
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)

		task, _ := mgr.Submit(crfSpec(), sourceFile(t), false)
		err := mgr.Cancel(task.ID)
		require.NoError(t, err)

		canceledTask, found := mgr.Get(task.ID)
		require.True(t, found)
		assert.Equal(t, StatusCanceled, canceledTask.Status)
	})

	t.Run("cancel processing task", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, hangingFFmpeg)
		startManager(t, mgr)

		task, _ := mgr.Submit(crfSpec(), sourceFile(t), false)
		require.Eventually(t, func() bool {
			running, _ := mgr.Get(task.ID)
			return running.Status == StatusProcessing && running.Progress != nil
		}, 5*time.Second, 10*time.Millisecond)

		err := mgr.Cancel(task.ID)
		require.NoError(t, err)

		canceled := waitForStatus(t, mgr, task.ID, StatusCanceled)
		assert.Equal(t, "cancelled", canceled.ErrorKind)
		assert.Empty(t, canceled.OutputName)
	})

	t.Run("cannot cancel completed task", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
		startManager(t, mgr)

		task, _ := mgr.Submit(crfSpec(), sourceFile(t), false)
		waitForStatus(t, mgr, task.ID, StatusCompleted)

		err := mgr.Cancel(task.ID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot cancel task in state: completed")
	})

	t.Run("unknown task", func(t *testing.T) {
		mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
		assert.ErrorIs(t, mgr.Cancel("nope"), ErrNotFound)
	})
}

func TestTaskManager_Subscribe(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
	task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
	require.NoError(t, err)

	events, unsubscribe, err := mgr.Subscribe(task.ID)
	require.NoError(t, err)
	defer unsubscribe()

	startManager(t, mgr)

	var last Event
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			last = ev
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
	require.NotNil(t, last.Task)
	assert.Equal(t, EventStatus, last.Type)
	assert.Equal(t, StatusCompleted, last.Task.Status)

	// Subscribing to a finished task yields its final state and closes.
	events, _, err = mgr.Subscribe(task.ID)
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, StatusCompleted, ev.Task.Status)
	_, ok := <-events
	assert.False(t, ok)

	_, _, err = mgr.Subscribe("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskManager_CleanupExpired(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
	startManager(t, mgr)

	task, err := mgr.Submit(crfSpec(), sourceFile(t), false)
	require.NoError(t, err)
	done := waitForStatus(t, mgr, task.ID, StatusCompleted)
	output := filepath.Join(mgr.WorkDir(), done.OutputName)
	require.FileExists(t, output)

	mgr.cleanupExpired(time.Now())
	assert.FileExists(t, output)

	mgr.cleanupExpired(time.Now().Add(2 * time.Hour))
	assert.NoFileExists(t, output)
	_, found := mgr.Get(task.ID)
	assert.False(t, found)
}

func TestGetFilePathRejectsTraversal(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockProber{}, succeedingFFmpeg)
	_, err := mgr.GetFilePath("../etc/passwd")
	assert.Error(t, err)
	_, err = mgr.GetFilePath("missing.mp4")
	assert.Error(t, err)
}

func TestPrepareInput(t *testing.T) {
	payload := strings.Repeat("v", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	mgr := newTestManager(t, cfg, &mockProber{}, succeedingFFmpeg)
	mgr.client = srv.Client()
	ctx := context.Background()

	t.Run("download", func(t *testing.T) {
		path, cleanup, err := mgr.prepareInput(ctx, srv.URL+"/clip.mp4", "t1")
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, payload, string(data))
		cleanup()
		assert.NoFileExists(t, path)
	})

	t.Run("download too large", func(t *testing.T) {
		cfg.MaxInputSize = 100
		defer func() { cfg.MaxInputSize = 10 * 1024 * 1024 }()
		_, cleanup, err := mgr.prepareInput(ctx, srv.URL+"/clip.mp4", "t2")
		defer cleanup()
		assert.ErrorIs(t, err, failure.ErrInvalidInput)
		assert.Contains(t, err.Error(), "exceeds limit")
	})

	t.Run("download not found", func(t *testing.T) {
		_, cleanup, err := mgr.prepareInput(ctx, srv.URL+"/missing", "t3")
		defer cleanup()
		assert.ErrorIs(t, err, failure.ErrInvalidInput)
	})

	t.Run("local file used in place", func(t *testing.T) {
		src := sourceFile(t)
		path, cleanup, err := mgr.prepareInput(ctx, src, "t4")
		require.NoError(t, err)
		cleanup()
		assert.Equal(t, src, path)
		assert.FileExists(t, src)
	})

	t.Run("data uri", func(t *testing.T) {
		_, _, err := mgr.prepareInput(ctx, "data:video/mp4;base64,AAAA", "t5")
		assert.ErrorIs(t, err, failure.ErrInvalidInput)
	})
}
