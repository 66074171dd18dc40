package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ffcompress/compression"
	"ffcompress/failure"
	"ffcompress/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lastArg sets $out to the final argument, which is always the output path.
const lastArg = `for out; do :; done
`

func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+lastArg+body), 0o755))
	return path
}

func newTestEncoder(binary string) *Encoder {
	return NewEncoder(Options{
		Binary:      binary,
		KillTimeout: 2 * time.Second,
		Logger:      zerolog.Nop(),
	})
}

func testJob(t *testing.T) (compression.Spec, media.Descriptor, string) {
	dir := t.TempDir()
	desc := media.Descriptor{Path: filepath.Join(dir, "in.mp4"), Duration: 10, FPS: 30, Width: 1920, Height: 1080, VideoCodec: "h264"}
	spec := compression.NewSpec(compression.H264, compression.DefaultFixedQuality())
	return spec, desc, filepath.Join(dir, "out.mp4")
}

func nextSample(t *testing.T, run *Run) Sample {
	t.Helper()
	select {
	case s, ok := <-run.Progress():
		require.True(t, ok, "progress closed before a sample arrived")
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for progress")
	}
	return Sample{}
}

func TestEncodeSuccess(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'ffmpeg version n6.1\n' >&2
printf 'frame=  150 fps= 60 q=28.0 size=  512kB time=00:00:05.00 bitrate= 838.9kbits/s\r' >&2
printf 'frame=  300 fps= 60 q=28.0 size= 1024kB time=00:00:10.00 bitrate= 838.9kbits/s' >&2
printf 'encoded' > "$out"
`)
	enc := newTestEncoder(bin)
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)

	var samples []Sample
	for s := range run.Progress() {
		samples = append(samples, s)
	}
	outcome := run.Outcome()

	require.Len(t, samples, 2)
	assert.Equal(t, 150, samples[0].CurrentFrame)
	assert.Equal(t, 300, samples[1].CurrentFrame)
	assert.Equal(t, 1.0, samples[1].Fraction())
	assert.Equal(t, "838.9kbits/s", samples[1].Bitrate)

	assert.Equal(t, OutcomeSuccess, outcome.Kind)
	assert.Equal(t, output, outcome.OutputPath)
	assert.Equal(t, int64(len("encoded")), outcome.Size)
	assert.NoError(t, outcome.Err)

	assert.Equal(t, Completed, enc.State())
	last, ok := enc.LastOutcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, last.Kind)
	assert.Zero(t, enc.PID())

	// Cancelling a finished encode changes nothing.
	enc.Cancel()
	assert.Equal(t, Completed, enc.State())
	assert.Equal(t, OutcomeSuccess, run.Outcome().Kind)
}

func TestEncodeFailureCarriesDiagnostics(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'in.mp4: Invalid data found when processing input\n' >&2
exit 1
`)
	enc := newTestEncoder(bin)
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)
	outcome := run.Wait()

	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, failure.ErrEncodingFailure)
	assert.Contains(t, outcome.Diagnostic(), "Invalid data found when processing input")
	assert.Equal(t, Failed, enc.State())
}

func TestEncodeFailureWithoutDiagnostics(t *testing.T) {
	enc := newTestEncoder(fakeFFmpeg(t, "exit 3\n"))
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)
	outcome := run.Wait()

	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.Equal(t, "unknown error", outcome.Diagnostic())
	assert.Contains(t, outcome.Err.Error(), "code 3")
}

func TestEncodeCancelAfterProgress(t *testing.T) {
	bin := fakeFFmpeg(t, `trap 'exit 255' TERM
printf 'frame=1 fps=0.0 time=00:00:00.03 bitrate=N/A\r' >&2
while :; do sleep 0.1; done
`)
	enc := newTestEncoder(bin)
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)

	first := nextSample(t, run)
	assert.Equal(t, 1, first.CurrentFrame)
	assert.Equal(t, Running, enc.State())

	enc.Cancel()
	enc.Cancel()
	outcome := run.Wait()

	assert.Equal(t, OutcomeCancelled, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, failure.ErrCancelled)
	assert.Equal(t, Cancelled, enc.State())
}

func TestEncodeCancelBeforeProgress(t *testing.T) {
	enc := newTestEncoder(fakeFFmpeg(t, "while :; do sleep 0.1; done\n"))
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)
	enc.Cancel()

	var samples int
	for range run.Progress() {
		samples++
	}
	assert.Zero(t, samples)
	assert.Equal(t, OutcomeCancelled, run.Outcome().Kind)
}

func TestEncodeContextCancel(t *testing.T) {
	enc := newTestEncoder(fakeFFmpeg(t, "while :; do sleep 0.1; done\n"))
	spec, desc, output := testJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := enc.Start(ctx, spec, desc, output, false)
	require.NoError(t, err)
	cancel()

	<-run.Done()
	assert.Equal(t, OutcomeCancelled, run.Outcome().Kind)
}

func TestEncodeBinaryNotFound(t *testing.T) {
	enc := newTestEncoder(filepath.Join(t.TempDir(), "missing-ffmpeg"))
	spec, desc, output := testJob(t)

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)
	outcome := run.Wait()

	assert.Equal(t, OutcomeFailure, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, failure.ErrBinaryNotFound)
	assert.Equal(t, Failed, enc.State())
}

func TestEncodeBusyAndReuse(t *testing.T) {
	bin := fakeFFmpeg(t, `if [ -e "$out.block" ]; then
  while :; do sleep 0.1; done
fi
printf 'ok' > "$out"
`)
	enc := newTestEncoder(bin)
	spec, desc, output := testJob(t)
	require.NoError(t, os.WriteFile(output+".block", nil, 0o644))

	run, err := enc.Start(context.Background(), spec, desc, output, false)
	require.NoError(t, err)

	_, err = enc.Start(context.Background(), spec, desc, output, false)
	assert.ErrorIs(t, err, ErrBusy)

	enc.Cancel()
	assert.Equal(t, OutcomeCancelled, run.Wait().Kind)

	require.NoError(t, os.Remove(output+".block"))
	run, err = enc.Start(context.Background(), spec, desc, output, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, run.Wait().Kind)
	assert.Equal(t, Completed, enc.State())
}

func TestCancelWhenIdle(t *testing.T) {
	enc := newTestEncoder("ffmpeg")
	enc.Cancel()
	assert.Equal(t, Idle, enc.State())
	_, ok := enc.LastOutcome()
	assert.False(t, ok)
}
