package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"ffcompress/failure"
	"ffcompress/toolchain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var probeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ffcompress_probe_total",
	Help: "Total number of media probes by result kind",
}, []string{"result"})

// Prober runs ffprobe against source files.
type Prober struct {
	// Binary is the configured ffprobe command; empty means search for "ffprobe".
	Binary  string
	Timeout time.Duration
	logger  zerolog.Logger
}

// NewProber returns a prober that logs through logger.
func NewProber(binary string, timeout time.Duration, logger zerolog.Logger) *Prober {
	return &Prober{
		Binary:  binary,
		Timeout: timeout,
		logger:  logger.With().Str("component", "probe").Logger(),
	}
}

// Probe inspects path and returns its descriptor.
func (p *Prober) Probe(ctx context.Context, path string) (Descriptor, error) {
	desc, err := p.probe(ctx, path)
	if err != nil {
		probeTotal.WithLabelValues(failure.KindOf(err).String()).Inc()
		p.logger.Warn().Err(err).Str("path", path).Msg("probe failed")
		return Descriptor{}, err
	}
	probeTotal.WithLabelValues("ok").Inc()
	p.logger.Info().
		Str("path", path).
		Str("resolution", desc.Resolution()).
		Str("duration", desc.Clock()).
		Str("size", desc.SizeHuman()).
		Bool("fps_defaulted", desc.FPSDefaulted).
		Msg("probe complete")
	return desc, nil
}

func (p *Prober) probe(ctx context.Context, path string) (Descriptor, error) {
	binary, err := toolchain.Resolve(p.Binary, "ffprobe")
	if err != nil {
		return Descriptor{}, err
	}

	path = strings.TrimSpace(path)
	if path == "" {
		return Descriptor{}, failure.New(failure.InvalidInput, "probe", "empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, failure.Wrap(failure.InvalidInput, "probe", err)
	}
	if !info.Mode().IsRegular() {
		return Descriptor{}, failure.New(failure.InvalidInput, "probe", fmt.Sprintf("%s is not a regular file", path))
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, binary,
		"-v", "error",
		"-hide_banner",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug().Str("command", cmd.String()).Msg("running ffprobe")
	if err := cmd.Run(); err != nil {
		diag := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if diag == "" {
				diag = exitErr.Error()
			}
			return Descriptor{}, failure.New(failure.ExecutionFailure, "ffprobe", diag)
		}
		return Descriptor{}, &failure.Error{Kind: failure.ExecutionFailure, Op: "ffprobe", Detail: diag, Err: err}
	}

	if stdout.Len() == 0 {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = "no error message"
		}
		return Descriptor{}, failure.New(failure.ExecutionFailure, "ffprobe", "empty output: "+diag)
	}

	return Decode(path, stdout.Bytes())
}
