package task

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"ffcompress/failure"
)

func isRemote(inputMedia string) bool {
	return strings.HasPrefix(inputMedia, "http://") || strings.HasPrefix(inputMedia, "https://")
}

// prepareInput returns a local path for inputMedia. Remote media is
// downloaded into the work directory and removed by cleanup; local files
// are used in place after a size check.
func (m *Manager) prepareInput(ctx context.Context, inputMedia, taskID string) (string, func(), error) {
	noop := func() {}

	if strings.HasPrefix(inputMedia, "data:") {
		return "", noop, failure.New(failure.InvalidInput, "prepare input", "data URI inputs are not supported")
	}

	if !isRemote(inputMedia) {
		info, err := os.Stat(inputMedia)
		if err != nil {
			return "", noop, failure.Wrap(failure.InvalidInput, "prepare input", err)
		}
		if !info.Mode().IsRegular() {
			return "", noop, failure.New(failure.InvalidInput, "prepare input", inputMedia+" is not a regular file")
		}
		if m.cfg.MaxInputSize > 0 && info.Size() > m.cfg.MaxInputSize {
			return "", noop, failure.New(failure.InvalidInput, "prepare input",
				fmt.Sprintf("input file size %d exceeds limit of %d bytes", info.Size(), m.cfg.MaxInputSize))
		}
		return inputMedia, noop, nil
	}

	tmpFile, err := os.CreateTemp(m.workDir, fmt.Sprintf("%s_input_*", taskID))
	if err != nil {
		return "", noop, err
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputMedia, nil)
	if err != nil {
		return "", cleanup, failure.Wrap(failure.InvalidInput, "prepare input", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", cleanup, fmt.Errorf("download input: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", cleanup, failure.New(failure.InvalidInput, "prepare input",
			fmt.Sprintf("failed to download file, status: %s", resp.Status))
	}

	// Read one byte past the limit to detect oversized bodies.
	limit := m.cfg.MaxInputSize
	var body io.Reader = resp.Body
	if limit > 0 {
		body = &io.LimitedReader{R: resp.Body, N: limit + 1}
	}
	written, err := io.Copy(tmpFile, body)
	if err != nil {
		return "", cleanup, fmt.Errorf("failed to write downloaded file: %w", err)
	}
	if limit > 0 && written > limit {
		return "", cleanup, failure.New(failure.InvalidInput, "prepare input",
			fmt.Sprintf("input file size exceeds limit of %d bytes", limit))
	}
	// Flush before ffprobe reads it.
	if err := tmpFile.Close(); err != nil {
		return "", cleanup, err
	}
	return tmpFile.Name(), cleanup, nil
}
