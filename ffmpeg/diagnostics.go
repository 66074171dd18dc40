package ffmpeg

import (
	"strings"
	"sync"

	"ffcompress/media"
)

// diagnosticWriter receives ffmpeg's stderr. It keeps the full text for
// failure reports and parses each completed line for progress.
type diagnosticWriter struct {
	desc media.Descriptor
	emit func(Sample)

	mu      sync.Mutex
	text    strings.Builder
	pending []byte
}

func newDiagnosticWriter(desc media.Descriptor, emit func(Sample)) *diagnosticWriter {
	return &diagnosticWriter{desc: desc, emit: emit}
}

func (w *diagnosticWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.text.Write(p)
	w.pending = append(w.pending, p...)
	w.scan(false)
	return len(p), nil
}

// Flush parses a trailing line that had no terminator.
func (w *diagnosticWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scan(true)
}

func (w *diagnosticWriter) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text.String()
}

func (w *diagnosticWriter) scan(atEOF bool) {
	for len(w.pending) > 0 {
		advance, line, _ := ScanDiagnosticLines(w.pending, atEOF)
		if advance == 0 {
			return
		}
		if sample, ok := ParseProgress(string(line), w.desc); ok {
			w.emit(sample)
		}
		w.pending = w.pending[advance:]
	}
	w.pending = w.pending[:0]
}
