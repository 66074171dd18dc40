package ffmpeg

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"ffcompress/media"
)

// Sample is one progress reading taken from ffmpeg's diagnostic output.
// TotalFrames is estimated from the source duration and frame rate.
type Sample struct {
	CurrentFrame  int     `json:"currentFrame"`
	TotalFrames   int     `json:"totalFrames"`
	CurrentTime   float64 `json:"currentTime"`
	TotalDuration float64 `json:"totalDuration"`
	FPS           float64 `json:"fps"`
	Bitrate       string  `json:"bitrate"`
}

// Fraction is the completed share of the source duration, in [0, 1].
func (s Sample) Fraction() float64 {
	if s.TotalDuration <= 0 || s.CurrentTime <= 0 {
		return 0
	}
	return math.Min(s.CurrentTime/s.TotalDuration, 1)
}

// Percent formats Fraction, e.g. "42.5%".
func (s Sample) Percent() string {
	return fmt.Sprintf("%.1f%%", s.Fraction()*100)
}

// Remaining estimates the time left from the frame counters and encode
// speed. ok is false when there is not enough data.
func (s Sample) Remaining() (d time.Duration, ok bool) {
	if s.FPS <= 0 || s.TotalFrames <= 0 || s.CurrentFrame <= 0 {
		return 0, false
	}
	seconds := float64(s.TotalFrames-s.CurrentFrame) / s.FPS
	return time.Duration(seconds * float64(time.Second)), true
}

// ParseProgress extracts a sample from a chunk of ffmpeg diagnostic text,
// e.g. "frame=  123 fps= 45 q=28.0 size=  1024kB time=00:00:05.12 bitrate=1638.4kbits/s speed=1.87x".
// Each field is taken from its first valid occurrence in the chunk. A sample
// needs at least frame and time; fps and bitrate are often missing.
func ParseProgress(chunk string, desc media.Descriptor) (Sample, bool) {
	frameText, ok := fieldValue(chunk, "frame", scanInteger)
	if !ok {
		return Sample{}, false
	}
	clock, ok := fieldValue(chunk, "time", scanClock)
	if !ok {
		return Sample{}, false
	}
	frame, err := strconv.Atoi(frameText)
	if err != nil {
		return Sample{}, false
	}
	elapsed, ok := clockSeconds(clock)
	if !ok {
		return Sample{}, false
	}

	sample := Sample{
		CurrentFrame:  frame,
		TotalFrames:   int(desc.Duration * desc.FPS),
		CurrentTime:   elapsed,
		TotalDuration: desc.Duration,
	}
	if fpsText, ok := fieldValue(chunk, "fps", scanDecimal); ok {
		sample.FPS, _ = strconv.ParseFloat(fpsText, 64)
	}
	if rate, ok := fieldValue(chunk, "bitrate", scanRate); ok {
		sample.Bitrate = rate
	}
	return sample, true
}

// fieldValue finds the first "key=" in text whose value scan accepts.
// Blanks after '=' are skipped because ffmpeg pads numbers.
func fieldValue(text, key string, scan func(string) int) (string, bool) {
	marker := key + "="
	rest := text
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			return "", false
		}
		rest = strings.TrimLeft(rest[i+len(marker):], " \t")
		if n := scan(rest); n > 0 {
			return rest[:n], true
		}
	}
}

// The scanners return the length of the token at the start of s, or 0.

func scanInteger(s string) int {
	return runLength(s, 0, isDigit)
}

func scanDecimal(s string) int {
	n := runLength(s, 0, isDecimal)
	if n == 0 {
		return 0
	}
	if _, err := strconv.ParseFloat(s[:n], 64); err != nil {
		return 0
	}
	return n
}

// scanRate accepts "<number><unit>/s", e.g. "1638.4kbits/s".
func scanRate(s string) int {
	n := runLength(s, 0, isDecimal)
	if n == 0 {
		return 0
	}
	unit := runLength(s, n, isWord)
	if unit == n || !strings.HasPrefix(s[unit:], "/s") {
		return 0
	}
	return unit + len("/s")
}

// scanClock accepts "HH:MM:SS" with an optional fraction.
func scanClock(s string) int {
	if len(s) < 7 || !isDigit(s[0]) || !isDigit(s[1]) || s[2] != ':' ||
		!isDigit(s[3]) || !isDigit(s[4]) || s[5] != ':' {
		return 0
	}
	n := runLength(s, 6, isDecimal)
	if n == 6 {
		return 0
	}
	return n
}

func clockSeconds(clock string) (float64, bool) {
	parts := strings.SplitN(clock, ":", 3)
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	return float64(hours*3600+minutes*60) + seconds, true
}

func runLength(s string, from int, accept func(byte) bool) int {
	i := from
	for i < len(s) && accept(s[i]) {
		i++
	}
	return i
}

func isDigit(c byte) bool   { return c >= '0' && c <= '9' }
func isDecimal(c byte) bool { return isDigit(c) || c == '.' }
func isWord(c byte) bool {
	return isDigit(c) || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ScanDiagnosticLines is a bufio.SplitFunc that ends a line at '\r' or '\n'.
// ffmpeg redraws its status line with carriage returns.
func ScanDiagnosticLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
