// Package media describes source video files and probes them with ffprobe.
package media

import (
	"fmt"
	"path/filepath"

	"github.com/c2h5oh/datasize"
)

// DefaultFPS is assumed when the prober reports no usable frame rate.
const DefaultFPS = 30.0

// Descriptor holds the technical facts about one source file. It is built
// once by the prober and treated as immutable afterwards.
type Descriptor struct {
	Path       string  `json:"path"`
	Size       int64   `json:"size"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FPS        float64 `json:"fps"`
	BitRate    int64   `json:"bitRate"`
	Format     string  `json:"format"`
	VideoCodec string  `json:"videoCodec"`
	AudioCodec string  `json:"audioCodec,omitempty"`

	// Advisory flags for values that were filled in rather than reported.
	FPSDefaulted       bool `json:"fpsDefaulted,omitempty"`
	SizeFromFilesystem bool `json:"sizeFromFilesystem,omitempty"`
}

// HasAudio reports whether the source carries an audio stream.
func (d Descriptor) HasAudio() bool {
	return d.AudioCodec != ""
}

// Name returns the base file name.
func (d Descriptor) Name() string {
	return filepath.Base(d.Path)
}

// TotalFrames estimates the frame count from duration and frame rate.
func (d Descriptor) TotalFrames() int {
	if d.Duration <= 0 || d.FPS <= 0 {
		return 0
	}
	return int(d.Duration * d.FPS)
}

// SizeHuman formats the file size, e.g. "12.5 MB".
func (d Descriptor) SizeHuman() string {
	if d.Size <= 0 {
		return "0 B"
	}
	return datasize.ByteSize(d.Size).HumanReadable()
}

// Clock formats the duration as MM:SS, or HH:MM:SS past the hour.
func (d Descriptor) Clock() string {
	total := int(d.Duration)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// Resolution formats the frame size as WxH.
func (d Descriptor) Resolution() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// BitRateHuman formats the average bit rate in kbps or Mbps.
func (d Descriptor) BitRateHuman() string {
	kbps := float64(d.BitRate) / 1000
	if kbps > 1000 {
		return fmt.Sprintf("%.2f Mbps", kbps/1000)
	}
	return fmt.Sprintf("%.0f kbps", kbps)
}
