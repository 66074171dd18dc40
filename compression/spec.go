// Package compression models the compression policy chosen for one encode:
// a codec plus exactly one mode-specific settings variant.
package compression

import (
	"encoding/json"
	"fmt"
	"strconv"

	"ffcompress/failure"
)

// Mode tags the settings variant.
type Mode string

const (
	ModeQuality    Mode = "crf"
	ModeTargetSize Mode = "target_size"
	ModeResolution Mode = "resolution"
)

// Codec selects the video encoder.
type Codec string

const (
	H264 Codec = "h264"
	H265 Codec = "h265"
)

// Encoder returns the ffmpeg encoder name.
func (c Codec) Encoder() string {
	switch c {
	case H265:
		return "libx265"
	default:
		return "libx264"
	}
}

func (c Codec) Valid() bool { return c == H264 || c == H265 }

// Preset is an x264/x265 speed preset.
type Preset string

// Presets are ordered from fastest (largest output) to slowest (smallest output).
var Presets = []Preset{
	"ultrafast",
	"superfast",
	"veryfast",
	"faster",
	"fast",
	"medium",
	"slow",
	"slower",
	"veryslow",
}

const PresetMedium Preset = "medium"

func (p Preset) Valid() bool {
	return p.Rank() >= 0
}

// Rank is the position in Presets, or -1.
func (p Preset) Rank() int {
	for i, candidate := range Presets {
		if candidate == p {
			return i
		}
	}
	return -1
}

// ResolutionPreset is a target frame height.
type ResolutionPreset int

const (
	P2160 ResolutionPreset = 2160
	P1440 ResolutionPreset = 1440
	P1080 ResolutionPreset = 1080
	P720  ResolutionPreset = 720
	P480  ResolutionPreset = 480
	P360  ResolutionPreset = 360
)

var ResolutionPresets = []ResolutionPreset{P2160, P1440, P1080, P720, P480, P360}

func (r ResolutionPreset) Height() int { return int(r) }

// Width is the 16:9 width for the preset height.
func (r ResolutionPreset) Width() int { return int(r) * 16 / 9 }

func (r ResolutionPreset) Valid() bool {
	for _, candidate := range ResolutionPresets {
		if candidate == r {
			return true
		}
	}
	return false
}

func (r ResolutionPreset) String() string { return strconv.Itoa(int(r)) + "p" }

// Settings is one of FixedQuality, TargetSize or Resolution.
type Settings interface {
	Mode() Mode
	Validate() error
	settings()
}

const (
	MinCRF = 18
	MaxCRF = 30
)

// FixedQuality encodes at a constant rate factor. Lower CRF means higher quality.
type FixedQuality struct {
	CRF    int    `json:"crf"`
	Preset Preset `json:"preset"`
}

func (FixedQuality) Mode() Mode { return ModeQuality }
func (FixedQuality) settings()  {}

func (q FixedQuality) Validate() error {
	if q.CRF < MinCRF || q.CRF > MaxCRF {
		return invalid("crf must be between %d and %d, got %d", MinCRF, MaxCRF, q.CRF)
	}
	if !q.Preset.Valid() {
		return invalid("unknown preset %q", q.Preset)
	}
	return nil
}

// TargetSize derives a video bit rate that lands near a file size.
type TargetSize struct {
	SizeMB           float64 `json:"targetSizeMB"`
	IncludeAudio     bool    `json:"includeAudio"`
	AudioBitrateKbps int     `json:"audioBitrateKbps"`
}

func (TargetSize) Mode() Mode { return ModeTargetSize }
func (TargetSize) settings()  {}

func (t TargetSize) Validate() error {
	if t.SizeMB <= 0 {
		return invalid("target size must be positive, got %g MB", t.SizeMB)
	}
	if t.IncludeAudio && t.AudioBitrateKbps <= 0 {
		return invalid("audio bit rate must be positive, got %d kbps", t.AudioBitrateKbps)
	}
	return nil
}

// Resolution rescales (and optionally re-times) the video.
type Resolution struct {
	Target ResolutionPreset `json:"target"`
	// TargetFPS of 0 keeps the source frame rate.
	TargetFPS        int    `json:"targetFps,omitempty"`
	Preset           Preset `json:"preset"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
	KeepAspect       bool   `json:"keepAspect"`
}

func (Resolution) Mode() Mode { return ModeResolution }
func (Resolution) settings()  {}

func (r Resolution) Validate() error {
	if !r.Target.Valid() {
		return invalid("unsupported target resolution %d", int(r.Target))
	}
	if r.TargetFPS < 0 {
		return invalid("target fps must not be negative, got %d", r.TargetFPS)
	}
	if !r.Preset.Valid() {
		return invalid("unknown preset %q", r.Preset)
	}
	if r.AudioBitrateKbps <= 0 {
		return invalid("audio bit rate must be positive, got %d kbps", r.AudioBitrateKbps)
	}
	return nil
}

func DefaultFixedQuality() FixedQuality { return FixedQuality{CRF: 23, Preset: PresetMedium} }

func DefaultTargetSize() TargetSize {
	return TargetSize{SizeMB: 50, IncludeAudio: true, AudioBitrateKbps: 128}
}

func DefaultResolution() Resolution {
	return Resolution{Target: P1080, Preset: PresetMedium, AudioBitrateKbps: 128, KeepAspect: true}
}

// Spec is the complete policy for one encode.
type Spec struct {
	Codec    Codec
	Settings Settings
}

// NewSpec pairs a codec with a settings variant.
func NewSpec(codec Codec, settings Settings) Spec {
	return Spec{Codec: codec, Settings: settings}
}

// Mode returns the mode of the populated variant, or "" when none is set.
func (s Spec) Mode() Mode {
	if s.Settings == nil {
		return ""
	}
	return s.Settings.Mode()
}

func (s Spec) Validate() error {
	if !s.Codec.Valid() {
		return invalid("unknown codec %q", s.Codec)
	}
	if s.Settings == nil {
		return invalid("no compression settings")
	}
	return s.Settings.Validate()
}

// Suffix is a short file-name tag for the policy, e.g. "crf23", "50mb", "720p".
func (s Spec) Suffix() string {
	switch v := s.Settings.(type) {
	case FixedQuality:
		return fmt.Sprintf("crf%d", v.CRF)
	case TargetSize:
		return fmt.Sprintf("%dmb", int(v.SizeMB))
	case Resolution:
		return v.Target.String()
	default:
		return "compressed"
	}
}

type specWire struct {
	Mode       Mode          `json:"mode"`
	Codec      Codec         `json:"codec"`
	Quality    *FixedQuality `json:"crf,omitempty"`
	TargetSize *TargetSize   `json:"targetSize,omitempty"`
	Resolution *Resolution   `json:"resolution,omitempty"`
}

func (s Spec) MarshalJSON() ([]byte, error) {
	w := specWire{Mode: s.Mode(), Codec: s.Codec}
	switch v := s.Settings.(type) {
	case FixedQuality:
		w.Quality = &v
	case TargetSize:
		w.TargetSize = &v
	case Resolution:
		w.Resolution = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts exactly one payload, and it must match mode.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var w specWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	populated := 0
	for _, set := range []bool{w.Quality != nil, w.TargetSize != nil, w.Resolution != nil} {
		if set {
			populated++
		}
	}
	if populated != 1 {
		return invalid("exactly one settings payload is required, got %d", populated)
	}

	var settings Settings
	switch {
	case w.Quality != nil:
		settings = *w.Quality
	case w.TargetSize != nil:
		settings = *w.TargetSize
	default:
		settings = *w.Resolution
	}
	if w.Mode != settings.Mode() {
		return invalid("mode %q does not match %q settings", w.Mode, settings.Mode())
	}
	if w.Codec == "" {
		w.Codec = H264
	}
	*s = Spec{Codec: w.Codec, Settings: settings}
	return nil
}

func invalid(format string, args ...any) error {
	return failure.New(failure.InvalidInput, "compression spec", fmt.Sprintf(format, args...))
}
