package ffmpeg

import (
	"strconv"
	"strings"

	"ffcompress/compression"
	"ffcompress/media"
)

// PreviewSeconds is the length of a preview encode.
const PreviewSeconds = 3

// BuildArgs compiles a compression spec into an ffmpeg argument list.
// Identical inputs always yield an identical list; the output path is last.
// A settings variant the builder does not know contributes no mode arguments.
func BuildArgs(spec compression.Spec, desc media.Descriptor, output string, preview bool) []string {
	args := []string{"-y", "-i", desc.Path}
	if preview {
		args = append(args, "-t", strconv.Itoa(PreviewSeconds))
	}

	encoder := spec.Codec.Encoder()
	switch s := spec.Settings.(type) {
	case compression.FixedQuality:
		args = append(args,
			"-c:v", encoder,
			"-crf", strconv.Itoa(s.CRF),
			"-preset", string(s.Preset),
			"-c:a", "copy",
		)
	case compression.TargetSize:
		args = append(args,
			"-c:v", encoder,
			"-b:v", kbps(s.VideoBitrate(desc.Duration)),
		)
		if s.IncludeAudio {
			args = append(args, "-c:a", "aac", "-b:a", kbps(s.AudioBitrateKbps))
		} else {
			args = append(args, "-an")
		}
	case compression.Resolution:
		args = append(args, "-c:v", encoder, "-vf", scaleFilter(s))
		if s.TargetFPS > 0 {
			args = append(args, "-r", strconv.Itoa(s.TargetFPS))
		}
		args = append(args,
			"-preset", string(s.Preset),
			"-c:a", "aac",
			"-b:a", kbps(s.AudioBitrateKbps),
		)
	}

	return append(args, output)
}

// scaleFilter fixes the height and lets the filter pick an even width when
// aspect is kept, otherwise forces the preset's 16:9 frame.
func scaleFilter(s compression.Resolution) string {
	height := strconv.Itoa(s.Target.Height())
	if s.KeepAspect {
		return "scale=-2:" + height
	}
	return "scale=" + strconv.Itoa(s.Target.Width()) + ":" + height
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}

// WithExtraArgs inserts extra encoder options just before the output path.
func WithExtraArgs(args, extra []string) []string {
	if len(extra) == 0 || len(args) == 0 {
		return args
	}
	out := make([]string, 0, len(args)+len(extra))
	out = append(out, args[:len(args)-1]...)
	out = append(out, extra...)
	return append(out, args[len(args)-1])
}

// CommandLine renders a command for logs, quoting arguments that contain spaces.
func CommandLine(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, arg := range append([]string{binary}, args...) {
		if arg == "" || strings.ContainsAny(arg, " \t\"'") {
			arg = strconv.Quote(arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
