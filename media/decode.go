package media

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ffcompress/failure"
)

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  *probeFormat  `json:"format"`
}

type probeStream struct {
	CodecType  *string `json:"codec_type"`
	CodecName  *string `json:"codec_name"`
	Width      *int    `json:"width"`
	Height     *int    `json:"height"`
	RFrameRate *string `json:"r_frame_rate"`
	Duration   *string `json:"duration"`
	BitRate    *string `json:"bit_rate"`
}

type probeFormat struct {
	FormatName *string `json:"format_name"`
	Duration   *string `json:"duration"`
	Size       *string `json:"size"`
	BitRate    *string `json:"bit_rate"`
}

// Decode turns ffprobe's JSON output for path into a Descriptor. Container
// and stream level metadata are independently optional, so duration and
// bit rate prefer the container value and fall back to the video stream.
func Decode(path string, raw []byte) (Descriptor, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Descriptor{}, failure.New(failure.DecodeFailure, "probe decode", err.Error())
	}
	if out.Streams == nil || out.Format == nil {
		return Descriptor{}, failure.New(failure.DecodeFailure, "probe decode", "output lacks streams or format section")
	}
	if out.Format.FormatName == nil {
		return Descriptor{}, failure.New(failure.DecodeFailure, "probe decode", "format section lacks format_name")
	}
	for i, s := range out.Streams {
		if s.CodecType == nil {
			return Descriptor{}, failure.New(failure.DecodeFailure, "probe decode", fmt.Sprintf("stream %d lacks codec_type", i))
		}
	}

	video, ok := firstStream(out.Streams, "video")
	if !ok {
		return Descriptor{}, failure.New(failure.InvalidInput, "probe", "no video stream")
	}
	audio, hasAudio := firstStream(out.Streams, "audio")

	desc := Descriptor{
		Path:   path,
		Format: *out.Format.FormatName,
	}

	if v, ok := parseFloat(out.Format.Duration); ok {
		desc.Duration = v
	} else if v, ok := parseFloat(video.Duration); ok {
		desc.Duration = v
	}
	if desc.Duration < 0 {
		desc.Duration = 0
	}

	if v, ok := parseInt(out.Format.BitRate); ok {
		desc.BitRate = v
	} else if v, ok := parseInt(video.BitRate); ok {
		desc.BitRate = v
	}
	if desc.BitRate < 0 {
		desc.BitRate = 0
	}

	desc.FPS, desc.FPSDefaulted = parseFrameRate(video.RFrameRate)

	if v, ok := parseInt(out.Format.Size); ok {
		desc.Size = v
	} else {
		desc.SizeFromFilesystem = true
		if info, err := os.Stat(path); err == nil {
			desc.Size = info.Size()
		}
	}

	if video.Width == nil || video.Height == nil || video.CodecName == nil {
		return Descriptor{}, failure.New(failure.InvalidInput, "probe", "video stream lacks width, height or codec")
	}
	if *video.Width <= 0 || *video.Height <= 0 || strings.TrimSpace(*video.CodecName) == "" {
		return Descriptor{}, failure.New(failure.InvalidInput, "probe", "video stream reports empty dimensions or codec")
	}
	desc.Width = *video.Width
	desc.Height = *video.Height
	desc.VideoCodec = *video.CodecName
	if hasAudio && audio.CodecName != nil {
		desc.AudioCodec = *audio.CodecName
	}
	return desc, nil
}

func firstStream(streams []probeStream, codecType string) (probeStream, bool) {
	for _, s := range streams {
		if strings.EqualFold(*s.CodecType, codecType) {
			return s, true
		}
	}
	return probeStream{}, false
}

// parseFrameRate reads "num/den". Anything malformed yields DefaultFPS.
func parseFrameRate(value *string) (float64, bool) {
	if value == nil {
		return DefaultFPS, true
	}
	num, den, found := strings.Cut(strings.TrimSpace(*value), "/")
	if !found {
		return DefaultFPS, true
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 || n <= 0 {
		return DefaultFPS, true
	}
	return n / d, false
}

func parseFloat(value *string) (float64, bool) {
	if value == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*value), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseInt(value *string) (int64, bool) {
	if value == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(*value), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
