package compression

import (
	"fmt"
	"math"

	"ffcompress/media"
)

// MinVideoBitrateKbps keeps derived bit rates from producing an unusable file.
const MinVideoBitrateKbps = 100

// VideoBitrate returns the video bit rate in kbps needed to reach the target
// size for a source of the given duration in seconds. It returns 0 when the
// duration is unknown.
func (t TargetSize) VideoBitrate(duration float64) int {
	kbps, _ := t.videoBitrate(duration)
	return kbps
}

// VideoBitrateFloored reports whether VideoBitrate was raised to the floor.
func (t TargetSize) VideoBitrateFloored(duration float64) bool {
	_, floored := t.videoBitrate(duration)
	return floored
}

func (t TargetSize) videoBitrate(duration float64) (int, bool) {
	if duration <= 0 {
		return 0, false
	}
	targetBits := t.SizeMB * 8 * 1024 * 1024
	audioBits := 0.0
	if t.IncludeAudio {
		audioBits = float64(t.AudioBitrateKbps) * 1000 * duration
	}
	kbps := math.Round((targetBits - audioBits) / duration / 1000)
	if kbps < MinVideoBitrateKbps {
		return MinVideoBitrateKbps, true
	}
	return int(kbps), false
}

// QualityEstimate is an advisory rating of a target-size encode.
type QualityEstimate string

const (
	QualityGood    QualityEstimate = "good"
	QualityMedium  QualityEstimate = "medium"
	QualityLow     QualityEstimate = "low"
	QualitySevere  QualityEstimate = "severely_degraded"
	QualityUnknown QualityEstimate = "unknown"
)

// EstimateQuality compares the derived video bit rate with the source's
// average bit rate.
func (t TargetSize) EstimateQuality(desc media.Descriptor) QualityEstimate {
	sourceKbps := float64(desc.BitRate) / 1000
	if sourceKbps <= 0 {
		return QualityUnknown
	}
	ratio := float64(t.VideoBitrate(desc.Duration)) / sourceKbps
	switch {
	case ratio >= 0.8:
		return QualityGood
	case ratio >= 0.5:
		return QualityMedium
	case ratio >= 0.3:
		return QualityLow
	default:
		return QualitySevere
	}
}

// Warnings lists advisory problems with the spec for this source. None of
// them prevents an encode.
func (s Spec) Warnings(desc media.Descriptor) []string {
	var warnings []string
	switch v := s.Settings.(type) {
	case FixedQuality:
		if v.CRF < 20 {
			warnings = append(warnings, fmt.Sprintf("crf %d may produce a very large file", v.CRF))
		}
	case TargetSize:
		if desc.Size > 0 && (v.SizeMB*1024*1024)/float64(desc.Size) < 0.1 {
			warnings = append(warnings, "target size is under 10% of the source; quality may degrade severely")
		}
		if v.VideoBitrateFloored(desc.Duration) {
			warnings = append(warnings, fmt.Sprintf("video bit rate raised to the %d kbps minimum; output will exceed the target size", MinVideoBitrateKbps))
		}
	case Resolution:
		if desc.Height > 0 && v.Target.Height() > desc.Height {
			warnings = append(warnings, fmt.Sprintf("target %s is above the source height %d and will not improve quality", v.Target, desc.Height))
		}
	}
	if desc.FPSDefaulted {
		warnings = append(warnings, fmt.Sprintf("source frame rate unknown; assuming %.0f fps for progress estimates", media.DefaultFPS))
	}
	return warnings
}
