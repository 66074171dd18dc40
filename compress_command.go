package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ffcompress/compression"
	"ffcompress/failure"
	"ffcompress/ffmpeg"
)

type compressFlags struct {
	output     string
	specJSON   string
	mode       string
	codec      string
	crf        int
	preset     string
	sizeMB     float64
	noAudio    bool
	audioKbps  int
	resolution int
	fps        int
	preview    bool
}

func newCompressCommand(ctx *commandContext) *cobra.Command {
	var flags compressFlags
	cmd := &cobra.Command{
		Use:   "compress FILE",
		Short: "Compress a video",
		Long: "Compress a video by constant quality (crf), target size (target_size) or resolution.\n" +
			"Ctrl+C cancels the encode and removes the partial output.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := buildSpec(flags)
			if err != nil {
				return err
			}
			return runCompress(cmd, ctx, args[0], spec, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.output, "output", "o", "", "Output path (default <name>-<suffix>.mp4 next to the input)")
	f.StringVar(&flags.specJSON, "spec", "", "Full compression spec as JSON; overrides the other spec flags")
	f.StringVarP(&flags.mode, "mode", "m", string(compression.ModeQuality), "crf, target_size or resolution")
	f.StringVar(&flags.codec, "codec", string(compression.H264), "h264 or h265")
	f.IntVar(&flags.crf, "crf", compression.DefaultFixedQuality().CRF, "Constant rate factor (18-30)")
	f.StringVar(&flags.preset, "preset", string(compression.PresetMedium), "Encoder preset")
	f.Float64Var(&flags.sizeMB, "size-mb", compression.DefaultTargetSize().SizeMB, "Target size in MB")
	f.BoolVar(&flags.noAudio, "no-audio", false, "Drop audio in target size mode")
	f.IntVar(&flags.audioKbps, "audio-kbps", 128, "Audio bit rate in kbps")
	f.IntVar(&flags.resolution, "resolution", int(compression.P1080), "Target height: 2160, 1440, 1080, 720, 480 or 360")
	f.IntVar(&flags.fps, "fps", 0, "Target frame rate in resolution mode (0 keeps the source rate)")
	f.BoolVar(&flags.preview, "preview", false, "Encode only the first few seconds into a temporary file")
	return cmd
}

func buildSpec(flags compressFlags) (compression.Spec, error) {
	var spec compression.Spec
	if flags.specJSON != "" {
		if err := json.Unmarshal([]byte(flags.specJSON), &spec); err != nil {
			return compression.Spec{}, err
		}
		return spec, spec.Validate()
	}

	codec := compression.Codec(strings.ToLower(flags.codec))
	preset := compression.Preset(strings.ToLower(flags.preset))
	switch compression.Mode(strings.ToLower(flags.mode)) {
	case compression.ModeQuality:
		spec = compression.NewSpec(codec, compression.FixedQuality{CRF: flags.crf, Preset: preset})
	case compression.ModeTargetSize:
		spec = compression.NewSpec(codec, compression.TargetSize{
			SizeMB:           flags.sizeMB,
			IncludeAudio:     !flags.noAudio,
			AudioBitrateKbps: flags.audioKbps,
		})
	case compression.ModeResolution:
		spec = compression.NewSpec(codec, compression.Resolution{
			Target:           compression.ResolutionPreset(flags.resolution),
			TargetFPS:        flags.fps,
			Preset:           preset,
			AudioBitrateKbps: flags.audioKbps,
			KeepAspect:       true,
		})
	default:
		return compression.Spec{}, failure.New(failure.InvalidInput, "compress", fmt.Sprintf("unknown mode %q", flags.mode))
	}
	return spec, spec.Validate()
}

// defaultOutput places "<name>-<suffix>.mp4" next to the input. Previews go
// to the temp directory under a unique name.
func defaultOutput(input string, spec compression.Spec, preview bool) string {
	if preview {
		return filepath.Join(os.TempDir(), "preview-"+uuid.NewString()+".mp4")
	}
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(filepath.Dir(input), base+"-"+spec.Suffix()+".mp4")
}

func runCompress(cmd *cobra.Command, ctx *commandContext, input string, spec compression.Spec, flags compressFlags) error {
	cfg, logger := ctx.cfg, ctx.logger
	out := cmd.OutOrStdout()

	extraArgs, err := ffmpeg.ParseExtraArgs(cfg.FFExtraArgs)
	if err != nil {
		return err
	}

	// ffmpeg runs in its own process group, so the interrupt must be
	// trapped before it starts or the encode outlives the CLI.
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	desc, err := ctx.prober().Probe(sigCtx, input)
	if err != nil {
		if sigCtx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	for _, w := range spec.Warnings(desc) {
		fmt.Fprintln(out, "warning:", w)
	}

	output := flags.output
	if output == "" {
		output = defaultOutput(input, spec, flags.preview)
	}

	enc := ffmpeg.NewEncoder(ffmpeg.Options{
		Binary:      cfg.FFBin,
		ExtraArgs:   extraArgs,
		KillTimeout: cfg.FFKillTimeout,
		Logger:      logger,
	})
	run, err := enc.Start(sigCtx, spec, desc, output, flags.preview)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		select {
		case <-sigCtx.Done():
			enc.Cancel()
		case <-run.Done():
		}
		return nil
	})
	g.Go(func() error {
		renderProgress(out, run, isTerminal(out))
		return nil
	})
	_ = g.Wait()

	outcome := run.Outcome()
	switch outcome.Kind {
	case ffmpeg.OutcomeSuccess:
		fmt.Fprintf(out, "Wrote %s (%s, %s of source) in %s\n",
			outcome.OutputPath,
			datasize.ByteSize(outcome.Size).HumanReadable(),
			sizeRatio(outcome.Size, desc.Size),
			outcome.Elapsed.Round(time.Second))
		return nil
	case ffmpeg.OutcomeCancelled:
		fmt.Fprintln(out, "Encode cancelled")
		os.Remove(output)
		return context.Canceled
	default:
		return outcome.Err
	}
}

func renderProgress(out io.Writer, run *ffmpeg.Run, interactive bool) {
	lastDecile := -1
	drew := false
	for s := range run.Progress() {
		if interactive {
			fmt.Fprintf(out, "\r%s", progressLine(s))
			drew = true
			continue
		}
		if decile := int(s.Fraction() * 10); decile > lastDecile {
			lastDecile = decile
			fmt.Fprintln(out, progressLine(s))
		}
	}
	if drew {
		fmt.Fprintln(out)
	}
}

func progressLine(s ffmpeg.Sample) string {
	line := fmt.Sprintf("%6s  frame %d/%d", s.Percent(), s.CurrentFrame, s.TotalFrames)
	if s.FPS > 0 {
		line += fmt.Sprintf("  %.0f fps", s.FPS)
	}
	if s.Bitrate != "" {
		line += "  " + s.Bitrate
	}
	if eta, ok := s.Remaining(); ok {
		line += "  eta " + formatETA(eta)
	}
	return line
}

func formatETA(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	if total >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
	}
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

func sizeRatio(output, source int64) string {
	if source <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", float64(output)/float64(source)*100)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
