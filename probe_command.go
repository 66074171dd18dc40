package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ffcompress/media"
)

func newProbeCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "probe FILE",
		Short: "Show the technical details of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := ctx.prober().Probe(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(desc)
			}
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, descriptorRows(desc)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the descriptor as JSON")
	return cmd
}

func descriptorRows(desc media.Descriptor) [][]string {
	fps := strconv.FormatFloat(desc.FPS, 'f', 2, 64)
	if desc.FPSDefaulted {
		fps += " (assumed)"
	}
	size := desc.SizeHuman()
	if desc.SizeFromFilesystem {
		size += " (from file)"
	}
	audio := desc.AudioCodec
	if audio == "" {
		audio = "none"
	}
	return [][]string{
		{"File", desc.Name()},
		{"Size", size},
		{"Duration", desc.Clock()},
		{"Resolution", desc.Resolution()},
		{"Frame rate", fps},
		{"Bit rate", desc.BitRateHuman()},
		{"Container", desc.Format},
		{"Video codec", desc.VideoCodec},
		{"Audio codec", audio},
	}
}
