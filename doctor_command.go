package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ffcompress/toolchain"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that ffmpeg and ffprobe are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := toolchain.Check(toolchain.Requirements(ctx.cfg.FFBin, ctx.cfg.FFProbeBin))
			rows := make([][]string, 0, len(statuses))
			missing := 0
			for _, s := range statuses {
				state := "ok"
				detail := s.Command
				if !s.Available {
					state = "missing"
					detail = s.Detail
					missing++
				}
				rows = append(rows, []string{s.Name, s.Description, state, detail})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Tool", "Role", "Status", "Detail"}, rows))
			if missing > 0 {
				return fmt.Errorf("%d required tool(s) missing", missing)
			}
			return nil
		},
	}
}
