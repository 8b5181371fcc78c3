package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"clipfit/internal/deps"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check for required external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			statuses := deps.CheckBinaries(deps.Requirements(cfg))
			rows := make([][]string, 0, len(statuses))
			for _, status := range statuses {
				state := "ok"
				detail := status.Command
				if !status.Available {
					state = "missing"
					detail = status.Detail
				}
				rows = append(rows, []string{status.Name, state, detail, status.Description})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Tool", "Status", "Detail", "Used for"}, rows))

			if missing := deps.MissingRequired(statuses); len(missing) > 0 {
				return fmt.Errorf("missing required tools: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}
