package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every pipeline with its phase and next actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		infos, err := st.orch.StatusAll(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), infos)
		}
		w := cmd.OutOrStdout()
		if len(infos) == 0 {
			fmt.Fprintln(w, "No pipelines.")
			return nil
		}
		fmt.Fprintf(w, "%-36s %-34s %5s  %s\n", "ID", "PHASE", "DONE", "ACTIONS")
		fmt.Fprintf(w, "%-36s %-34s %5s  %s\n", strings.Repeat("-", 36), strings.Repeat("-", 34), "----", strings.Repeat("-", 7))
		for _, info := range infos {
			phase := info.Phase
			if info.Paused {
				phase += " (paused)"
			}
			fmt.Fprintf(w, "%-36s %-34s %4.0f%%  %s\n", info.ID, phase, info.Progress, joinActions(info.Actions))
		}
		return nil
	},
}
