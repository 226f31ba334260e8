package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Record and read pipeline events",
}

var eventProgressCmd = &cobra.Command{
	Use:   "progress <pipeline-id> <stage> <message>",
	Short: "Record worker progress for a running stage",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, key, err := stageArgs(args)
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		return st.orch.RecordProgress(cmd.Context(), id, key, strings.Join(args[2:], " "))
	},
}

var eventLogCmd = &cobra.Command{
	Use:   "log <pipeline-id>",
	Short: "Show a pipeline's event history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.orch.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), events)
		}
		w := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(w, "No events.")
			return nil
		}
		for _, e := range events {
			fmt.Fprintf(w, "%s  stage %-2d %-18s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.StageKey, e.Type, e.Message)
		}
		return nil
	},
}

func init() {
	eventLogCmd.Flags().Int("limit", 50, "maximum number of events to show (0 for all)")

	eventCmd.AddCommand(eventProgressCmd)
	eventCmd.AddCommand(eventLogCmd)
}
