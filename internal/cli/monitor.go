package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Detect and recover stages whose workers went quiet",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check <pipeline-id>",
	Short: "Check one pipeline stage for staleness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		key, _ := cmd.Flags().GetInt("stage")
		if key == 0 {
			p, err := st.orch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			key = p.Phase.Stage
		}
		threshold, _ := cmd.Flags().GetDuration("threshold")
		c, err := st.monitor().CheckStale(cmd.Context(), args[0], key, threshold)
		if err != nil {
			return err
		}
		return emit(cmd, c, func(w io.Writer) { printCheck(w, *c) })
	},
}

var monitorSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Check every running pipeline once",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		checks, err := st.monitor().Sweep(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), checks)
		}
		w := cmd.OutOrStdout()
		if len(checks) == 0 {
			fmt.Fprintln(w, "Nothing running.")
			return nil
		}
		for _, c := range checks {
			printCheck(w, c)
		}
		return nil
	},
}

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Sweep on the configured interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		m := st.monitor()
		if err := m.Start(ctx); err != nil {
			return err
		}
		defer m.Stop()
		<-ctx.Done()
		return nil
	},
}

func printCheck(w io.Writer, c monitor.Check) {
	if !c.Running {
		fmt.Fprintf(w, "%s stage %d: not running\n", c.PipelineID, c.Stage)
		return
	}
	state := "ok"
	switch {
	case c.Recovered:
		state = "STALE, recovered"
	case c.Stale:
		state = "STALE"
	}
	idle := time.Duration(c.IdleSeconds) * time.Second
	fmt.Fprintf(w, "%s stage %d: %s (idle %s)\n", c.PipelineID, c.Stage, state, idle)
}

func init() {
	monitorCheckCmd.Flags().Int("stage", 0, "stage to check (default: the current stage)")
	monitorCheckCmd.Flags().Duration("threshold", 0, "idle time before a stage is stale (default: stale.threshold)")

	monitorCmd.AddCommand(monitorCheckCmd)
	monitorCmd.AddCommand(monitorSweepCmd)
	monitorCmd.AddCommand(monitorRunCmd)
}
