package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/stage"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Act on a single stage of a pipeline",
}

// stageArgs parses the <pipeline-id> <stage> pair shared by stage commands.
func stageArgs(args []string) (string, int, error) {
	key, err := parseStageKey(args[1])
	if err != nil {
		return "", 0, err
	}
	return args[0], key, nil
}

var stageStartCmd = &cobra.Command{
	Use:   "start <pipeline-id> <stage>",
	Short: "Submit a new attempt for a stage",
	Args:  cobra.ExactArgs(2),
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

		override, _ := cmd.Flags().GetBool("override")
		params, _ := cmd.Flags().GetStringToString("param")
		res, err := st.orch.StartStage(cmd.Context(), id, key, stage.StartOpts{Params: params, Override: override})
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Started stage %d attempt %s", res.Stage, res.AttemptID)
			if res.JobID != "" {
				fmt.Fprintf(w, " (job %s)", res.JobID)
			}
			fmt.Fprintln(w)
		})
	},
}

var stageApproveCmd = &cobra.Command{
	Use:   "approve <pipeline-id> <stage>",
	Short: "Approve a stage that passed QA",
	Args:  cobra.ExactArgs(2),
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

		notes, _ := cmd.Flags().GetString("notes")
		changed, err := st.orch.ManualApprove(cmd.Context(), id, key, notes)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintf(cmd.OutOrStdout(), "Stage %d already approved\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved stage %d\n", key)
		return nil
	},
}

var stageRejectCmd = &cobra.Command{
	Use:   "reject <pipeline-id> <stage>",
	Short: "Reject a stage's output and retry it",
	Args:  cobra.ExactArgs(2),
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

		reason, _ := cmd.Flags().GetString("reason")
		out, err := st.orch.Reject(cmd.Context(), id, key, reason)
		if err != nil {
			return err
		}
		return emit(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "Rejected stage %d; now %s\n", key, out.State)
		})
	},
}

var stageSkipCmd = &cobra.Command{
	Use:   "skip <pipeline-id> <stage>",
	Short: "Skip an optional stage",
	Args:  cobra.ExactArgs(2),
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

		if err := st.orch.Skip(cmd.Context(), id, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped stage %d\n", key)
		return nil
	},
}

var stageRestartCmd = &cobra.Command{
	Use:   "restart <pipeline-id> <stage>",
	Short: "Clear a stage's attempt and error so it can be started again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestart(cmd, args, false)
	},
}

var stageRecoverCmd = &cobra.Command{
	Use:   "recover <pipeline-id> <stage>",
	Short: "Recover a stage flagged stale",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestart(cmd, args, true)
	},
}

func runRestart(cmd *cobra.Command, args []string, stale bool) error {
	id, key, err := stageArgs(args)
	if err != nil {
		return err
	}
	st, err := openStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	var changed bool
	if stale {
		changed, err = st.monitor().Recover(cmd.Context(), id, key)
	} else {
		changed, err = st.orch.Restart(cmd.Context(), id, key)
	}
	if err != nil {
		return err
	}
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Stage %d had nothing to clear\n", key)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stage %d reset to pending\n", key)
	return nil
}

func init() {
	stageStartCmd.Flags().Bool("override", false, "start past an unapproved earlier stage (recovery mode)")
	stageStartCmd.Flags().StringToString("param", nil, "extra job parameter (key=value, repeatable)")
	stageApproveCmd.Flags().String("notes", "", "approval notes")
	stageRejectCmd.Flags().String("reason", "", "why the output was rejected")

	stageCmd.AddCommand(stageStartCmd)
	stageCmd.AddCommand(stageApproveCmd)
	stageCmd.AddCommand(stageRejectCmd)
	stageCmd.AddCommand(stageSkipCmd)
	stageCmd.AddCommand(stageRestartCmd)
	stageCmd.AddCommand(stageRecoverCmd)
}
