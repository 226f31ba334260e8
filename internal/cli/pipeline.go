package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Create and drive pipelines",
}

var pipelineCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new pipeline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		id, _ := cmd.Flags().GetString("id")
		kind, _ := cmd.Flags().GetString("kind")
		title, _ := cmd.Flags().GetString("title")
		settings := settingsFromFlags(cmd)

		p, err := st.orch.Create(cmd.Context(), orchestrator.CreateOpts{
			ID: id, Kind: pipeline.Kind(kind), Title: title, Settings: &settings,
		})
		if err != nil {
			return err
		}
		return emit(cmd, p, func(w io.Writer) {
			fmt.Fprintf(w, "Created pipeline %s (%s)\n", p.ID, p.Kind)
		})
	},
}

func settingsFromFlags(cmd *cobra.Command) pipeline.Settings {
	var s pipeline.Settings
	s.AspectRatio, _ = cmd.Flags().GetString("aspect-ratio")
	s.OutputQuality, _ = cmd.Flags().GetString("output-quality")
	s.PostStageQuality, _ = cmd.Flags().GetString("post-stage-quality")
	return s
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pipelines",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		kind, _ := cmd.Flags().GetString("kind")
		pipelines, err := st.orch.List(cmd.Context(), pipeline.Kind(kind))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), pipelines)
		}
		w := cmd.OutOrStdout()
		if len(pipelines) == 0 {
			fmt.Fprintln(w, "No pipelines found.")
			return nil
		}
		fmt.Fprintf(w, "%-36s %-16s %-34s %-6s %s\n", "ID", "KIND", "PHASE", "PAUSED", "TITLE")
		fmt.Fprintf(w, "%-36s %-16s %-34s %-6s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 16),
			strings.Repeat("-", 34),
			strings.Repeat("-", 6),
			strings.Repeat("-", 5))
		for _, p := range pipelines {
			l, err := st.orch.Layout(p.Kind)
			if err != nil {
				continue
			}
			paused := ""
			if p.RunState.Paused {
				paused = "yes"
			}
			fmt.Fprintf(w, "%-36s %-16s %-34s %-6s %s\n", p.ID, p.Kind, p.Label(l), paused, p.Title)
		}
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <pipeline-id>",
	Short: "Show detailed pipeline status and the actions it allows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		info, err := st.orch.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd, info, func(w io.Writer) { printStatus(w, info) })
	},
}

var pipelineAdvanceCmd = &cobra.Command{
	Use:   "advance <pipeline-id>",
	Short: "Perform the next gated transition",
	Long: `Advance starts or retries the current stage, or, at a per-space stage whose
gate is open, approves it and starts the next sub-stage for every space.
It refuses while a stage is running or waiting for approval.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := st.orch.Advance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) {
			switch res.Action {
			case "gate_opened":
				fmt.Fprintf(w, "Stage %d approved (%s); now at stage %d\n", res.Stage, res.Message, res.NextStage)
				if res.Batch != nil {
					fmt.Fprintf(w, "Started %d %s job(s)\n", len(res.Batch.Started), res.Batch.SubStage)
				}
			case "completed":
				fmt.Fprintln(w, "Pipeline completed")
			default:
				fmt.Fprintf(w, "Stage %d %s\n", res.Stage, res.Action)
			}
		})
	},
}

var pipelinePauseCmd = &cobra.Command{
	Use:   "pause <pipeline-id>",
	Short: "Pause a pipeline; only resume is accepted while paused",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		reason, _ := cmd.Flags().GetString("reason")
		if err := st.orch.Pause(cmd.Context(), args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", args[0])
		return nil
	},
}

var pipelineResumeCmd = &cobra.Command{
	Use:   "resume <pipeline-id>",
	Short: "Resume a paused pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.orch.Resume(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
		return nil
	},
}

var pipelineRollbackCmd = &cobra.Command{
	Use:   "rollback <pipeline-id> <stage>",
	Short: "Discard every output from a stage onward",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseStageKey(args[1])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		confirm, _ := cmd.Flags().GetBool("confirm")
		if err := st.orch.Rollback(cmd.Context(), args[0], key, confirm); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rolled %s back to stage %d\n", args[0], key)
		return nil
	},
}

var pipelineSettingsCmd = &cobra.Command{
	Use:   "settings <pipeline-id>",
	Short: "Change generation settings that are not yet locked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch orchestrator.SettingsPatch
		for flag, dst := range map[string]**string{
			"aspect-ratio":       &patch.AspectRatio,
			"output-quality":     &patch.OutputQuality,
			"post-stage-quality": &patch.PostStageQuality,
		} {
			if cmd.Flags().Changed(flag) {
				v, _ := cmd.Flags().GetString(flag)
				*dst = &v
			}
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		s, err := st.orch.UpdateSettings(cmd.Context(), args[0], patch)
		if err != nil {
			return err
		}
		return emit(cmd, s, func(w io.Writer) {
			fmt.Fprintf(w, "Settings: %s / %s / %s\n", s.AspectRatio, s.OutputQuality, s.PostStageQuality)
		})
	},
}

var pipelineDeleteCmd = &cobra.Command{
	Use:   "delete <pipeline-id>",
	Short: "Delete a pipeline and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.orch.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func addSettingsFlags(cmd *cobra.Command) {
	cmd.Flags().String("aspect-ratio", "", "aspect ratio, e.g. 16:9")
	cmd.Flags().String("output-quality", "", "output quality, e.g. 2k or 4k")
	cmd.Flags().String("post-stage-quality", "", "quality of the final stages")
}

func init() {
	pipelineCreateCmd.Flags().String("id", "", "pipeline id (default: random)")
	pipelineCreateCmd.Flags().String("kind", string(pipeline.KindSimpleFourStep), "pipeline kind (simple_four_step, whole_apartment)")
	pipelineCreateCmd.Flags().String("title", "", "pipeline title")
	addSettingsFlags(pipelineCreateCmd)
	addSettingsFlags(pipelineSettingsCmd)
	pipelineListCmd.Flags().String("kind", "", "only list pipelines of this kind")
	pipelinePauseCmd.Flags().String("reason", "", "why the pipeline is paused")
	pipelineRollbackCmd.Flags().Bool("confirm", false, "confirm that outputs will be discarded")

	pipelineCmd.AddCommand(pipelineCreateCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineAdvanceCmd)
	pipelineCmd.AddCommand(pipelinePauseCmd)
	pipelineCmd.AddCommand(pipelineResumeCmd)
	pipelineCmd.AddCommand(pipelineRollbackCmd)
	pipelineCmd.AddCommand(pipelineSettingsCmd)
	pipelineCmd.AddCommand(pipelineDeleteCmd)
}
