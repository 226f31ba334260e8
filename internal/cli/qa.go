package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
	"github.com/lucasnoah/renderfactory/internal/stage"
)

var qaCmd = &cobra.Command{
	Use:   "qa",
	Short: "Record automatic QA results",
}

var qaObserveCmd = &cobra.Command{
	Use:   "observe <pipeline-id> <stage>",
	Short: "Record a finished attempt and its QA verdict",
	Long: `Record a finished attempt and its automatic QA verdict, the same way the
completion callback does. Pass --space, --sub and --variant for a per-space
asset. Results for an attempt other than the current one are ignored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, key, err := stageArgs(args)
		if err != nil {
			return err
		}
		attempt, _ := cmd.Flags().GetString("attempt")
		artifact, _ := cmd.Flags().GetString("artifact")
		decision, _ := cmd.Flags().GetString("decision")
		notes, _ := cmd.Flags().GetString("notes")
		spaceID, _ := cmd.Flags().GetString("space")
		if attempt == "" {
			return fmt.Errorf("--attempt is required")
		}
		c := stage.Completion{
			AttemptID:   attempt,
			ArtifactRef: artifact,
			Decision:    pipeline.NormalizeQaDecision(decision),
			Notes:       notes,
		}

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if spaceID == "" {
			var out stage.Outcome
			err := orchestrator.RetryOnConflict(cmd.Context(), func(ctx context.Context) error {
				var err error
				out, err = st.orch.ObserveAutomaticQa(ctx, id, key, c)
				return err
			})
			if err != nil {
				return err
			}
			return emit(cmd, out, func(w io.Writer) {
				if out.Ignored {
					fmt.Fprintln(w, "Result ignored: attempt is not current")
					return
				}
				fmt.Fprintf(w, "Stage %d is now %s\n", key, out.State)
			})
		}

		subFlag, _ := cmd.Flags().GetString("sub")
		sub, err := parseSubStage(subFlag)
		if err != nil {
			return err
		}
		variantFlag, _ := cmd.Flags().GetString("variant")
		v, err := parseVariant(variantFlag)
		if err != nil {
			return err
		}
		var out any
		var ignored bool
		var status pipeline.AssetStatus
		err = orchestrator.RetryOnConflict(cmd.Context(), func(ctx context.Context) error {
			res, err := st.orch.ObserveAssetResult(ctx, id, spaceID, sub, v, c)
			out, ignored, status = res, res.Ignored, res.Status
			return err
		})
		if err != nil {
			return err
		}
		return emit(cmd, out, func(w io.Writer) {
			if ignored {
				fmt.Fprintln(w, "Result ignored: attempt is not current")
				return
			}
			fmt.Fprintf(w, "%s %s/%s is now %s\n", spaceID, sub, variantName(v), status)
		})
	},
}

func init() {
	qaObserveCmd.Flags().String("attempt", "", "attempt id the worker was given")
	qaObserveCmd.Flags().String("artifact", "", "reference to the produced artifact")
	qaObserveCmd.Flags().String("decision", "approved", "QA verdict (approved, rejected, ...)")
	qaObserveCmd.Flags().String("notes", "", "QA notes")
	qaObserveCmd.Flags().String("space", "", "space id, for per-space assets")
	qaObserveCmd.Flags().String("sub", "", "sub-stage, for per-space assets")
	qaObserveCmd.Flags().String("variant", "", "variant (A, B, single), for per-space assets")

	qaCmd.AddCommand(qaObserveCmd)
}
