package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/fanout"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Manage the per-space work of a whole-apartment pipeline",
}

// parseSpaceSpecs turns "kitchen" or "kitchen:Open kitchen" arguments into specs.
func parseSpaceSpecs(args []string) ([]fanout.SpaceSpec, error) {
	specs := make([]fanout.SpaceSpec, 0, len(args))
	for _, a := range args {
		id, name, _ := strings.Cut(a, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty space id in %q", a)
		}
		specs = append(specs, fanout.SpaceSpec{ID: id, Name: strings.TrimSpace(name)})
	}
	return specs, nil
}

var spaceRegisterCmd = &cobra.Command{
	Use:   "register <pipeline-id> <space[:name]>...",
	Short: "Register the spaces detected in the floor plan",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, err := parseSpaceSpecs(args[1:])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.orch.RegisterSpaces(cmd.Context(), args[0], specs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %d space(s)\n", len(specs))
		return nil
	},
}

var spaceExcludeCmd = &cobra.Command{
	Use:   "exclude <pipeline-id> <space>",
	Short: "Exclude a space from gates and batch runs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcluded(cmd, args, true)
	},
}

var spaceRestoreCmd = &cobra.Command{
	Use:   "restore <pipeline-id> <space>",
	Short: "Bring an excluded space back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcluded(cmd, args, false)
	},
}

func setExcluded(cmd *cobra.Command, args []string, excluded bool) error {
	st, err := openStack(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	var changed bool
	if excluded {
		changed, err = st.orch.ExcludeSpace(cmd.Context(), args[0], args[1])
	} else {
		changed, err = st.orch.RestoreSpace(cmd.Context(), args[0], args[1])
	}
	if err != nil {
		return err
	}
	verb := "Restored"
	if excluded {
		verb = "Excluded"
	}
	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "Space %s unchanged\n", args[1])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s space %s\n", verb, args[1])
	return nil
}

var spaceStartCmd = &cobra.Command{
	Use:   "start <pipeline-id> <space> <sub-stage>",
	Short: "Start a sub-stage for one space",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := parseSubStage(args[2])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		source, _ := cmd.Flags().GetString("source")
		jobs, err := st.orch.StartSubStageForSpace(cmd.Context(), args[0], args[1], sub, source)
		if err != nil {
			return err
		}
		return emit(cmd, jobs, func(w io.Writer) {
			if len(jobs) == 0 {
				fmt.Fprintln(w, "Nothing to start")
				return
			}
			for _, j := range jobs {
				fmt.Fprintf(w, "Started %s %s/%s attempt %s\n", j.SpaceID, j.SubStage, variantName(j.Variant), j.AttemptID)
			}
		})
	},
}

var spaceRunAllCmd = &cobra.Command{
	Use:   "run-all <pipeline-id> <sub-stage>",
	Short: "Start a sub-stage for every active space that is ready",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := parseSubStage(args[1])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := st.orch.RunAllPending(cmd.Context(), args[0], sub)
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Started %d %s job(s)\n", len(res.Started), res.SubStage)
			for space, msg := range res.Failed {
				fmt.Fprintf(w, "  %s failed: %s\n", space, msg)
			}
		})
	},
}

var spaceApproveCmd = &cobra.Command{
	Use:   "approve <pipeline-id> <space> <sub-stage> <variant>",
	Short: "Approve and lock one variant of a space",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := parseSubStage(args[2])
		if err != nil {
			return err
		}
		v, err := parseVariant(args[3])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		changed, err := st.orch.ApproveAsset(cmd.Context(), args[0], args[1], sub, v)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Fprintln(cmd.OutOrStdout(), "Already approved")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved %s %s/%s\n", args[1], sub, variantName(v))
		return nil
	},
}

var spaceRejectCmd = &cobra.Command{
	Use:   "reject <pipeline-id> <space> <sub-stage> <variant>",
	Short: "Reject one variant of a space and regenerate it",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := parseSubStage(args[2])
		if err != nil {
			return err
		}
		v, err := parseVariant(args[3])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		reason, _ := cmd.Flags().GetString("reason")
		out, err := st.orch.RejectAsset(cmd.Context(), args[0], args[1], sub, v, reason)
		if err != nil {
			return err
		}
		return emit(cmd, out, func(w io.Writer) {
			fmt.Fprintf(w, "Rejected %s %s/%s; now %s\n", args[1], sub, variantName(v), out.Status)
			if out.Blocked {
				fmt.Fprintln(w, "Retry budget exhausted; the asset needs a manual decision")
			}
		})
	},
}

var spaceGateCmd = &cobra.Command{
	Use:   "gate <pipeline-id> <sub-stage>",
	Short: "Show whether every active space has locked a sub-stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sub, err := parseSubStage(args[1])
		if err != nil {
			return err
		}
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		g, err := st.orch.ComputeGate(cmd.Context(), args[0], sub)
		if err != nil {
			return err
		}
		return emit(cmd, g, func(w io.Writer) { printGate(w, g) })
	},
}

func init() {
	spaceStartCmd.Flags().String("source", "", "input artifact to generate from (default: the approved upstream output)")
	spaceRejectCmd.Flags().String("reason", "", "why the output was rejected")

	spaceCmd.AddCommand(spaceRegisterCmd)
	spaceCmd.AddCommand(spaceExcludeCmd)
	spaceCmd.AddCommand(spaceRestoreCmd)
	spaceCmd.AddCommand(spaceStartCmd)
	spaceCmd.AddCommand(spaceRunAllCmd)
	spaceCmd.AddCommand(spaceApproveCmd)
	spaceCmd.AddCommand(spaceRejectCmd)
	spaceCmd.AddCommand(spaceGateCmd)
}
