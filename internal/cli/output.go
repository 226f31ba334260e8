package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/renderfactory/internal/fanout"
	"github.com/lucasnoah/renderfactory/internal/orchestrator"
	"github.com/lucasnoah/renderfactory/internal/pipeline"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// emit prints v as JSON under --json and runs text otherwise.
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	text(cmd.OutOrStdout())
	return nil
}

func parseStageKey(s string) (int, error) {
	key, err := strconv.Atoi(s)
	if err != nil || key <= 0 {
		return 0, fmt.Errorf("invalid stage key: %s", s)
	}
	return key, nil
}

func parseSubStage(s string) (pipeline.SubStage, error) {
	sub := pipeline.SubStage(s)
	if !sub.Valid() {
		return "", fmt.Errorf("unknown sub-stage %q (render, panorama, final360)", s)
	}
	return sub, nil
}

func parseVariant(s string) (pipeline.Variant, error) {
	switch strings.ToUpper(s) {
	case "A":
		return pipeline.VariantA, nil
	case "B":
		return pipeline.VariantB, nil
	case "", "SINGLE":
		return pipeline.VariantSingle, nil
	}
	return "", fmt.Errorf("unknown variant %q (A, B, single)", s)
}

func printStatus(w io.Writer, info *orchestrator.StatusInfo) {
	title := info.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Fprintf(w, "Pipeline %s: %s\n", info.ID, title)
	fmt.Fprintf(w, "  Kind:      %s\n", info.Kind)
	fmt.Fprintf(w, "  Phase:     %s (%.0f%%)\n", info.Phase, info.Progress)
	if info.Paused {
		fmt.Fprintf(w, "  Paused:    %s\n", info.Reason)
	}
	if info.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s\n", info.LastError)
	}
	if info.Recovery {
		fmt.Fprintln(w, "  Recovery:  started past an unapproved stage")
	}
	fmt.Fprintf(w, "  Settings:  %s / %s / %s\n", info.Settings.AspectRatio, info.Settings.OutputQuality, info.Settings.PostStageQuality)

	fmt.Fprintln(w, "  Stages:")
	for _, st := range info.Stages {
		marker := " "
		if st.Key == info.Stage {
			marker = ">"
		}
		extra := ""
		if st.Attempts > 0 {
			extra += fmt.Sprintf(" attempts=%d", st.Attempts)
		}
		if st.Stale {
			extra += " STALE"
		}
		if st.Skipped {
			extra += " skipped"
		}
		fmt.Fprintf(w, "  %s %d %-16s %-18s%s\n", marker, st.Key, st.ID, st.State, extra)
	}
	if len(info.Spaces) > 0 {
		fmt.Fprintln(w, "  Spaces:")
		for _, sp := range info.Spaces {
			printSpace(w, sp)
		}
	}
	for _, g := range info.Gates {
		printGate(w, g)
	}
	fmt.Fprintf(w, "  Actions:   %s\n", joinActions(info.Actions))
}

func printSpace(w io.Writer, sp *pipeline.Space) {
	name := sp.ID
	if sp.Name != "" {
		name = fmt.Sprintf("%s (%s)", sp.ID, sp.Name)
	}
	if sp.Excluded {
		fmt.Fprintf(w, "    %-24s excluded\n", name)
		return
	}
	fmt.Fprintf(w, "    %-24s render %s/%s  panorama %s/%s  360 %s\n", name,
		sp.RenderA.Status, sp.RenderB.Status, sp.PanoramaA.Status, sp.PanoramaB.Status, sp.Final360.Status)
}

func printGate(w io.Writer, g *fanout.GateResult) {
	state := "locked"
	if g.Unlocked {
		state = "open"
	}
	fmt.Fprintf(w, "  Gate %-9s %s (%d/%d spaces)\n", g.SubStage, state, g.Locked, g.Active)
	if !g.Unlocked {
		for _, sg := range g.Spaces {
			if !sg.Excluded && !sg.Locked {
				fmt.Fprintf(w, "    %s: %s\n", sg.Space, sg.Summary)
			}
		}
	}
}

func joinActions(actions []orchestrator.Action) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

func variantName(v pipeline.Variant) string {
	if v == pipeline.VariantSingle {
		return "single"
	}
	return string(v)
}
