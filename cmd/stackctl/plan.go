package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/quayside/stackctl/internal/deploy"
	"github.com/quayside/stackctl/internal/messages"
)

func newPlanCmd(dataDir *string) *cobra.Command {
	var (
		bundlePath string
		modules    []string
		mode       string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   messages.PlanUse,
		Short: messages.PlanShort,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			req, err := loadRequest(bundlePath, modules, mode)
			if err != nil {
				return err
			}
			plan, err := orch.BuildPlan(req)
			if err != nil {
				return err
			}
			if outputJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(plan)
			}
			return renderPlanText(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringVar(&bundlePath, "bundle", "", messages.FlagBundle)
	cmd.Flags().StringSliceVar(&modules, "modules", nil, messages.FlagModules)
	cmd.Flags().StringVar(&mode, "mode", string(deploy.ModeAuto), messages.FlagMode)
	cmd.Flags().BoolVar(&outputJSON, "json", false, messages.FlagJSON)
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func renderPlanText(out io.Writer, plan deploy.Plan) error {
	if _, err := fmt.Fprintln(out, "Install plan (dry-run): nothing was written."); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "\nDetected state: %s", plan.State); err != nil {
		return err
	}
	if plan.StateReason != "" {
		if _, err := fmt.Fprintf(out, " (%s)", plan.StateReason); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(out, "\nStrategy: %s\nTarget version: %s\n\nModules:\n", plan.Strategy, plan.TargetVersion); err != nil {
		return err
	}
	if len(plan.Entries) == 0 {
		if _, err := fmt.Fprintln(out, "  - (none)"); err != nil {
			return err
		}
	}
	for _, entry := range plan.Entries {
		line := fmt.Sprintf("  - %s %s", entry.Action, entry.Module)
		switch {
		case entry.FromVersion != "" && entry.ToVersion != "" && entry.FromVersion != entry.ToVersion:
			line += fmt.Sprintf(" (%s -> %s)", entry.FromVersion, entry.ToVersion)
		case entry.ToVersion != "":
			line += fmt.Sprintf(" (%s)", entry.ToVersion)
		case entry.FromVersion != "":
			line += fmt.Sprintf(" (%s)", entry.FromVersion)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	if plan.ManifestDiff != "" {
		if _, err := fmt.Fprintf(out, "\nManifest diff:\n%s", plan.ManifestDiff); err != nil {
			return err
		}
	}
	return nil
}
