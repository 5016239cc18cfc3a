package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quayside/stackctl/internal/deploy"
	"github.com/quayside/stackctl/internal/messages"
)

func newVerifyCmd(dataDir *string) *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   messages.VerifyUse,
		Short: messages.VerifyShort,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			report, err := orch.VerifyDeployment()
			if err != nil {
				return err
			}
			if outputJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(report); err != nil {
					return err
				}
			} else {
				printVerifyReport(cmd, report)
			}
			if !report.OK() && report.State != deploy.StateAbsent {
				return &exitCodeError{code: exitRolledBack}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, messages.FlagJSON)
	return cmd
}

func printVerifyReport(cmd *cobra.Command, report deploy.VerifyReport) {
	out := cmd.OutOrStdout()
	switch {
	case report.State == deploy.StateAbsent:
		_, _ = fmt.Fprint(out, messages.VerifyAbsent)
	case report.OK():
		_, _ = fmt.Fprintf(out, messages.VerifyOKFmt, report.Modules)
	default:
		_, _ = fmt.Fprintf(out, "Deployment is inconsistent (state %s):\n", report.State)
		for _, finding := range report.Findings {
			detail := finding.Detail
			if finding.Module != "" {
				detail = finding.Module + ": " + detail
			}
			_, _ = fmt.Fprintf(out, messages.VerifyFindingFmt, detail)
		}
	}
}
