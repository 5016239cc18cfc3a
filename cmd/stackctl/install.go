package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quayside/stackctl/internal/deploy"
	"github.com/quayside/stackctl/internal/messages"
)

func newInstallCmd(dataDir *string) *cobra.Command {
	var (
		bundlePath string
		modules    []string
		mode       string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   messages.InstallUse,
		Short: messages.InstallShort,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			req, err := loadRequest(bundlePath, modules, mode)
			if err != nil {
				return err
			}
			if needsConfirmation(req.Mode) && !yes {
				ok, err := confirmDestructive(cmd.InOrStdin(), cmd.OutOrStdout(), req.Mode)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("aborted")
				}
			}

			outcome, err := orch.Install(cmd.Context(), req)
			if err != nil {
				return err
			}
			return reportOutcome(cmd.OutOrStdout(), cmd.ErrOrStderr(), outcome)
		},
	}

	cmd.Flags().StringVar(&bundlePath, "bundle", "", messages.FlagBundle)
	cmd.Flags().StringSliceVar(&modules, "modules", nil, messages.FlagModules)
	cmd.Flags().StringVar(&mode, "mode", string(deploy.ModeAuto), messages.FlagMode)
	cmd.Flags().BoolVar(&yes, "yes", false, messages.FlagYes)
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

// loadRequest builds an install request from a bundle file, an optional
// module selection, and a mode flag.
func loadRequest(bundlePath string, modules []string, mode string) (deploy.Request, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return deploy.Request{}, fmt.Errorf("read bundle %s: %w", bundlePath, err)
	}
	bundle, err := deploy.LoadBundle(data, bundlePath, filepath.Dir(bundlePath))
	if err != nil {
		return deploy.Request{}, err
	}
	descs, err := bundle.Descriptors(modules)
	if err != nil {
		return deploy.Request{}, err
	}
	reqMode, err := parseMode(mode)
	if err != nil {
		return deploy.Request{}, err
	}
	return deploy.Request{
		Mode:          reqMode,
		TargetVersion: bundle.AppVersion,
		Modules:       descs,
	}, nil
}

func parseMode(raw string) (deploy.RequestMode, error) {
	switch deploy.RequestMode(strings.ToLower(strings.TrimSpace(raw))) {
	case deploy.ModeAuto, "":
		return deploy.ModeAuto, nil
	case deploy.ModeFull:
		return deploy.ModeFull, nil
	case deploy.ModePatch:
		return deploy.ModePatch, nil
	case deploy.ModeReinstall:
		return deploy.ModeReinstall, nil
	case deploy.ModeClean:
		return deploy.ModeClean, nil
	default:
		return "", fmt.Errorf("unknown install mode %q", raw)
	}
}

func needsConfirmation(mode deploy.RequestMode) bool {
	return mode == deploy.ModeClean || mode == deploy.ModeReinstall
}

func confirmDestructive(in io.Reader, out io.Writer, mode deploy.RequestMode) (bool, error) {
	if !isTerminal() {
		return false, fmt.Errorf("%s install discards the current deployment; re-run with --yes to confirm non-interactively", mode)
	}
	_, _ = fmt.Fprintf(out, "A %s install discards the current deployment state. Continue? [y/N] ", mode)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// reportOutcome prints the user-facing result and converts non-committed
// outcomes into their exit codes.
func reportOutcome(out io.Writer, errOut io.Writer, outcome deploy.Outcome) error {
	switch outcome.Status {
	case deploy.OutcomeCommitted:
		color.New(color.FgGreen).Fprintf(out, messages.InstallCommittedFmt,
			outcome.Manifest.AppVersion, outcome.Strategy, len(outcome.Manifest.Modules))
		return nil
	case deploy.OutcomeRolledBack:
		color.New(color.FgYellow).Fprintf(errOut, messages.InstallRolledBackFmt, outcome.Err, outcome.SnapshotID)
		return &exitCodeError{code: exitRolledBack}
	case deploy.OutcomeUnrecoverable:
		color.New(color.FgRed).Fprintf(errOut, messages.InstallUnrecoverableFmt,
			outcome.Err, outcome.RestoreErr, outcome.SnapshotPath)
		return &exitCodeError{code: exitUnrecoverable}
	default:
		return fmt.Errorf("unknown install outcome %q", outcome.Status)
	}
}
