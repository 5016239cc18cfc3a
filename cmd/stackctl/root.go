package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quayside/stackctl/internal/config"
	"github.com/quayside/stackctl/internal/deploy"
	"github.com/quayside/stackctl/internal/messages"
)

func newRootCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:           "stackctl",
		Short:         messages.RootShort,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", messages.FlagDataDir)

	cmd.AddCommand(newInstallCmd(&dataDir))
	cmd.AddCommand(newPlanCmd(&dataDir))
	cmd.AddCommand(newVerifyCmd(&dataDir))
	cmd.AddCommand(newSnapshotsCmd(&dataDir))
	return cmd
}

// buildOrchestrator resolves settings and wires every component with its
// dependencies. The returned settings carry the resolved paths for
// commands that need them.
func buildOrchestrator(dataDir string) (*deploy.Orchestrator, config.Settings, error) {
	settings, err := config.Load(dataDir)
	if err != nil {
		return nil, config.Settings{}, err
	}
	orch, err := deploy.New(deploy.Options{
		DataDir:    settings.DataDir,
		BackupDir:  settings.BackupDir,
		Retain:     settings.RetainSnapshots,
		System:     deploy.RealSystem{},
		Logger:     newLogger(settings.LogLevel),
		Migrations: deploy.BuiltinMigrations(),
	})
	if err != nil {
		return nil, config.Settings{}, err
	}
	return orch, settings, nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}
