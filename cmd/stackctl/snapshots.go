package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quayside/stackctl/internal/backup"
	"github.com/quayside/stackctl/internal/lockfile"
	"github.com/quayside/stackctl/internal/messages"
)

func newSnapshotsCmd(dataDir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   messages.SnapshotsUse,
		Short: messages.SnapshotsShort,
	}
	cmd.AddCommand(newSnapshotsListCmd(dataDir))
	cmd.AddCommand(newSnapshotsRollbackCmd(dataDir))
	cmd.AddCommand(newSnapshotsPruneCmd(dataDir))
	return cmd
}

func newSnapshotsListCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   messages.SnapshotsListUse,
		Short: messages.SnapshotsListShort,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			metas, err := orch.Backups().List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(metas) == 0 {
				_, _ = fmt.Fprint(out, messages.SnapshotNone)
				return nil
			}
			for _, meta := range metas {
				_, _ = fmt.Fprintf(out, "%s  %s  %s\n", meta.ID, meta.CreatedAt, meta.Status)
			}
			return nil
		},
	}
}

func newSnapshotsRollbackCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   messages.SnapshotsRollbackUse,
		Short: messages.SnapshotsRollbackShort,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, settings, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			// Restore mutates the deployment; it contends for the same
			// lock as install.
			lock, err := lockfile.Acquire(settings.DataDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = lock.Release()
			}()
			handle, err := orch.Backups().Lookup(args[0])
			if err != nil {
				return err
			}
			if err := orch.Backups().Restore(handle, backup.StatusManuallyRolledBack); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), messages.SnapshotRolledBackFmt, handle.ID)
			return nil
		},
	}
}

func newSnapshotsPruneCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   messages.SnapshotsPruneUse,
		Short: messages.SnapshotsPruneShort,
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, settings, err := buildOrchestrator(*dataDir)
			if err != nil {
				return err
			}
			// Pruning deletes snapshot directories an in-flight install
			// may still need for rollback.
			lock, err := lockfile.Acquire(settings.DataDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = lock.Release()
			}()
			if err := orch.Backups().CleanOrphans(); err != nil {
				return err
			}
			removed, err := orch.Backups().Prune()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), messages.SnapshotPrunedFmt, removed)
			return nil
		},
	}
}
