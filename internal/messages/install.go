// Package messages centralizes user-facing strings so wording stays
// consistent across the CLI and can be reviewed in one place.
package messages

// Install result messages.
const (
	// InstallCommittedFmt announces a committed install.
	InstallCommittedFmt = "Installed %s (%s strategy, %d modules).\n"
	// InstallRolledBackFmt announces a failed-but-recovered install.
	InstallRolledBackFmt = "Update failed: %v\nYour previous installation is intact (rolled back via snapshot %s).\n"
	// InstallUnrecoverableFmt announces a failed rollback.
	InstallUnrecoverableFmt = "Update failed: %v\nAutomatic rollback also failed: %v\nManual recovery required. Last good snapshot: %s\n"
	// InstallInProgress reports lock contention.
	InstallInProgress = "Another install is already running against this deployment. Retry once it finishes.\n"

	// VerifyOKFmt reports a consistent deployment.
	VerifyOKFmt = "Deployment is consistent (%d modules verified).\n"
	// VerifyAbsent reports no deployment.
	VerifyAbsent = "No deployment found.\n"
	// VerifyFindingFmt lists one verification finding.
	VerifyFindingFmt = "  - %s\n"

	// SnapshotRolledBackFmt reports a manual rollback.
	SnapshotRolledBackFmt = "Rolled back to snapshot %s.\n"
	// SnapshotPrunedFmt reports how many snapshots were pruned.
	SnapshotPrunedFmt = "Pruned %d snapshot(s).\n"
	// SnapshotNone reports an empty snapshot list.
	SnapshotNone = "No snapshots found.\n"
)

// Command help text.
const (
	RootShort = "stackctl installs and upgrades a modular application deployment"

	InstallUse   = "install"
	InstallShort = "Install or upgrade the deployment from a release bundle"

	PlanUse   = "plan"
	PlanShort = "Show what install would do, without changing anything"

	VerifyUse   = "verify"
	VerifyShort = "Re-verify manifest, version marker, and module checksums"

	SnapshotsUse           = "snapshots"
	SnapshotsShort         = "Inspect and manage backup snapshots"
	SnapshotsListUse       = "list"
	SnapshotsListShort     = "List retained snapshots, newest first"
	SnapshotsRollbackUse   = "rollback <snapshot-id>"
	SnapshotsRollbackShort = "Restore the deployment from a named snapshot"
	SnapshotsPruneUse      = "prune"
	SnapshotsPruneShort    = "Delete snapshots beyond the retention count"

	FlagBundle  = "path to the release bundle TOML file"
	FlagModules = "module ids to install (default: all modules in the bundle)"
	FlagMode    = "install mode: auto, full, patch, reinstall, or clean"
	FlagDataDir = "deployment data directory (default: ~/.stackctl)"
	FlagJSON    = "emit JSON instead of text"
	FlagYes     = "skip interactive confirmation prompts"
)
