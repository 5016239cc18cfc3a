package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/quayside/stackctl/internal/backup"
	"github.com/quayside/stackctl/internal/lockfile"
	"github.com/quayside/stackctl/internal/manifest"
	"github.com/quayside/stackctl/internal/migrate"
	"github.com/quayside/stackctl/internal/version"
)

// State names the orchestrator's position in the install state machine.
// Used for logging and for classifying where a failure occurred.
type State string

// Orchestrator states.
const (
	StateIdle          State = "idle"
	StateDetecting     State = "detecting"
	StateModeSelected  State = "mode_selected"
	StateBackingUp     State = "backing_up"
	StateExecuting     State = "executing"
	StateVerifying     State = "verifying"
	StateMigrating     State = "migrating"
	StateCommitting    State = "committing"
	StateCommitted     State = "committed"
	StateRolledBack    State = "rolled_back"
	StateUnrecoverable State = "unrecoverable"
)

// RequestMode selects a strategy explicitly or defers to the selector.
type RequestMode string

// Request modes. ModeAuto defers to SelectStrategy; any other value
// forces that strategy regardless of detected state (user override and
// repair scenarios).
const (
	ModeAuto      RequestMode = "auto"
	ModeFull      RequestMode = "full"
	ModePatch     RequestMode = "patch"
	ModeReinstall RequestMode = "reinstall"
	ModeClean     RequestMode = "clean"
)

// Request describes one install operation.
type Request struct {
	Mode          RequestMode
	TargetVersion string
	Modules       []ModuleDescriptor
}

// OutcomeStatus is the terminal state of an install run.
type OutcomeStatus string

// Outcome statuses.
const (
	// OutcomeCommitted means the new manifest is live.
	OutcomeCommitted OutcomeStatus = "committed"
	// OutcomeRolledBack means the operation failed but the deployment
	// was restored to its pre-operation condition.
	OutcomeRolledBack OutcomeStatus = "rolled_back"
	// OutcomeUnrecoverable means rollback itself failed; operator
	// intervention is required, starting from SnapshotPath.
	OutcomeUnrecoverable OutcomeStatus = "unrecoverable"
)

// Outcome is the result of Install. Err carries the original failure for
// rolled-back and unrecoverable runs; RestoreErr is set only when the
// rollback itself failed.
type Outcome struct {
	Status       OutcomeStatus
	Strategy     Strategy
	Manifest     *manifest.Manifest
	Err          error
	RestoreErr   error
	SnapshotID   string
	SnapshotPath string
}

// Options configures an Orchestrator.
type Options struct {
	DataDir    string
	BackupDir  string
	Retain     int
	System     System
	Logger     zerolog.Logger
	Migrations []migrate.Migration
}

// Orchestrator drives the end-to-end install state machine. All
// collaborators are constructed from Options; there is no package-level
// state, so orchestrators are independently testable.
type Orchestrator struct {
	dataDir    string
	sys        System
	log        zerolog.Logger
	registry   *manifest.Registry
	detector   *Detector
	modules    *ModuleManager
	backups    *backup.Manager
	migrations *migrate.Runner
}

// New constructs an Orchestrator from Options.
func New(opts Options) (*Orchestrator, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if opts.System == nil {
		return nil, fmt.Errorf("system is required")
	}
	backupDir := opts.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(opts.DataDir, "backups")
	}
	registry := manifest.NewRegistry(opts.DataDir, opts.System)
	runner, err := migrate.NewRunner(opts.DataDir, opts.System, opts.Logger, opts.Migrations)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		dataDir:    opts.DataDir,
		sys:        opts.System,
		log:        opts.Logger,
		registry:   registry,
		detector:   NewDetector(registry),
		modules:    NewModuleManager(opts.DataDir, opts.System, opts.Logger),
		backups:    backup.NewManager(opts.DataDir, backupDir, opts.Retain, opts.System, opts.Logger),
		migrations: runner,
	}, nil
}

// Registry exposes the orchestrator's registry for read-only callers
// (plan, verify).
func (o *Orchestrator) Registry() *manifest.Registry {
	return o.registry
}

// Backups exposes the snapshot manager for the snapshots CLI surface.
func (o *Orchestrator) Backups() *backup.Manager {
	return o.backups
}

// Modules exposes the module manager for verification surfaces.
func (o *Orchestrator) Modules() *ModuleManager {
	return o.modules
}

// Install runs one install operation to a terminal outcome. Errors
// returned directly (rather than inside an Outcome) occurred before any
// mutation: lock contention, detection failures, invalid requests, cycle
// detection, or snapshot creation failures. Once the backup snapshot
// exists, every failure is converted into a rollback and reported through
// the Outcome.
func (o *Orchestrator) Install(ctx context.Context, req Request) (Outcome, error) {
	lock, err := lockfile.Acquire(o.dataDir)
	if err != nil {
		return Outcome{}, err
	}
	defer func() {
		_ = lock.Release()
	}()
	if err := o.backups.CleanOrphans(); err != nil {
		return Outcome{}, err
	}

	target, state, strategy, order, err := o.prepare(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	o.transition(StateModeSelected, StateBackingUp, strategy)

	// Snapshot everything the strategy may touch, including paths the
	// operation will create: those are recorded absent so rollback can
	// remove them. An Absent deployment yields an empty snapshot, which
	// keeps the commit/rollback path uniform.
	snap, err := o.backups.Snapshot(o.protectedPaths(state, req))
	if err != nil {
		return Outcome{}, err
	}

	outcome := o.run(ctx, snap, strategy, state, target, order)
	outcome.Strategy = strategy
	return outcome, nil
}

// prepare covers the pre-mutation states: Detecting and ModeSelected,
// including request validation and dependency-order computation, so every
// fatal precondition is caught before the first filesystem write.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (string, DeploymentState, Strategy, []ModuleDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return "", DeploymentState{}, "", nil, err
	}
	target, err := normalizeTarget(req.TargetVersion)
	if err != nil {
		return "", DeploymentState{}, "", nil, err
	}

	o.transition(StateIdle, StateDetecting, "")
	state, err := o.detector.Detect()
	if err != nil {
		return "", DeploymentState{}, "", nil, err
	}
	o.transition(StateDetecting, StateModeSelected, "")

	strategy, err := o.resolveStrategy(req.Mode, state, target)
	if err != nil {
		return "", DeploymentState{}, "", nil, err
	}

	// Dependency cycles must be rejected before any mutation.
	order, err := InstallOrder(req.Modules, preInstalledFor(strategy, state))
	if err != nil {
		return "", DeploymentState{}, "", nil, err
	}
	return target, state, strategy, order, nil
}

func normalizeTarget(raw string) (string, error) {
	target, err := version.Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("target version: %w", err)
	}
	return target, nil
}

func (o *Orchestrator) resolveStrategy(mode RequestMode, state DeploymentState, target string) (Strategy, error) {
	switch mode {
	case ModeAuto, "":
		return SelectStrategy(state, target)
	case ModeFull:
		return StrategyFull, nil
	case ModePatch:
		if state.Kind != StatePresent {
			return "", fmt.Errorf("patch requires a present deployment, state is %s", state.Kind)
		}
		return StrategyPatch, nil
	case ModeReinstall:
		return StrategyReinstall, nil
	case ModeClean:
		return StrategyClean, nil
	default:
		return "", fmt.Errorf("unknown install mode %q", mode)
	}
}

// preInstalledFor returns the module ids whose payloads will still be in
// the store when the strategy executes; only patch keeps the existing
// store, every other strategy starts from an empty one.
func preInstalledFor(strategy Strategy, state DeploymentState) map[string]bool {
	if strategy != StrategyPatch || state.Manifest == nil {
		return nil
	}
	installed := make(map[string]bool, len(state.Manifest.Modules))
	for id, rec := range state.Manifest.Modules {
		if rec.Installed {
			installed[id] = true
		}
	}
	return installed
}

// run drives Executing through Committing with uniform rollback handling:
// any error past this point converts to a restore of the pre-operation
// snapshot.
func (o *Orchestrator) run(ctx context.Context, snap backup.Handle, strategy Strategy, state DeploymentState, target string, order []ModuleDescriptor) Outcome {
	o.transition(StateBackingUp, StateExecuting, strategy)
	next, err := o.execute(ctx, strategy, state, target, order)
	if err != nil {
		return o.rollback(snap, StateExecuting, err)
	}

	o.transition(StateExecuting, StateVerifying, strategy)
	if err := o.verifyInstalled(ctx, next); err != nil {
		return o.rollback(snap, StateVerifying, err)
	}

	o.transition(StateVerifying, StateMigrating, strategy)
	if err := o.runMigrations(ctx, strategy, state); err != nil {
		return o.rollback(snap, StateMigrating, err)
	}

	o.transition(StateMigrating, StateCommitting, strategy)
	next.SchemaVersion = manifest.SchemaVersion
	if err := o.registry.Commit(next); err != nil {
		return o.rollback(snap, StateCommitting, err)
	}

	o.transition(StateCommitting, StateCommitted, strategy)
	o.backups.MarkApplied(snap)
	if _, err := o.backups.Prune(); err != nil {
		o.log.Warn().Err(err).Msg("prune snapshots failed")
	}
	return Outcome{Status: OutcomeCommitted, Manifest: next, SnapshotID: snap.ID, SnapshotPath: snap.Dir}
}

// execute applies the strategy's module work and returns the manifest to
// commit. Cancellation is honored at module boundaries: a module whose
// install has begun completes or fails normally, and the cancellation is
// observed at the next boundary.
func (o *Orchestrator) execute(ctx context.Context, strategy Strategy, state DeploymentState, target string, order []ModuleDescriptor) (*manifest.Manifest, error) {
	switch strategy {
	case StrategyFull:
		return o.executeFresh(ctx, manifest.ModeFull, target, order)
	case StrategyPatch:
		return o.executePatch(ctx, state, target, order)
	case StrategyReinstall:
		if err := o.modules.RemoveAll(); err != nil {
			return nil, err
		}
		return o.executeFresh(ctx, manifest.ModeReinstall, target, order)
	case StrategyClean:
		if err := o.wipeDeployment(); err != nil {
			return nil, err
		}
		return o.executeFresh(ctx, manifest.ModeClean, target, order)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}

func (o *Orchestrator) executeFresh(ctx context.Context, mode manifest.InstallMode, target string, order []ModuleDescriptor) (*manifest.Manifest, error) {
	next := manifest.New(target, mode)
	for _, desc := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := o.modules.Install(desc)
		if err != nil {
			return nil, err
		}
		next.Modules[desc.ID] = record
	}
	return next, nil
}

func (o *Orchestrator) executePatch(ctx context.Context, state DeploymentState, target string, order []ModuleDescriptor) (*manifest.Manifest, error) {
	next := state.Manifest.Clone()
	next.AppVersion = target
	next.InstallMode = manifest.ModePatch
	next.InstalledAt = time.Now().UTC()
	for _, desc := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if existing, ok := next.Modules[desc.ID]; ok && existing.Installed && existing.Version == desc.Version && existing.Checksum == desc.Checksum {
			// Whole-module replacement: an unchanged module is kept, not
			// recopied. A payload that no longer verifies is corruption,
			// not a patchable difference; patch refuses to paper over it
			// so the run rolls back and the operator chooses a repair
			// strategy (reinstall or clean) explicitly.
			if o.modules.Verify(desc.ID, existing) {
				continue
			}
			return nil, &ChecksumMismatchError{Module: desc.ID, Want: existing.Checksum, Got: "installed payload failed verification"}
		}
		record, err := o.modules.Install(desc)
		if err != nil {
			return nil, err
		}
		next.Modules[desc.ID] = record
	}
	return next, nil
}

func (o *Orchestrator) wipeDeployment() error {
	if err := o.modules.RemoveAll(); err != nil {
		return err
	}
	if err := o.registry.Wipe(); err != nil {
		return err
	}
	recordsPath := filepath.Join(o.dataDir, migrate.RecordsFileName)
	if err := o.sys.Remove(recordsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", recordsPath, err)
	}
	return nil
}

// verifyInstalled re-verifies every installed module in the manifest
// about to be committed.
func (o *Orchestrator) verifyInstalled(ctx context.Context, m *manifest.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, id := range m.ModuleIDs() {
		record := m.Modules[id]
		if !record.Installed {
			continue
		}
		if !o.modules.Verify(id, record) {
			return &ChecksumMismatchError{Module: id, Want: record.Checksum, Got: "payload failed verification"}
		}
	}
	return nil
}

func (o *Orchestrator) runMigrations(ctx context.Context, strategy Strategy, state DeploymentState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fromSchema := manifest.SchemaVersion
	// Only a patched deployment carries forward old persistent state;
	// full, reinstall-fresh, and clean deployments start at the current
	// schema with nothing pending.
	if strategy == StrategyPatch && state.Manifest != nil {
		fromSchema = state.Manifest.SchemaVersion
	}
	return o.migrations.Run(ctx, fromSchema, manifest.SchemaVersion)
}

// rollback restores the pre-operation snapshot after a failure in
// failedAt. A successful restore terminates in RolledBack; a failed
// restore is the one case the orchestrator cannot fix, reported as
// Unrecoverable with the snapshot path for manual recovery.
func (o *Orchestrator) rollback(snap backup.Handle, failedAt State, cause error) Outcome {
	o.log.Error().Str("state", string(failedAt)).Err(cause).Msg("install failed, rolling back")
	if restoreErr := o.backups.Restore(snap, backup.StatusAutoRolledBack); restoreErr != nil {
		o.transition(failedAt, StateUnrecoverable, "")
		return Outcome{
			Status:       OutcomeUnrecoverable,
			Err:          cause,
			RestoreErr:   restoreErr,
			SnapshotID:   snap.ID,
			SnapshotPath: snap.Dir,
		}
	}
	o.transition(failedAt, StateRolledBack, "")
	return Outcome{Status: OutcomeRolledBack, Err: cause, SnapshotID: snap.ID, SnapshotPath: snap.Dir}
}

// protectedPaths returns every data-dir-relative path the operation may
// touch: the registry files, the migration log, the payloads of all
// currently installed modules, and the payloads of all requested modules
// (recorded absent when not yet present).
func (o *Orchestrator) protectedPaths(state DeploymentState, req Request) []string {
	paths := []string{
		manifest.FileName,
		manifest.MarkerFileName,
		migrate.RecordsFileName,
	}
	if state.Manifest != nil {
		for id := range state.Manifest.Modules {
			paths = append(paths, ModulePayloadRelPath(id))
		}
	}
	// A corrupt deployment has no trustworthy manifest, so enumerate the
	// store itself; a clean install must still be able to roll those
	// payloads back.
	paths = append(paths, o.storedModulePaths()...)
	for _, desc := range req.Modules {
		paths = append(paths, ModulePayloadRelPath(desc.ID))
	}
	return paths
}

func (o *Orchestrator) storedModulePaths() []string {
	entries, err := o.sys.ReadDir(filepath.Join(o.dataDir, ModuleStoreDirName))
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			paths = append(paths, ModulePayloadRelPath(entry.Name()))
			continue
		}
		// Flat files in the store are legacy pre-migration payloads; they
		// must be restorable when a migration moves or removes them.
		paths = append(paths, ModuleStoreDirName+"/"+entry.Name())
	}
	return paths
}

func (o *Orchestrator) transition(from State, to State, strategy Strategy) {
	event := o.log.Debug().Str("from", string(from)).Str("to", string(to))
	if strategy != "" {
		event = event.Str("strategy", string(strategy))
	}
	event.Msg("state transition")
}
