package deploy

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aymanbagabas/go-udiff"

	"github.com/quayside/stackctl/internal/manifest"
)

// PlanAction classifies what an install run would do to one module.
type PlanAction string

// Plan actions.
const (
	ActionInstall PlanAction = "install"
	ActionReplace PlanAction = "replace"
	ActionKeep    PlanAction = "keep"
	ActionRemove  PlanAction = "remove"
)

// PlanEntry is one module-level action in a dry-run plan.
type PlanEntry struct {
	Module      string     `json:"module"`
	Action      PlanAction `json:"action"`
	FromVersion string     `json:"fromVersion,omitempty"`
	ToVersion   string     `json:"toVersion,omitempty"`
}

// Plan is the dry-run result: what state was detected, which strategy
// would run, the per-module actions, and a unified diff of the current
// manifest against the projected one. Nothing on disk changes.
type Plan struct {
	State         StateKind   `json:"state"`
	StateReason   string      `json:"stateReason,omitempty"`
	Strategy      Strategy    `json:"strategy"`
	TargetVersion string      `json:"targetVersion"`
	Entries       []PlanEntry `json:"entries"`
	ManifestDiff  string      `json:"manifestDiff,omitempty"`
}

// BuildPlan computes the plan an Install with the same request would
// follow. Pure read: it takes no lock and performs no writes, so a plan
// can run while an install is in progress (it may describe a stale state).
func (o *Orchestrator) BuildPlan(req Request) (Plan, error) {
	target, err := normalizeTarget(req.TargetVersion)
	if err != nil {
		return Plan{}, err
	}
	state, err := o.detector.Detect()
	if err != nil {
		return Plan{}, err
	}
	strategy, err := o.resolveStrategy(req.Mode, state, target)
	if err != nil {
		return Plan{}, err
	}
	order, err := InstallOrder(req.Modules, preInstalledFor(strategy, state))
	if err != nil {
		return Plan{}, err
	}

	projected := o.projectManifest(strategy, state, target, order)
	plan := Plan{
		State:         state.Kind,
		StateReason:   state.Reason,
		Strategy:      strategy,
		TargetVersion: target,
		Entries:       planEntries(strategy, state, order),
	}
	diff, err := manifestDiff(state.Manifest, projected)
	if err != nil {
		return Plan{}, err
	}
	plan.ManifestDiff = diff
	return plan, nil
}

// projectManifest builds the manifest the run would commit, assuming
// every module installs cleanly.
func (o *Orchestrator) projectManifest(strategy Strategy, state DeploymentState, target string, order []ModuleDescriptor) *manifest.Manifest {
	var projected *manifest.Manifest
	if strategy == StrategyPatch && state.Manifest != nil {
		projected = state.Manifest.Clone()
		projected.AppVersion = target
		projected.InstallMode = manifest.ModePatch
	} else {
		projected = manifest.New(target, manifest.InstallMode(strategy))
	}
	projected.SchemaVersion = manifest.SchemaVersion
	for _, desc := range order {
		deps := append([]string(nil), desc.Dependencies...)
		sort.Strings(deps)
		projected.Modules[desc.ID] = manifest.ModuleRecord{
			Version:      desc.Version,
			Checksum:     desc.Checksum,
			Installed:    true,
			Dependencies: deps,
		}
	}
	return projected
}

func planEntries(strategy Strategy, state DeploymentState, order []ModuleDescriptor) []PlanEntry {
	entries := make([]PlanEntry, 0, len(order))
	current := map[string]manifest.ModuleRecord{}
	if state.Manifest != nil {
		current = state.Manifest.Modules
	}
	requested := make(map[string]struct{}, len(order))
	for _, desc := range order {
		requested[desc.ID] = struct{}{}
		existing, exists := current[desc.ID]
		switch {
		case strategy != StrategyPatch || !exists:
			entries = append(entries, PlanEntry{Module: desc.ID, Action: ActionInstall, ToVersion: desc.Version})
		case existing.Installed && existing.Version == desc.Version && existing.Checksum == desc.Checksum:
			entries = append(entries, PlanEntry{Module: desc.ID, Action: ActionKeep, FromVersion: existing.Version, ToVersion: desc.Version})
		default:
			entries = append(entries, PlanEntry{Module: desc.ID, Action: ActionReplace, FromVersion: existing.Version, ToVersion: desc.Version})
		}
	}
	if strategy != StrategyPatch {
		// Everything currently installed but not requested disappears.
		removed := make([]string, 0)
		for id := range current {
			if _, ok := requested[id]; !ok {
				removed = append(removed, id)
			}
		}
		sort.Strings(removed)
		for _, id := range removed {
			entries = append(entries, PlanEntry{Module: id, Action: ActionRemove, FromVersion: current[id].Version})
		}
	}
	return entries
}

// manifestDiff renders a unified diff between the current and projected
// manifests' JSON forms, with volatile fields zeroed so the diff shows
// only meaningful change.
func manifestDiff(current *manifest.Manifest, projected *manifest.Manifest) (string, error) {
	from, err := manifestForDiff(current)
	if err != nil {
		return "", err
	}
	to, err := manifestForDiff(projected)
	if err != nil {
		return "", err
	}
	return udiff.Unified("manifest.json (current)", "manifest.json (projected)", from, to), nil
}

func manifestForDiff(m *manifest.Manifest) (string, error) {
	if m == nil {
		return "", nil
	}
	stable := m.Clone()
	stable.InstalledAt = time.Time{}
	data, err := json.MarshalIndent(stable, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest for diff: %w", err)
	}
	return string(data) + "\n", nil
}
