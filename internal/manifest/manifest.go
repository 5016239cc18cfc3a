// Package manifest defines the durable record of an installed deployment
// and the Registry that owns it. The manifest on disk is either absent or
// internally consistent; every mutation goes through Registry.Commit,
// which writes a temp file and renames it over the canonical path.
package manifest

import (
	"fmt"
	"sort"
	"time"

	"github.com/quayside/stackctl/internal/checksum"
	"github.com/quayside/stackctl/internal/version"
)

// SchemaVersion is the current manifest schema. The migration runner
// brings older deployments up to this value before a commit.
const SchemaVersion = 5

// InstallMode records which strategy produced the current deployment.
type InstallMode string

// Install modes, mirroring the strategy that wrote the manifest.
const (
	ModeFull      InstallMode = "full"
	ModePatch     InstallMode = "patch"
	ModeReinstall InstallMode = "reinstall"
	ModeClean     InstallMode = "clean"
)

func validMode(mode InstallMode) bool {
	switch mode {
	case ModeFull, ModePatch, ModeReinstall, ModeClean:
		return true
	}
	return false
}

// ModuleRecord is one installable unit tracked by the manifest.
type ModuleRecord struct {
	Version      string   `json:"version"`
	Checksum     string   `json:"checksum"`
	Installed    bool     `json:"installed"`
	Dependencies []string `json:"dependencies"`
}

// Manifest is the durable record of what is installed.
type Manifest struct {
	SchemaVersion int                     `json:"schemaVersion"`
	AppVersion    string                  `json:"appVersion"`
	InstallMode   InstallMode             `json:"installMode"`
	InstalledAt   time.Time               `json:"installedAt"`
	Modules       map[string]ModuleRecord `json:"modules"`
}

// New returns an empty manifest at the current schema version.
func New(appVersion string, mode InstallMode) *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		AppVersion:    appVersion,
		InstallMode:   mode,
		InstalledAt:   time.Now().UTC(),
		Modules:       make(map[string]ModuleRecord),
	}
}

// Clone returns a deep copy. Components other than the Registry operate
// on copies and submit mutations back through Commit.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Modules = make(map[string]ModuleRecord, len(m.Modules))
	for id, rec := range m.Modules {
		deps := make([]string, len(rec.Dependencies))
		copy(deps, rec.Dependencies)
		rec.Dependencies = deps
		out.Modules[id] = rec
	}
	return &out
}

// ModuleIDs returns the manifest's module ids in sorted order.
func (m *Manifest) ModuleIDs() []string {
	ids := make([]string, 0, len(m.Modules))
	for id := range m.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the manifest's internal invariants. A manifest that
// fails validation is treated as corrupt by the Registry, never as a
// legitimate prior install.
func (m *Manifest) Validate() error {
	if m.SchemaVersion < 1 {
		return fmt.Errorf("schemaVersion %d is invalid", m.SchemaVersion)
	}
	if m.SchemaVersion > SchemaVersion {
		return fmt.Errorf("schemaVersion %d is newer than supported %d", m.SchemaVersion, SchemaVersion)
	}
	if _, err := version.Normalize(m.AppVersion); err != nil {
		return fmt.Errorf("appVersion: %w", err)
	}
	if !validMode(m.InstallMode) {
		return fmt.Errorf("installMode %q is invalid", m.InstallMode)
	}
	if m.InstalledAt.IsZero() {
		return fmt.Errorf("installedAt is required")
	}
	for id, rec := range m.Modules {
		if id == "" {
			return fmt.Errorf("module id must not be empty")
		}
		if _, err := version.Normalize(rec.Version); err != nil {
			return fmt.Errorf("module %s version: %w", id, err)
		}
		if _, err := checksum.Parse(rec.Checksum); err != nil {
			return fmt.Errorf("module %s checksum: %w", id, err)
		}
		for _, dep := range rec.Dependencies {
			if dep == "" {
				return fmt.Errorf("module %s has an empty dependency id", id)
			}
			if dep == id {
				return fmt.Errorf("module %s depends on itself", id)
			}
		}
	}
	return nil
}
