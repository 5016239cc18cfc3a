package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quayside/stackctl/internal/checksum"
	"github.com/quayside/stackctl/internal/manifest"
)

const (
	// ModuleStoreDirName is the module store directory under the data dir.
	ModuleStoreDirName = "modules"
	// modulePayloadName is the fixed payload file name inside a module's
	// store directory, so verification never has to guess.
	modulePayloadName = "payload.pkg"
)

// ModuleDescriptor describes one installable unit and where its
// already-downloaded payload lives. The orchestrator consumes addressable
// payload files, never URLs.
type ModuleDescriptor struct {
	ID           string
	Version      string
	Checksum     string
	Dependencies []string
	PayloadPath  string
}

// ModulePayloadRelPath returns the store-relative path of a module's
// payload, slash-separated. Shared with the backup manager's protected
// file set.
func ModulePayloadRelPath(id string) string {
	return ModuleStoreDirName + "/" + id + "/" + modulePayloadName
}

// validModuleID reports whether id is usable as a store directory name.
// Ids are joined into filesystem paths, so anything that could escape the
// module store is rejected.
func validModuleID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.Base(id) == id
}

// ModuleManager installs, verifies, and removes individual modules in the
// module store under the deployment data directory.
type ModuleManager struct {
	dataDir string
	sys     System
	log     zerolog.Logger
}

// NewModuleManager returns a ModuleManager rooted at dataDir.
func NewModuleManager(dataDir string, sys System, log zerolog.Logger) *ModuleManager {
	return &ModuleManager{dataDir: dataDir, sys: sys, log: log}
}

func (mm *ModuleManager) payloadPath(id string) string {
	return filepath.Join(mm.dataDir, ModuleStoreDirName, id, modulePayloadName)
}

// Install copies the descriptor's payload into the module store, computes
// the stored copy's checksum, and returns a record with Installed=true
// only when the computed digest matches the expected one. On a mismatch
// the bad payload is discarded and the returned record is uninstalled.
func (mm *ModuleManager) Install(desc ModuleDescriptor) (manifest.ModuleRecord, error) {
	record := manifest.ModuleRecord{
		Version:      desc.Version,
		Checksum:     desc.Checksum,
		Installed:    false,
		Dependencies: append([]string(nil), desc.Dependencies...),
	}
	sort.Strings(record.Dependencies)

	if !validModuleID(desc.ID) {
		return record, fmt.Errorf("invalid module id %q: must be a bare directory name", desc.ID)
	}
	expected, err := checksum.Parse(desc.Checksum)
	if err != nil {
		return record, fmt.Errorf("module %s: %w", desc.ID, err)
	}
	info, err := mm.sys.Stat(desc.PayloadPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return record, &PayloadMissingError{Module: desc.ID, Path: desc.PayloadPath}
		}
		return record, fmt.Errorf("module %s: stat payload %s: %w", desc.ID, desc.PayloadPath, err)
	}
	if !info.Mode().IsRegular() {
		return record, &PayloadMissingError{Module: desc.ID, Path: desc.PayloadPath}
	}

	stored := mm.payloadPath(desc.ID)
	if err := mm.sys.CopyFile(desc.PayloadPath, stored, 0o644); err != nil {
		return record, fmt.Errorf("module %s: copy payload: %w", desc.ID, err)
	}
	got, err := checksum.Compute(stored)
	if err != nil {
		_ = mm.sys.RemoveAll(filepath.Dir(stored))
		return record, fmt.Errorf("module %s: hash stored payload: %w", desc.ID, err)
	}
	if got != expected {
		// Corrupt download or torn copy: discard, leave uninstalled.
		_ = mm.sys.RemoveAll(filepath.Dir(stored))
		return record, &ChecksumMismatchError{Module: desc.ID, Want: expected.String(), Got: got.String()}
	}

	record.Installed = true
	mm.log.Debug().Str("module", desc.ID).Str("version", desc.Version).Msg("module installed")
	return record, nil
}

// Verify reports whether the module's payload exists in the store and
// matches the record's checksum.
func (mm *ModuleManager) Verify(id string, record manifest.ModuleRecord) bool {
	expected, err := checksum.Parse(record.Checksum)
	if err != nil {
		return false
	}
	return checksum.Verify(mm.payloadPath(id), expected)
}

// Remove deletes the module's store directory.
func (mm *ModuleManager) Remove(id string) error {
	dir := filepath.Join(mm.dataDir, ModuleStoreDirName, id)
	if err := mm.sys.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove module %s: %w", id, err)
	}
	return nil
}

// RemoveAll deletes the entire module store.
func (mm *ModuleManager) RemoveAll() error {
	if err := mm.sys.RemoveAll(filepath.Join(mm.dataDir, ModuleStoreDirName)); err != nil {
		return fmt.Errorf("remove module store: %w", err)
	}
	return nil
}

// InstallOrder returns the descriptors in dependency order: every module
// comes strictly after all of its in-set dependencies. Dependencies that
// are already satisfied by installed ids are permitted; a dependency that
// is neither requested nor in installed fails, and a cycle fails before
// any filesystem mutation with the cycle's members named.
func InstallOrder(descs []ModuleDescriptor, installed map[string]bool) ([]ModuleDescriptor, error) {
	byID := make(map[string]ModuleDescriptor, len(descs))
	for _, desc := range descs {
		if _, dup := byID[desc.ID]; dup {
			return nil, fmt.Errorf("module %s requested more than once", desc.ID)
		}
		byID[desc.ID] = desc
	}

	indegree := make(map[string]int, len(descs))
	dependents := make(map[string][]string, len(descs))
	for _, desc := range descs {
		indegree[desc.ID] += 0
		for _, dep := range desc.Dependencies {
			if _, inSet := byID[dep]; inSet {
				indegree[desc.ID]++
				dependents[dep] = append(dependents[dep], desc.ID)
				continue
			}
			if !installed[dep] {
				return nil, &UnsatisfiedDependencyError{Module: desc.ID, Dependency: dep}
			}
		}
	}

	// Kahn's algorithm with a sorted frontier for deterministic output.
	frontier := make([]string, 0, len(descs))
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]ModuleDescriptor, 0, len(descs))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, byID[id])
		released := make([]string, 0)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(descs) {
		cycle := make([]string, 0)
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, &DependencyCycleError{Cycle: cycle}
	}
	return order, nil
}
