package deploy

import (
	"fmt"
	"strings"
)

// DetectionError reports that the registry or marker could not be read in
// an unexpected way. It is distinct from the legitimate Absent and
// Corrupt deployment states and is surfaced directly with no rollback,
// since nothing has been mutated yet.
type DetectionError struct {
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect deployment state: %v", e.Err)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// ChecksumMismatchError reports a module whose payload hash does not
// match the expected digest. The bad payload is discarded and the module
// is left uninstalled.
type ChecksumMismatchError struct {
	Module string
	Want   string
	Got    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("module %s: checksum mismatch: want %s, got %s", e.Module, e.Want, e.Got)
}

// DependencyCycleError reports a cycle in the requested modules'
// dependency graph. It is detected before any filesystem mutation.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle among modules: %s", strings.Join(e.Cycle, " -> "))
}

// PayloadMissingError reports a module descriptor whose payload file does
// not exist or is not a regular file.
type PayloadMissingError struct {
	Module string
	Path   string
}

func (e *PayloadMissingError) Error() string {
	return fmt.Sprintf("module %s: payload %s is missing", e.Module, e.Path)
}

// UnsatisfiedDependencyError reports a module that depends on a module
// that is neither requested nor already installed.
type UnsatisfiedDependencyError struct {
	Module     string
	Dependency string
}

func (e *UnsatisfiedDependencyError) Error() string {
	return fmt.Sprintf("module %s: dependency %s is neither requested nor installed", e.Module, e.Dependency)
}
