package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quayside/stackctl/internal/version"
)

const (
	// FileName is the canonical manifest file name under the data dir.
	FileName = "manifest.json"
	// MarkerFileName is the plain-text version marker used as a cheap
	// tamper check against the manifest.
	MarkerFileName = "app.version"
)

// ErrNotFound reports that no manifest exists (no prior install). It is
// distinct from CorruptError, which reports a manifest that exists but
// cannot be trusted.
var ErrNotFound = errors.New("manifest not found")

// CorruptError reports a manifest that exists on disk but does not parse
// or violates its invariants. It drives mode selection toward a clean
// install rather than a patch.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt manifest %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt manifest %s: %s", e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// CommitError reports a failed atomic manifest write.
type CommitError struct {
	Path string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit manifest %s: %v", e.Path, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// System abstracts the filesystem operations the Registry needs. It is
// intentionally package-local so registry tests can inject faults without
// shared global state; other packages define their own System interfaces
// with operations specific to their needs.
type System interface {
	ReadFile(name string) ([]byte, error)
	WriteFileAtomic(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
}

// Registry owns the canonical manifest and version marker under a
// deployment data directory.
type Registry struct {
	dataDir string
	sys     System
}

// NewRegistry returns a Registry rooted at dataDir.
func NewRegistry(dataDir string, sys System) *Registry {
	return &Registry{dataDir: dataDir, sys: sys}
}

// Path returns the canonical manifest path.
func (r *Registry) Path() string {
	return filepath.Join(r.dataDir, FileName)
}

// MarkerPath returns the version marker path.
func (r *Registry) MarkerPath() string {
	return filepath.Join(r.dataDir, MarkerFileName)
}

// Load reads and validates the canonical manifest. It returns ErrNotFound
// when no manifest exists and a CorruptError when the file exists but does
// not parse or fails validation.
func (r *Registry) Load() (*Manifest, error) {
	path := r.Path()
	data, err := r.sys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &CorruptError{Path: path, Reason: "manifest does not parse", Err: err}
	}
	if err := m.Validate(); err != nil {
		return nil, &CorruptError{Path: path, Reason: "manifest invariant violated", Err: err}
	}
	return &m, nil
}

// Commit atomically writes m as the canonical manifest and then updates
// the version marker to match. A crash between write and rename leaves
// the previous manifest untouched.
func (r *Registry) Commit(m *Manifest) error {
	if m == nil {
		return &CommitError{Path: r.Path(), Err: fmt.Errorf("manifest is required")}
	}
	if err := m.Validate(); err != nil {
		return &CommitError{Path: r.Path(), Err: err}
	}
	if err := r.sys.MkdirAll(r.dataDir, 0o755); err != nil {
		return &CommitError{Path: r.Path(), Err: err}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &CommitError{Path: r.Path(), Err: err}
	}
	data = append(data, '\n')
	if err := r.sys.WriteFileAtomic(r.Path(), data, 0o644); err != nil {
		return &CommitError{Path: r.Path(), Err: err}
	}
	marker := []byte(m.AppVersion + "\n")
	if err := r.sys.WriteFileAtomic(r.MarkerPath(), marker, 0o644); err != nil {
		return &CommitError{Path: r.MarkerPath(), Err: err}
	}
	return nil
}

// ReadMarker returns the normalized version recorded in the marker file.
// It returns ErrNotFound when the marker does not exist.
func (r *Registry) ReadMarker() (string, error) {
	data, err := r.sys.ReadFile(r.MarkerPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", r.MarkerPath(), err)
	}
	normalized, err := version.Normalize(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("version marker %s: %w", r.MarkerPath(), err)
	}
	return normalized, nil
}

// Wipe removes the manifest and version marker. Used by the clean
// strategy after its snapshot is taken.
func (r *Registry) Wipe() error {
	for _, path := range []string{r.Path(), r.MarkerPath()} {
		if err := r.sys.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}
