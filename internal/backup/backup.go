// Package backup creates and restores pre-operation snapshots of a
// deployment. A snapshot is built in a staging directory, every copied
// file is re-verified against its source checksum, and the directory is
// published under its final name with a single rename — a snapshot is
// never observable half-written. The COMPLETE marker inside the snapshot
// is the publish signal; a directory without it is ignored and removed by
// the next garbage-collection pass.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quayside/stackctl/internal/checksum"
)

const (
	// CompleteMarker is written last into the staging directory; its
	// presence under the published name marks the snapshot as complete.
	CompleteMarker = "SNAPSHOT_COMPLETE"
	// metadataFileName holds the snapshot's entry list and status.
	metadataFileName = "snapshot.json"
	// stagingPrefix names in-progress snapshot directories.
	stagingPrefix = ".staging-"

	metadataSchemaVersion = 1
)

// DefaultRetain is the default number of published snapshots kept.
const DefaultRetain = 10

// Status tracks a snapshot through its lifecycle.
type Status string

// Snapshot statuses.
const (
	StatusCreated            Status = "created"
	StatusApplied            Status = "applied"
	StatusAutoRolledBack     Status = "auto_rolled_back"
	StatusManuallyRolledBack Status = "manually_rolled_back"
	StatusRollbackFailed     Status = "rollback_failed"
)

// EntryKind distinguishes protected paths that existed from those that
// were absent when the snapshot was taken.
type EntryKind string

// Entry kinds.
const (
	EntryFile   EntryKind = "file"
	EntryAbsent EntryKind = "absent"
)

// Entry records one protected path. Paths are slash-separated and
// relative to the deployment data directory; the archived copy lives at
// the same relative path inside the snapshot directory.
type Entry struct {
	Path     string    `json:"path"`
	Kind     EntryKind `json:"kind"`
	Perm     uint32    `json:"perm,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
}

// Metadata is the snapshot's durable description.
type Metadata struct {
	SchemaVersion int     `json:"schema_version"`
	ID            string  `json:"id"`
	CreatedAt     string  `json:"created_at"`
	Status        Status  `json:"status"`
	FailureError  string  `json:"failure_error,omitempty"`
	Entries       []Entry `json:"entries"`
}

// Handle names a published snapshot.
type Handle struct {
	ID  string
	Dir string
}

// IncompleteError reports a snapshot that could not be fully built or
// that is missing its COMPLETE marker.
type IncompleteError struct {
	Dir string
	Err error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("snapshot %s is incomplete: %v", e.Dir, e.Err)
}

func (e *IncompleteError) Unwrap() error {
	return e.Err
}

// RestoreError reports a failed restore. After a RestoreError the
// deployment may be in an unrecoverable state; the caller decides.
type RestoreError struct {
	ID   string
	Path string
	Err  error
}

func (e *RestoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("restore snapshot %s: path %s: %v", e.ID, e.Path, e.Err)
	}
	return fmt.Sprintf("restore snapshot %s: %v", e.ID, e.Err)
}

func (e *RestoreError) Unwrap() error {
	return e.Err
}

// System abstracts the filesystem operations the backup manager needs.
// Package-local so snapshot tests can inject copy and rename faults.
type System interface {
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFileAtomic(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
	Rename(oldpath string, newpath string) error
	ReadDir(name string) ([]os.DirEntry, error)
	CopyFile(src string, dst string, perm os.FileMode) error
}

// Manager creates, restores, and garbage-collects snapshots for one
// deployment data directory.
type Manager struct {
	dataDir   string
	backupDir string
	retain    int
	sys       System
	log       zerolog.Logger
	now       func() time.Time
}

// NewManager returns a Manager. retain bounds the number of published
// snapshots kept by Prune; values below 1 fall back to DefaultRetain.
func NewManager(dataDir string, backupDir string, retain int, sys System, log zerolog.Logger) *Manager {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Manager{
		dataDir:   dataDir,
		backupDir: backupDir,
		retain:    retain,
		sys:       sys,
		log:       log,
		now:       time.Now,
	}
}

func newSnapshotID(now time.Time) string {
	return fmt.Sprintf("%s-%d", now.UTC().Format("20060102-150405"), now.UTC().UnixNano())
}

// Snapshot archives the given protected paths (slash-separated, relative
// to the data dir) into a new snapshot and publishes it atomically. Paths
// that do not exist are recorded as absent so restore can remove files an
// aborted operation created. An empty protected set still produces a
// valid (empty) snapshot, keeping the commit/rollback path uniform for
// fresh installs.
func (m *Manager) Snapshot(protected []string) (Handle, error) {
	now := m.now()
	id := newSnapshotID(now)
	staging := filepath.Join(m.backupDir, stagingPrefix+id)
	finalDir := filepath.Join(m.backupDir, id)

	if err := m.sys.MkdirAll(staging, 0o755); err != nil {
		return Handle{}, &IncompleteError{Dir: staging, Err: err}
	}
	cleanup := func() {
		_ = m.sys.RemoveAll(staging)
	}

	entries := make([]Entry, 0, len(protected))
	for _, rel := range normalizeRelPaths(protected) {
		entry, err := m.archiveProtectedPath(rel, staging)
		if err != nil {
			cleanup()
			return Handle{}, &IncompleteError{Dir: staging, Err: err}
		}
		entries = append(entries, entry)
	}

	meta := Metadata{
		SchemaVersion: metadataSchemaVersion,
		ID:            id,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		Status:        StatusCreated,
		Entries:       entries,
	}
	if err := writeMetadata(m.sys, staging, meta); err != nil {
		cleanup()
		return Handle{}, &IncompleteError{Dir: staging, Err: err}
	}
	// The marker is written last: everything below it is known complete.
	if err := m.sys.WriteFileAtomic(filepath.Join(staging, CompleteMarker), nil, 0o644); err != nil {
		cleanup()
		return Handle{}, &IncompleteError{Dir: staging, Err: err}
	}
	if err := m.sys.Rename(staging, finalDir); err != nil {
		cleanup()
		return Handle{}, &IncompleteError{Dir: staging, Err: err}
	}
	m.log.Info().Str("snapshot", id).Int("entries", len(entries)).Msg("snapshot published")
	return Handle{ID: id, Dir: finalDir}, nil
}

func (m *Manager) archiveProtectedPath(rel string, staging string) (Entry, error) {
	src := filepath.Join(m.dataDir, filepath.FromSlash(rel))
	info, err := m.sys.Stat(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{Path: rel, Kind: EntryAbsent}, nil
		}
		return Entry{}, fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.Mode().IsRegular() {
		return Entry{}, fmt.Errorf("unsupported file type for protected path %s", rel)
	}
	srcDigest, err := checksum.Compute(src)
	if err != nil {
		return Entry{}, err
	}
	dst := filepath.Join(staging, filepath.FromSlash(rel))
	if err := m.sys.CopyFile(src, dst, info.Mode().Perm()); err != nil {
		return Entry{}, err
	}
	// Verify the archived copy before the snapshot can publish.
	if !checksum.Verify(dst, srcDigest) {
		return Entry{}, fmt.Errorf("archived copy of %s does not match source checksum %s", rel, srcDigest)
	}
	return Entry{
		Path:     rel,
		Kind:     EntryFile,
		Perm:     uint32(info.Mode().Perm()),
		Checksum: srcDigest.String(),
	}, nil
}

// Restore overwrites the deployment's protected paths with the snapshot's
// contents and re-verifies every restored file's checksum. Absent entries
// are removed. The snapshot status is updated to the given terminal
// status on success.
func (m *Manager) Restore(h Handle, status Status) error {
	meta, err := m.readPublishedMetadata(h)
	if err != nil {
		return err
	}
	for _, entry := range meta.Entries {
		if err := m.restoreEntry(h, entry); err != nil {
			restoreErr := &RestoreError{ID: h.ID, Path: entry.Path, Err: err}
			m.markStatus(h, meta, StatusRollbackFailed, restoreErr.Error())
			return restoreErr
		}
	}
	m.markStatus(h, meta, status, "")
	m.log.Info().Str("snapshot", h.ID).Msg("snapshot restored")
	return nil
}

func (m *Manager) restoreEntry(h Handle, entry Entry) error {
	target := filepath.Join(m.dataDir, filepath.FromSlash(entry.Path))
	switch entry.Kind {
	case EntryAbsent:
		if err := m.sys.RemoveAll(target); err != nil {
			return err
		}
		return nil
	case EntryFile:
		archived := filepath.Join(h.Dir, filepath.FromSlash(entry.Path))
		expected, err := checksum.Parse(entry.Checksum)
		if err != nil {
			return err
		}
		if !checksum.Verify(archived, expected) {
			return fmt.Errorf("archived file does not match recorded checksum %s", entry.Checksum)
		}
		perm := os.FileMode(entry.Perm)
		if perm == 0 {
			perm = 0o644
		}
		if err := m.sys.CopyFile(archived, target, perm); err != nil {
			return err
		}
		if !checksum.Verify(target, expected) {
			return fmt.Errorf("restored file does not match recorded checksum %s", entry.Checksum)
		}
		return nil
	default:
		return fmt.Errorf("invalid snapshot entry kind %q", entry.Kind)
	}
}

// MarkApplied records that the operation the snapshot protects has
// committed, making the snapshot eligible for manual rollback.
func (m *Manager) MarkApplied(h Handle) {
	meta, err := m.readPublishedMetadata(h)
	if err != nil {
		m.log.Warn().Str("snapshot", h.ID).Err(err).Msg("mark snapshot applied failed")
		return
	}
	m.markStatus(h, meta, StatusApplied, "")
}

func (m *Manager) markStatus(h Handle, meta Metadata, status Status, failure string) {
	meta.Status = status
	meta.FailureError = failure
	if err := writeMetadata(m.sys, h.Dir, meta); err != nil {
		m.log.Warn().Str("snapshot", h.ID).Err(err).Msg("update snapshot status failed")
	}
}

func (m *Manager) readPublishedMetadata(h Handle) (Metadata, error) {
	if _, err := m.sys.Stat(filepath.Join(h.Dir, CompleteMarker)); err != nil {
		return Metadata{}, &IncompleteError{Dir: h.Dir, Err: fmt.Errorf("missing %s marker: %w", CompleteMarker, err)}
	}
	return readMetadata(m.sys, h.Dir)
}

func writeMetadata(sys System, dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot metadata: %w", err)
	}
	data = append(data, '\n')
	if err := sys.WriteFileAtomic(filepath.Join(dir, metadataFileName), data, 0o644); err != nil {
		return err
	}
	return nil
}

func readMetadata(sys System, dir string) (Metadata, error) {
	path := filepath.Join(dir, metadataFileName)
	data, err := sys.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if meta.SchemaVersion != metadataSchemaVersion {
		return Metadata{}, fmt.Errorf("unsupported snapshot metadata schema %d", meta.SchemaVersion)
	}
	if strings.TrimSpace(meta.ID) == "" {
		return Metadata{}, fmt.Errorf("snapshot metadata in %s has no id", dir)
	}
	return meta, nil
}

func normalizeRelPaths(paths []string) []string {
	dedup := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
		if clean == "." || clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
			continue
		}
		dedup[clean] = struct{}{}
	}
	out := make([]string, 0, len(dedup))
	for p := range dedup {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
