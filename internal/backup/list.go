package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// List returns metadata for all published snapshots, newest first.
// Unreadable or incomplete snapshot directories are skipped so one bad
// snapshot cannot block the listing.
func (m *Manager) List() ([]Metadata, error) {
	dirs, err := m.publishedSnapshotDirs()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(dirs))
	for i := len(dirs) - 1; i >= 0; i-- {
		meta, err := readMetadata(m.sys, dirs[i])
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}

// Lookup resolves a snapshot id to a handle. The id must be a bare
// directory name; path separators are rejected.
func (m *Manager) Lookup(id string) (Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Handle{}, fmt.Errorf("snapshot id is required")
	}
	if filepath.Base(id) != id {
		return Handle{}, fmt.Errorf("invalid snapshot id %q: must not contain path separators", id)
	}
	dir := filepath.Join(m.backupDir, id)
	if _, err := m.sys.Stat(filepath.Join(dir, CompleteMarker)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handle{}, fmt.Errorf("snapshot %s not found under %s", id, m.backupDir)
		}
		return Handle{}, fmt.Errorf("stat snapshot %s: %w", id, err)
	}
	return Handle{ID: id, Dir: dir}, nil
}

// Latest returns the newest published snapshot, or false when none exist.
func (m *Manager) Latest() (Metadata, bool, error) {
	all, err := m.List()
	if err != nil {
		return Metadata{}, false, err
	}
	if len(all) == 0 {
		return Metadata{}, false, nil
	}
	return all[0], true, nil
}

// Prune removes published snapshots beyond the retention count, oldest
// first, and returns how many were removed.
func (m *Manager) Prune() (int, error) {
	dirs, err := m.publishedSnapshotDirs()
	if err != nil {
		return 0, err
	}
	if len(dirs) <= m.retain {
		return 0, nil
	}
	removed := 0
	for _, dir := range dirs[:len(dirs)-m.retain] {
		if err := m.sys.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("delete old snapshot %s: %w", dir, err)
		}
		removed++
	}
	return removed, nil
}

// CleanOrphans removes staging directories and published-looking
// directories that lack the COMPLETE marker. A missing marker means the
// snapshot never finished and must not be trusted for restore.
func (m *Manager) CleanOrphans() error {
	entries, err := m.sys.ReadDir(m.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", m.backupDir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.backupDir, entry.Name())
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			if err := m.sys.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove staging snapshot %s: %w", dir, err)
			}
			m.log.Debug().Str("dir", dir).Msg("removed orphaned staging snapshot")
			continue
		}
		if _, err := m.sys.Stat(filepath.Join(dir, CompleteMarker)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", dir, err)
			}
			if err := m.sys.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove incomplete snapshot %s: %w", dir, err)
			}
			m.log.Debug().Str("dir", dir).Msg("removed incomplete snapshot")
		}
	}
	return nil
}

func (m *Manager) publishedSnapshotDirs() ([]string, error) {
	entries, err := m.sys.ReadDir(m.backupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", m.backupDir, err)
	}
	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}
		dir := filepath.Join(m.backupDir, entry.Name())
		if _, err := m.sys.Stat(filepath.Join(dir, CompleteMarker)); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}
	// Snapshot ids sort chronologically by construction.
	sort.Strings(dirs)
	return dirs, nil
}
