package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/quayside/stackctl/internal/manifest"
	"github.com/quayside/stackctl/internal/migrate"
)

// BuiltinMigrations returns the schema migrations shipped with this
// release. Each migrates the deployment's persistent layout up to its
// schema version and is safe to re-run only when no record exists for it:
// every body first re-detects whether the legacy layout is still present.
func BuiltinMigrations() []migrate.Migration {
	return []migrate.Migration{
		{
			SchemaVersion: 3,
			Name:          "rename legacy version marker",
			Apply:         migrateLegacyMarker,
		},
		{
			SchemaVersion: 4,
			Name:          "move flat module payloads into per-module directories",
			Apply:         migrateFlatPayloads,
		},
		{
			SchemaVersion: 5,
			Name:          "rename legacy backup directory",
			Apply:         migrateLegacyBackupDir,
		},
	}
}

// Schema 2 deployments kept the marker under version.txt.
func migrateLegacyMarker(_ context.Context, dataDir string) error {
	legacy := filepath.Join(dataDir, "version.txt")
	if _, err := os.Stat(legacy); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", legacy, err)
	}
	current := filepath.Join(dataDir, manifest.MarkerFileName)
	if _, err := os.Stat(current); err == nil {
		// Both exist: the new marker wins, drop the stale one.
		return os.Remove(legacy)
	}
	return os.Rename(legacy, current)
}

// Schema 3 deployments stored payloads flat as modules/<id>.pkg.
func migrateFlatPayloads(_ context.Context, dataDir string) error {
	storeDir := filepath.Join(dataDir, ModuleStoreDirName)
	entries, err := os.ReadDir(storeDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", storeDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pkg") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".pkg")
		dst := filepath.Join(dataDir, filepath.FromSlash(ModulePayloadRelPath(id)))
		if _, err := os.Stat(dst); err == nil {
			// The nested payload already exists (installed by this run or
			// a prior partial migration); the flat file is stale and must
			// not replace it.
			if err := os.Remove(filepath.Join(storeDir, entry.Name())); err != nil {
				return fmt.Errorf("remove stale payload for module %s: %w", id, err)
			}
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", dst, err)
		}
		if err := os.Rename(filepath.Join(storeDir, entry.Name()), dst); err != nil {
			return fmt.Errorf("move payload for module %s: %w", id, err)
		}
	}
	return nil
}

// Schema 4 deployments used a singular "backup" directory.
func migrateLegacyBackupDir(_ context.Context, dataDir string) error {
	legacy := filepath.Join(dataDir, "backup")
	if _, err := os.Stat(legacy); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", legacy, err)
	}
	current := filepath.Join(dataDir, "backups")
	if _, err := os.Stat(current); err == nil {
		// New directory already exists; leave the legacy one for the
		// operator rather than merging blindly.
		return nil
	}
	return os.Rename(legacy, current)
}
