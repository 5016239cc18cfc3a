package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackctl/internal/checksum"
	"github.com/quayside/stackctl/internal/lockfile"
)

// writeBundle lays out a release bundle with real payload checksums and
// returns the bundle file path.
func writeBundle(t *testing.T, dir string, appVersion string) string {
	t.Helper()
	payloads := filepath.Join(dir, "payloads")
	require.NoError(t, os.MkdirAll(payloads, 0o755))

	digestFor := func(name string, content string) checksum.Digest {
		path := filepath.Join(payloads, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		digest, err := checksum.Compute(path)
		require.NoError(t, err)
		return digest
	}
	coreDigest := digestFor("core.pkg", "core "+appVersion)
	rendererDigest := digestFor("renderer.pkg", "renderer "+appVersion)

	body := fmt.Sprintf(`app_version = %q

[[module]]
id = "core"
version = %q
checksum = %q
dependencies = []
payload = "payloads/core.pkg"

[[module]]
id = "renderer"
version = %q
checksum = %q
dependencies = ["core"]
payload = "payloads/renderer.pkg"
`, appVersion, appVersion, coreDigest, appVersion, rendererDigest)

	bundlePath := filepath.Join(dir, "bundle.toml")
	require.NoError(t, os.WriteFile(bundlePath, []byte(body), 0o644))
	return bundlePath
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := -1
	runMain(append([]string{"stackctl"}, args...), &stdout, &stderr, func(c int) {
		if code == -1 {
			code = c
		}
	})
	return code, stdout.String(), stderr.String()
}

func TestInstallCommandCommits(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")

	code, stdout, _ := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "Installed 1.2.0")

	_, err := os.Stat(filepath.Join(dataDir, "manifest.json"))
	assert.NoError(t, err)
}

func TestInstallCommandRolledBackExitCode(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	// Corrupt a payload after the bundle recorded its checksum.
	require.NoError(t, os.WriteFile(filepath.Join(root, "release", "payloads", "core.pkg"), []byte("tampered"), 0o644))
	dataDir := filepath.Join(root, "data")

	code, _, stderr := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	assert.Equal(t, exitRolledBack, code)
	assert.Contains(t, stderr, "Update failed")

	_, err := os.Stat(filepath.Join(dataDir, "manifest.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstallCommandLockContention(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	held, err := lockfile.Acquire(dataDir)
	require.NoError(t, err)
	defer func() {
		_ = held.Release()
	}()

	code, _, stderr := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	assert.Equal(t, exitInstallInProgress, code)
	assert.Contains(t, stderr, "already running")
}

func TestVerifyCommandAbsentDeployment(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")

	code, stdout, _ := runCLI(t, "verify", "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "No deployment found")
}

func TestVerifyCommandInconsistentDeployment(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")

	code, _, _ := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "modules", "core", "payload.pkg"), []byte("bitrot"), 0o644))

	code, stdout, _ := runCLI(t, "verify", "--data-dir", dataDir)
	assert.Equal(t, exitRolledBack, code)
	assert.Contains(t, stdout, "inconsistent")
	assert.Contains(t, stdout, "core")
}

func TestPlanCommandWritesNothing(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")

	code, stdout, _ := runCLI(t, "plan", "--bundle", bundle, "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "dry-run")
	assert.Contains(t, stdout, "Strategy: full")
	assert.Contains(t, stdout, "install core")

	_, err := os.Stat(dataDir)
	assert.True(t, os.IsNotExist(err))
}

func TestSnapshotsListAndPrune(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")

	code, _, _ := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)

	code, stdout, _ := runCLI(t, "snapshots", "list", "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "applied")

	code, stdout, _ = runCLI(t, "snapshots", "prune", "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "Pruned 0 snapshot(s)")
}

func TestSnapshotsMutationsLockContention(t *testing.T) {
	root := t.TempDir()
	bundle := writeBundle(t, filepath.Join(root, "release"), "1.2.0")
	dataDir := filepath.Join(root, "data")

	code, _, _ := runCLI(t, "install", "--bundle", bundle, "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)

	code, stdout, _ := runCLI(t, "snapshots", "list", "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)
	snapshotID := strings.Fields(strings.TrimSpace(stdout))[0]

	held, err := lockfile.Acquire(dataDir)
	require.NoError(t, err)
	defer func() {
		_ = held.Release()
	}()

	code, _, stderr := runCLI(t, "snapshots", "rollback", snapshotID, "--data-dir", dataDir)
	assert.Equal(t, exitInstallInProgress, code)
	assert.Contains(t, stderr, "already running")

	code, _, stderr = runCLI(t, "snapshots", "prune", "--data-dir", dataDir)
	assert.Equal(t, exitInstallInProgress, code)
	assert.Contains(t, stderr, "already running")

	// Listing is read-only and stays available while an install runs.
	code, _, _ = runCLI(t, "snapshots", "list", "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
}

func TestSnapshotsRollbackRestoresPreviousState(t *testing.T) {
	root := t.TempDir()
	release := filepath.Join(root, "release")
	dataDir := filepath.Join(root, "data")

	code, _, _ := runCLI(t, "install", "--bundle", writeBundle(t, release, "1.2.0"), "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)

	upgradeRelease := filepath.Join(root, "release-2")
	code, _, _ = runCLI(t, "install", "--bundle", writeBundle(t, upgradeRelease, "1.3.0"), "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)

	code, stdout, _ := runCLI(t, "snapshots", "list", "--data-dir", dataDir)
	require.Equal(t, exitCommitted, code)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.NotEmpty(t, lines)
	// Newest first; the newest snapshot predates the 1.3.0 install.
	newest := strings.Fields(lines[0])[0]

	code, stdout, _ = runCLI(t, "snapshots", "rollback", newest, "--data-dir", dataDir)
	assert.Equal(t, exitCommitted, code)
	assert.Contains(t, stdout, "Rolled back to snapshot")

	marker, err := os.ReadFile(filepath.Join(dataDir, "app.version"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", strings.TrimSpace(string(marker)))
}

func TestUnknownCommandFails(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	assert.Equal(t, exitRolledBack, code)
	assert.NotEmpty(t, stderr)
}
