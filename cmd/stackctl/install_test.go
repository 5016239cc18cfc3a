package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackctl/internal/deploy"
	"github.com/quayside/stackctl/internal/manifest"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		raw     string
		want    deploy.RequestMode
		wantErr bool
	}{
		{raw: "auto", want: deploy.ModeAuto},
		{raw: "", want: deploy.ModeAuto},
		{raw: "Full", want: deploy.ModeFull},
		{raw: " patch ", want: deploy.ModePatch},
		{raw: "reinstall", want: deploy.ModeReinstall},
		{raw: "clean", want: deploy.ModeClean},
		{raw: "sideways", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseMode(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadRequest(t *testing.T) {
	dir := t.TempDir()
	bundle := writeBundle(t, dir, "1.2.0")

	req, err := loadRequest(bundle, nil, "auto")
	require.NoError(t, err)
	assert.Equal(t, deploy.ModeAuto, req.Mode)
	assert.Equal(t, "1.2.0", req.TargetVersion)
	require.Len(t, req.Modules, 2)
	for _, desc := range req.Modules {
		assert.True(t, filepath.IsAbs(desc.PayloadPath), "payload path %s should be anchored", desc.PayloadPath)
	}
}

func TestLoadRequestModuleSelection(t *testing.T) {
	dir := t.TempDir()
	bundle := writeBundle(t, dir, "1.2.0")

	// Selecting renderer pulls core in through its dependency.
	req, err := loadRequest(bundle, []string{"renderer"}, "auto")
	require.NoError(t, err)
	require.Len(t, req.Modules, 2)

	_, err = loadRequest(bundle, []string{"nonexistent"}, "auto")
	assert.Error(t, err)
}

func TestLoadRequestErrors(t *testing.T) {
	dir := t.TempDir()
	bundle := writeBundle(t, dir, "1.2.0")

	_, err := loadRequest(filepath.Join(dir, "missing.toml"), nil, "auto")
	assert.ErrorContains(t, err, "read bundle")

	_, err = loadRequest(bundle, nil, "sideways")
	assert.ErrorContains(t, err, "unknown install mode")
}

func TestNeedsConfirmation(t *testing.T) {
	assert.False(t, needsConfirmation(deploy.ModeAuto))
	assert.False(t, needsConfirmation(deploy.ModeFull))
	assert.False(t, needsConfirmation(deploy.ModePatch))
	assert.True(t, needsConfirmation(deploy.ModeReinstall))
	assert.True(t, needsConfirmation(deploy.ModeClean))
}

func TestConfirmDestructiveNonInteractive(t *testing.T) {
	// Test processes have no terminal on stdin, so the prompt must refuse
	// and point at --yes.
	var out bytes.Buffer
	_, err := confirmDestructive(bytes.NewBufferString("y\n"), &out, deploy.ModeClean)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestReportOutcome(t *testing.T) {
	m := manifest.New("1.2.0", manifest.ModeFull)
	m.Modules["core"] = manifest.ModuleRecord{Version: "1.2.0", Checksum: "sha256:00", Installed: true}

	var out, errOut bytes.Buffer
	err := reportOutcome(&out, &errOut, deploy.Outcome{
		Status:   deploy.OutcomeCommitted,
		Strategy: deploy.StrategyFull,
		Manifest: m,
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Installed 1.2.0")

	out.Reset()
	errOut.Reset()
	err = reportOutcome(&out, &errOut, deploy.Outcome{
		Status:     deploy.OutcomeRolledBack,
		Err:        assert.AnError,
		SnapshotID: "20260801-120000-1",
	})
	var coded *exitCodeError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, exitRolledBack, coded.code)
	assert.Contains(t, errOut.String(), "rolled back")

	out.Reset()
	errOut.Reset()
	err = reportOutcome(&out, &errOut, deploy.Outcome{
		Status:       deploy.OutcomeUnrecoverable,
		Err:          assert.AnError,
		RestoreErr:   assert.AnError,
		SnapshotPath: "/data/backups/20260801-120000-1",
	})
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, exitUnrecoverable, coded.code)
	assert.Contains(t, errOut.String(), "Manual recovery required")
}
