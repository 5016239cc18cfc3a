package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackctl/internal/checksum"
)

func newModuleManager(t *testing.T) (*ModuleManager, *testEnv) {
	t.Helper()
	e := newTestEnv(t)
	return NewModuleManager(e.dataDir, RealSystem{}, zerolog.Nop()), e
}

func orderIDs(order []ModuleDescriptor) []string {
	ids := make([]string, 0, len(order))
	for _, desc := range order {
		ids = append(ids, desc.ID)
	}
	return ids
}

func TestInstallOrderDependenciesFirst(t *testing.T) {
	a := ModuleDescriptor{ID: "a", Dependencies: []string{"b"}}
	b := ModuleDescriptor{ID: "b"}

	for _, input := range [][]ModuleDescriptor{{a, b}, {b, a}} {
		order, err := InstallOrder(input, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, orderIDs(order))
	}
}

func TestInstallOrderDiamondIsDeterministic(t *testing.T) {
	descs := []ModuleDescriptor{
		{ID: "d", Dependencies: []string{"b", "c"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "a"},
	}
	order, err := InstallOrder(descs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, orderIDs(order))
}

func TestInstallOrderUnsatisfiedDependency(t *testing.T) {
	descs := []ModuleDescriptor{{ID: "a", Dependencies: []string{"missing"}}}

	_, err := InstallOrder(descs, nil)
	var unsat *UnsatisfiedDependencyError
	require.ErrorAs(t, err, &unsat)
	assert.Equal(t, "a", unsat.Module)
	assert.Equal(t, "missing", unsat.Dependency)

	// The same dependency satisfied by an installed module is fine.
	order, err := InstallOrder(descs, map[string]bool{"missing": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, orderIDs(order))
}

func TestInstallOrderRejectsDuplicates(t *testing.T) {
	_, err := InstallOrder([]ModuleDescriptor{{ID: "a"}, {ID: "a"}}, nil)
	assert.ErrorContains(t, err, "more than once")
}

func TestInstallOrderReportsCycleMembers(t *testing.T) {
	descs := []ModuleDescriptor{
		{ID: "standalone"},
		{ID: "x", Dependencies: []string{"z"}},
		{ID: "y", Dependencies: []string{"x"}},
		{ID: "z", Dependencies: []string{"y"}},
	}
	_, err := InstallOrder(descs, nil)
	var cycle *DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"x", "y", "z"}, cycle.Cycle)
}

func TestModuleInstallAndVerify(t *testing.T) {
	mm, e := newModuleManager(t)
	desc := e.descriptor(t, "core", "1.2.0", "core bytes")

	record, err := mm.Install(desc)
	require.NoError(t, err)
	assert.True(t, record.Installed)
	assert.Equal(t, desc.Checksum, record.Checksum)
	assert.Equal(t, "core bytes", e.storedPayload(t, "core"))
	assert.True(t, mm.Verify("core", record))
}

func TestModuleInstallChecksumMismatchDiscardsPayload(t *testing.T) {
	mm, e := newModuleManager(t)
	desc := e.descriptor(t, "core", "1.2.0", "core bytes")
	desc.Checksum = "sha256:" + strings.Repeat("ef", 32)

	record, err := mm.Install(desc)
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "core", mismatch.Module)
	assert.False(t, record.Installed)

	_, statErr := os.Stat(filepath.Join(e.dataDir, ModuleStoreDirName, "core"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestModuleInstallRejectsTraversalID(t *testing.T) {
	mm, e := newModuleManager(t)

	for _, id := range []string{"../escape", "nested/module", `win\module`, "..", "."} {
		desc := e.descriptor(t, "core", "1.2.0", "core bytes")
		desc.ID = id
		record, err := mm.Install(desc)
		assert.ErrorContains(t, err, "invalid module id", "id %q", id)
		assert.False(t, record.Installed)
	}

	// Rejection happens before any write: the store was never created and
	// nothing landed beside the data dir.
	_, statErr := os.Stat(filepath.Join(e.dataDir, ModuleStoreDirName))
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(filepath.Join(filepath.Dir(e.dataDir), "escape"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestModuleInstallPayloadMissing(t *testing.T) {
	mm, e := newModuleManager(t)
	desc := ModuleDescriptor{
		ID:          "core",
		Version:     "1.2.0",
		Checksum:    "sha256:" + strings.Repeat("00", 32),
		PayloadPath: filepath.Join(e.srcDir, "nope.pkg"),
	}

	record, err := mm.Install(desc)
	var missing *PayloadMissingError
	require.ErrorAs(t, err, &missing)
	assert.False(t, record.Installed)
}

func TestModuleVerifyDetectsTampering(t *testing.T) {
	mm, e := newModuleManager(t)
	desc := e.descriptor(t, "core", "1.2.0", "core bytes")
	record, err := mm.Install(desc)
	require.NoError(t, err)

	stored := filepath.Join(e.dataDir, ModuleStoreDirName, "core", "payload.pkg")
	require.NoError(t, os.WriteFile(stored, []byte("tampered"), 0o644))
	assert.False(t, mm.Verify("core", record))
}

func TestModuleRemove(t *testing.T) {
	mm, e := newModuleManager(t)
	_, err := mm.Install(e.descriptor(t, "core", "1.2.0", "core bytes"))
	require.NoError(t, err)
	_, err = mm.Install(e.descriptor(t, "renderer", "1.2.0", "renderer bytes"))
	require.NoError(t, err)

	require.NoError(t, mm.Remove("core"))
	_, statErr := os.Stat(filepath.Join(e.dataDir, ModuleStoreDirName, "core"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, "renderer bytes", e.storedPayload(t, "renderer"))

	require.NoError(t, mm.RemoveAll())
	_, statErr = os.Stat(filepath.Join(e.dataDir, ModuleStoreDirName))
	assert.True(t, os.IsNotExist(statErr))
}

func TestModulePayloadRelPath(t *testing.T) {
	assert.Equal(t, "modules/core/payload.pkg", ModulePayloadRelPath("core"))
}

func TestStoredChecksumMatchesSource(t *testing.T) {
	mm, e := newModuleManager(t)
	desc := e.descriptor(t, "core", "1.2.0", "core bytes")
	_, err := mm.Install(desc)
	require.NoError(t, err)

	stored := filepath.Join(e.dataDir, ModuleStoreDirName, "core", "payload.pkg")
	digest, err := checksum.Compute(stored)
	require.NoError(t, err)
	assert.Equal(t, desc.Checksum, digest.String())
}
