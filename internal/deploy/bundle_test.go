package deploy

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bundleTOML(extra string) []byte {
	digest := "sha256:" + strings.Repeat("ab", 32)
	return []byte(fmt.Sprintf(`
app_version = "1.2.0"

[[module]]
id = "core"
version = "1.2.0"
checksum = %q
dependencies = []
payload = "payloads/core.pkg"

[[module]]
id = "renderer"
version = "1.2.0"
checksum = %q
dependencies = ["core"]
payload = "payloads/renderer.pkg"
%s`, digest, digest, extra))
}

func TestLoadBundle(t *testing.T) {
	baseDir := filepath.Join("/tmp", "release")
	bundle, err := LoadBundle(bundleTOML(""), "bundle.toml", baseDir)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", bundle.AppVersion)
	require.Len(t, bundle.Modules, 2)
	assert.Equal(t, filepath.Join(baseDir, "payloads", "core.pkg"), bundle.Modules[0].Payload)
}

func TestLoadBundleRejectsUnknownKeys(t *testing.T) {
	data := bundleTOML("")
	data = append([]byte("surprise = true\n"), data...)

	_, err := LoadBundle(data, "bundle.toml", ".")
	assert.ErrorContains(t, err, "invalid bundle")
}

func TestLoadBundleValidation(t *testing.T) {
	digest := "sha256:" + strings.Repeat("ab", 32)
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "no modules",
			data:    `app_version = "1.2.0"` + "\n",
			wantErr: "lists no modules",
		},
		{
			name: "bad app version",
			data: "app_version = \"nope\"\n[[module]]\nid = \"a\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"a.pkg\"\n",
			wantErr: "app_version",
		},
		{
			name: "missing id",
			data: "app_version = \"1.2.0\"\n[[module]]\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"a.pkg\"\n",
			wantErr: "has no id",
		},
		{
			name: "traversal id",
			data: "app_version = \"1.2.0\"\n[[module]]\nid = \"../../escape\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"a.pkg\"\n",
			wantErr: "invalid module id",
		},
		{
			name: "separator in id",
			data: "app_version = \"1.2.0\"\n[[module]]\nid = \"nested/module\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"a.pkg\"\n",
			wantErr: "invalid module id",
		},
		{
			name: "duplicate id",
			data: "app_version = \"1.2.0\"\n" +
				"[[module]]\nid = \"a\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"a.pkg\"\n" +
				"[[module]]\nid = \"a\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\npayload = \"b.pkg\"\n",
			wantErr: "duplicate module id",
		},
		{
			name: "bad checksum",
			data: "app_version = \"1.2.0\"\n[[module]]\nid = \"a\"\nversion = \"1.0.0\"\nchecksum = \"md5:zz\"\npayload = \"a.pkg\"\n",
			wantErr: "module a",
		},
		{
			name: "missing payload",
			data: "app_version = \"1.2.0\"\n[[module]]\nid = \"a\"\nversion = \"1.0.0\"\nchecksum = \"" + digest + "\"\n",
			wantErr: "has no payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBundle([]byte(tt.data), "bundle.toml", ".")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBundleDescriptorsAll(t *testing.T) {
	bundle, err := LoadBundle(bundleTOML(""), "bundle.toml", ".")
	require.NoError(t, err)

	descs, err := bundle.Descriptors(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "renderer"}, orderIDs(descs))
}

func TestBundleDescriptorsPullDependenciesTransitively(t *testing.T) {
	bundle, err := LoadBundle(bundleTOML(""), "bundle.toml", ".")
	require.NoError(t, err)

	descs, err := bundle.Descriptors([]string{"renderer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"core", "renderer"}, orderIDs(descs))

	_, err = bundle.Descriptors([]string{"unknown"})
	assert.ErrorContains(t, err, "not in the bundle")
}
