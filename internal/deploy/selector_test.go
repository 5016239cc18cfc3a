package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackctl/internal/manifest"
)

func presentState(onDisk string, moduleCount int) DeploymentState {
	m := manifest.New(onDisk, manifest.ModeFull)
	for i := 0; i < moduleCount; i++ {
		id := string(rune('a' + i))
		m.Modules[id] = manifest.ModuleRecord{Version: onDisk, Checksum: "sha256:00", Installed: true}
	}
	return DeploymentState{Kind: StatePresent, Manifest: m, OnDiskVersion: onDisk}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name   string
		state  DeploymentState
		target string
		want   Strategy
	}{
		{name: "absent gets full", state: DeploymentState{Kind: StateAbsent}, target: "1.2.0", want: StrategyFull},
		{name: "corrupt gets clean", state: DeploymentState{Kind: StateCorrupt, Reason: "tampered"}, target: "1.2.0", want: StrategyClean},
		{name: "present without manifest gets clean", state: DeploymentState{Kind: StatePresent}, target: "1.2.0", want: StrategyClean},
		{name: "present with no modules gets clean", state: presentState("1.2.0", 0), target: "1.2.0", want: StrategyClean},
		{name: "same version gets patch", state: presentState("1.2.0", 2), target: "1.2.0", want: StrategyPatch},
		{name: "same major upgrade gets patch", state: presentState("1.2.0", 2), target: "1.3.0", want: StrategyPatch},
		{name: "same major downgrade gets reinstall", state: presentState("1.3.0", 2), target: "1.2.0", want: StrategyReinstall},
		{name: "major upgrade gets reinstall", state: presentState("1.9.9", 2), target: "2.0.0", want: StrategyReinstall},
		{name: "major downgrade gets reinstall", state: presentState("2.0.0", 2), target: "1.9.9", want: StrategyReinstall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectStrategy(tt.state, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectStrategyErrors(t *testing.T) {
	_, err := SelectStrategy(presentState("1.2.0", 1), "bogus")
	assert.Error(t, err)

	_, err = SelectStrategy(DeploymentState{Kind: StateKind("weird")}, "1.2.0")
	assert.Error(t, err)
}
