package deploy

import (
	"fmt"

	"github.com/quayside/stackctl/internal/version"
)

// Strategy is the closed set of install strategies. The zero value is
// invalid so an unset strategy cannot slip through a switch.
type Strategy string

// Strategies.
const (
	// StrategyFull installs every requested module into an empty deployment.
	StrategyFull Strategy = "full"
	// StrategyPatch replaces changed modules in place and adds new ones.
	StrategyPatch Strategy = "patch"
	// StrategyReinstall removes all installed modules, then installs fresh.
	StrategyReinstall Strategy = "reinstall"
	// StrategyClean wipes the deployment, then performs a full install.
	StrategyClean Strategy = "clean"
)

// SelectStrategy is the pure decision function from detected state and
// requested target version to a strategy. Ambiguous states prefer the
// safer, more destructive option: a needless clean install is recoverable,
// silently patching an inconsistent deployment is not.
func SelectStrategy(state DeploymentState, targetVersion string) (Strategy, error) {
	switch state.Kind {
	case StateAbsent:
		return StrategyFull, nil
	case StateCorrupt:
		return StrategyClean, nil
	case StatePresent:
		if state.Manifest == nil {
			return StrategyClean, nil
		}
		if len(state.Manifest.Modules) == 0 {
			// A present manifest with no modules is not a state any
			// strategy writes; treat it like corruption.
			return StrategyClean, nil
		}
		sameMajor, err := version.SameMajor(state.OnDiskVersion, targetVersion)
		if err != nil {
			return "", err
		}
		if !sameMajor {
			return StrategyReinstall, nil
		}
		cmp, err := version.Compare(targetVersion, state.OnDiskVersion)
		if err != nil {
			return "", err
		}
		switch {
		case cmp == 0:
			return StrategyPatch, nil
		case cmp > 0:
			return StrategyPatch, nil
		default:
			// Same-major downgrade: patching backwards is unsupported,
			// reinstall at the requested version instead.
			return StrategyReinstall, nil
		}
	default:
		return "", fmt.Errorf("unknown deployment state %q", state.Kind)
	}
}
