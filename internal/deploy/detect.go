package deploy

import (
	"errors"
	"fmt"

	"github.com/quayside/stackctl/internal/manifest"
)

// StateKind classifies the current deployment.
type StateKind string

// Deployment state kinds.
const (
	// StateAbsent means no prior install exists.
	StateAbsent StateKind = "absent"
	// StatePresent means a consistent install was found.
	StatePresent StateKind = "present"
	// StateCorrupt means install artifacts exist but cannot be trusted.
	StateCorrupt StateKind = "corrupt"
)

// DeploymentState is the detector's classification of the deployment.
// Manifest and OnDiskVersion are set only for StatePresent; Reason is set
// only for StateCorrupt.
type DeploymentState struct {
	Kind          StateKind
	Manifest      *manifest.Manifest
	OnDiskVersion string
	Reason        string
}

// Detector classifies the deployment by reading the registry and the
// standalone version marker. It has no side effects.
type Detector struct {
	reg *manifest.Registry
}

// NewDetector returns a Detector over the given registry.
func NewDetector(reg *manifest.Registry) *Detector {
	return &Detector{reg: reg}
}

// Detect reads the manifest and version marker and classifies the
// deployment. A marker/manifest disagreement is Corrupt: it is the cheap
// defense against manual tampering with either file. Unexpected read
// failures return a DetectionError rather than a state.
func (d *Detector) Detect() (DeploymentState, error) {
	m, loadErr := d.reg.Load()
	markerVersion, markerErr := d.reg.ReadMarker()

	switch {
	case loadErr == nil:
		// Manifest present and internally consistent; cross-check marker.
		if errors.Is(markerErr, manifest.ErrNotFound) {
			return DeploymentState{Kind: StateCorrupt, Reason: "manifest present but version marker missing"}, nil
		}
		if markerErr != nil {
			return DeploymentState{Kind: StateCorrupt, Reason: fmt.Sprintf("version marker unreadable: %v", markerErr)}, nil
		}
		if markerVersion != m.AppVersion {
			return DeploymentState{
				Kind:   StateCorrupt,
				Reason: fmt.Sprintf("version marker %s disagrees with manifest appVersion %s", markerVersion, m.AppVersion),
			}, nil
		}
		return DeploymentState{Kind: StatePresent, Manifest: m, OnDiskVersion: m.AppVersion}, nil

	case errors.Is(loadErr, manifest.ErrNotFound):
		if markerErr == nil {
			// Marker without a manifest is tampering or a torn install.
			return DeploymentState{Kind: StateCorrupt, Reason: "version marker present but manifest missing"}, nil
		}
		return DeploymentState{Kind: StateAbsent}, nil

	default:
		var corrupt *manifest.CorruptError
		if errors.As(loadErr, &corrupt) {
			return DeploymentState{Kind: StateCorrupt, Reason: corrupt.Error()}, nil
		}
		return DeploymentState{}, &DetectionError{Err: loadErr}
	}
}
