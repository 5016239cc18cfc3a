package deploy

import "fmt"

// VerifyFinding is one problem discovered by VerifyDeployment.
type VerifyFinding struct {
	Module string `json:"module,omitempty"`
	Detail string `json:"detail"`
}

// VerifyReport summarizes a deployment consistency check.
type VerifyReport struct {
	State    StateKind       `json:"state"`
	Modules  int             `json:"modules"`
	Findings []VerifyFinding `json:"findings,omitempty"`
}

// OK reports whether the deployment is fully consistent.
func (r VerifyReport) OK() bool {
	return r.State == StatePresent && len(r.Findings) == 0
}

// VerifyDeployment re-checks the deployment without mutating it: the
// manifest parses and agrees with the version marker, and every module
// recorded installed has a payload whose checksum verifies.
func (o *Orchestrator) VerifyDeployment() (VerifyReport, error) {
	state, err := o.detector.Detect()
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{State: state.Kind}
	switch state.Kind {
	case StateAbsent:
		return report, nil
	case StateCorrupt:
		report.Findings = append(report.Findings, VerifyFinding{Detail: state.Reason})
		return report, nil
	case StatePresent:
		report.Modules = len(state.Manifest.Modules)
		for _, id := range state.Manifest.ModuleIDs() {
			record := state.Manifest.Modules[id]
			if !record.Installed {
				report.Findings = append(report.Findings, VerifyFinding{
					Module: id,
					Detail: "recorded but not installed",
				})
				continue
			}
			if !o.modules.Verify(id, record) {
				report.Findings = append(report.Findings, VerifyFinding{
					Module: id,
					Detail: fmt.Sprintf("payload does not match recorded checksum %s", record.Checksum),
				})
			}
		}
		return report, nil
	default:
		return VerifyReport{}, fmt.Errorf("unknown deployment state %q", state.Kind)
	}
}
