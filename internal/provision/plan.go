package provision

import (
	"fmt"

	"gridkeeper/internal/packager"
)

// PlanSpec describes a target and the artifact being installed on it
type PlanSpec struct {
	Host            Host
	RuntimePackages []string
	Runtime         string
	Service         string
	Unit            UnitSpec
	Artifact        *packager.Artifact
}

// Plan builds the fixed five-step bootstrap sequence: runtime, environment,
// dependencies, service, verify.
func Plan(spec PlanSpec) ([]Step, error) {
	reqs, ok := spec.Artifact.File(packager.RequirementsPath)
	if !ok {
		return nil, fmt.Errorf("artifact has no %s", packager.RequirementsPath)
	}
	unit, err := RenderUnit(spec.Unit)
	if err != nil {
		return nil, err
	}

	return []Step{
		&RuntimeStep{Host: spec.Host, Packages: spec.RuntimePackages},
		&EnvironmentStep{Host: spec.Host, Runtime: spec.Runtime},
		&DependenciesStep{Host: spec.Host, Requirements: reqs.Content},
		&ServiceStep{Host: spec.Host, Service: spec.Service, Unit: unit},
		&VerifyStep{Host: spec.Host, Service: spec.Service},
	}, nil
}
