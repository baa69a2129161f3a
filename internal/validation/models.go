// Package validation runs the containerized end-to-end validator against a
// published image and keeps the report it produces.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cochaviz/imagecheck/arch"
)

type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeSkip Outcome = "SKIP"
	OutcomeFail Outcome = "FAIL"
)

// Validator exit statuses with a dedicated meaning.
const (
	ExitPass          = 0
	ExitNoTests       = 5
	ExitDeployFailure = 100
)

// Success reports whether the outcome lets the overall run succeed.
func (o Outcome) Success() bool {
	return o == OutcomePass || o == OutcomeSkip
}

// OutcomeForExitCode maps every validator exit status to an outcome and a
// short reason.
func OutcomeForExitCode(code int) (Outcome, string) {
	switch code {
	case ExitPass:
		return OutcomePass, "all tests passed"
	case ExitNoTests:
		return OutcomeSkip, "no tests matched"
	case ExitDeployFailure:
		return OutcomeFail, "instance deploy or destroy failed"
	default:
		return OutcomeFail, fmt.Sprintf("validator exited with status %d", code)
	}
}

// ValidationResult is the outcome of one validator run.
type ValidationResult struct {
	ExitCode int     `json:"exit_code"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
	// ReportPath points at the HTML report, empty when none was written.
	ReportPath string `json:"report_path,omitempty"`
	// WorkDir is the scratch directory mounted into the container. It holds
	// the report until the caller has stored it and then removes it.
	WorkDir string `json:"work_dir,omitempty"`
}

// Instance is one virtual machine the validator deploys.
type Instance struct {
	AMI              string   `json:"ami"`
	Region           string   `json:"region"`
	InstanceType     string   `json:"instance_type"`
	Username         string   `json:"username"`
	Name             string   `json:"name"`
	SubnetID         string   `json:"subnet_id,omitempty"`
	SecurityGroupIDs []string `json:"security_group_ids,omitempty"`
}

// InstanceSpec is the resources document handed to the validator.
type InstanceSpec struct {
	Provider  string     `json:"provider"`
	Instances []Instance `json:"instances"`
}

const (
	DefaultProvider = "aws"
	DefaultUsername = "ec2-user"
)

// NewInstanceSpec describes a single instance of the given architecture.
func NewInstanceSpec(region string, a arch.Architecture, name string) InstanceSpec {
	return InstanceSpec{
		Provider: DefaultProvider,
		Instances: []Instance{{
			Region:       region,
			InstanceType: a.InstanceType(),
			Username:     DefaultUsername,
			Name:         name,
		}},
	}
}

// ForImage returns a copy with every instance booting imageRef.
func (s InstanceSpec) ForImage(imageRef string) InstanceSpec {
	out := InstanceSpec{Provider: s.Provider, Instances: make([]Instance, len(s.Instances))}
	if out.Provider == "" {
		out.Provider = DefaultProvider
	}
	for i, instance := range s.Instances {
		instance.AMI = imageRef
		if instance.Username == "" {
			instance.Username = DefaultUsername
		}
		out.Instances[i] = instance
	}
	return out
}

func (s InstanceSpec) Validate() error {
	if len(s.Instances) == 0 {
		return errors.New("instance spec lists no instances")
	}
	for i, instance := range s.Instances {
		var missing []string
		if instance.AMI == "" {
			missing = append(missing, "ami")
		}
		if instance.Region == "" {
			missing = append(missing, "region")
		}
		if instance.InstanceType == "" {
			missing = append(missing, "instance_type")
		}
		if len(missing) > 0 {
			return fmt.Errorf("instance %d: missing %s", i, strings.Join(missing, ", "))
		}
	}
	return nil
}

func (s InstanceSpec) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
