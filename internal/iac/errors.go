package iac

import (
	"errors"
	"fmt"
	"strings"
)

// Step sentinels. A [*StepError] matches the sentinel of its step with
// errors.Is.
var (
	ErrInitFailed    = errors.New("terraform init failed")
	ErrPlanFailed    = errors.New("terraform plan failed")
	ErrApplyFailed   = errors.New("terraform apply failed")
	ErrDestroyFailed = errors.New("terraform destroy failed")
)

// ErrInvalidTransition is returned when a step is called out of order.
var ErrInvalidTransition = errors.New("invalid terraform state transition")

// Step names one Terraform lifecycle command.
type Step string

const (
	StepInit    Step = "init"
	StepPlan    Step = "plan"
	StepApply   Step = "apply"
	StepDestroy Step = "destroy"
)

func (s Step) sentinel() error {
	switch s {
	case StepInit:
		return ErrInitFailed
	case StepPlan:
		return ErrPlanFailed
	case StepApply:
		return ErrApplyFailed
	case StepDestroy:
		return ErrDestroyFailed
	}
	return nil
}

// StepError reports a Terraform command that exited non-zero or could not
// run to completion. Stderr is the tool's output, kept verbatim.
type StepError struct {
	Step     Step
	ExitCode int
	Stderr   string

	// Err is set when the command did not complete, e.g. on timeout.
	Err error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terraform %s failed: %v", e.Step, e.Err)
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no error output"
	}
	return fmt.Sprintf("terraform %s failed with exit code %d: %s", e.Step, e.ExitCode, msg)
}

func (e *StepError) Is(target error) bool {
	return target != nil && target == e.Step.sentinel()
}

func (e *StepError) Unwrap() error { return e.Err }
