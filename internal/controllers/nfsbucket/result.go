package nfsbucket

import (
	"github.com/ael-cx/nfsbucket-operator/internal/manifests"
)

// Outcome of a single provisioning or teardown step.
type Outcome string

const (
	OutcomeCreated       Outcome = "Created"
	OutcomeAlreadyExists Outcome = "AlreadyExists"
	OutcomeScaled        Outcome = "Scaled"
	OutcomeDeleted       Outcome = "Deleted"
	OutcomeNotFound      Outcome = "NotFound"
	OutcomeFailed        Outcome = "Failed"
)

const (
	StepCreate = "create"
	StepScale  = "scale"
	StepDelete = "delete"
)

// StepResult records what happened to one dependent resource. Err is the failure reason when Outcome is
// OutcomeFailed.
type StepResult struct {
	Step    string
	Kind    manifests.Kind
	Name    string
	Outcome Outcome
	Err     error
}

func (sr StepResult) Failed() bool {
	return sr.Outcome == OutcomeFailed
}

// ProvisionResult aggregates the creation steps of a provisioning pass.
type ProvisionResult struct {
	Steps []StepResult
}

// AllSucceeded is true only when every dependent kind was created or already existed.
func (pr ProvisionResult) AllSucceeded() bool {
	if len(pr.Steps) != len(manifests.Kinds) {
		return false
	}
	for _, step := range pr.Steps {
		if step.Outcome != OutcomeCreated && step.Outcome != OutcomeAlreadyExists {
			return false
		}
	}
	return true
}

// Outcome returns the outcome recorded for kind, or an empty Outcome when the kind was not attempted.
func (pr ProvisionResult) Outcome(kind manifests.Kind) Outcome {
	return outcomeOf(pr.Steps, StepCreate, kind)
}

func (pr ProvisionResult) FailedSteps() []StepResult {
	return failedSteps(pr.Steps)
}

// DeprovisionResult aggregates the scale-down and deletion steps of a teardown pass.
type DeprovisionResult struct {
	Steps []StepResult
}

func (dr DeprovisionResult) AllSucceeded() bool {
	return len(dr.Steps) > 0 && len(failedSteps(dr.Steps)) == 0
}

// Outcome returns the outcome recorded for the given step and kind.
func (dr DeprovisionResult) Outcome(step string, kind manifests.Kind) Outcome {
	return outcomeOf(dr.Steps, step, kind)
}

func (dr DeprovisionResult) FailedSteps() []StepResult {
	return failedSteps(dr.Steps)
}

func outcomeOf(steps []StepResult, step string, kind manifests.Kind) Outcome {
	for _, sr := range steps {
		if sr.Step == step && sr.Kind == kind {
			return sr.Outcome
		}
	}
	return ""
}

func failedSteps(steps []StepResult) []StepResult {
	var failed []StepResult
	for _, sr := range steps {
		if sr.Failed() {
			failed = append(failed, sr)
		}
	}
	return failed
}
