package model

import "time"

// StepKind names one stage of a site deployment.
type StepKind string

const (
	StepFetch       StepKind = "fetch"
	StepInstallDeps StepKind = "install_deps"
	StepBuild       StepKind = "build"
	StepTransfer    StepKind = "transfer"
	StepRestart     StepKind = "restart"
	StepVerify      StepKind = "verify"
)

// Steps is the fixed per-site execution order.
var Steps = []StepKind{
	StepFetch,
	StepInstallDeps,
	StepBuild,
	StepTransfer,
	StepRestart,
	StepVerify,
}

// Fatal reports whether a failure of the step halts the site's pipeline.
func (k StepKind) Fatal() bool {
	return k != StepVerify
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
)

// Reason classifies why a step failed or was skipped.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNotApplicable      Reason = "not_applicable"
	ReasonHalted             Reason = "halted" // an earlier fatal step failed
	ReasonCancelled          Reason = "cancelled"
	ReasonTimeout            Reason = "timeout"
	ReasonStepFailure        Reason = "step_failure"
	ReasonAuthFailure        Reason = "auth_failure"
	ReasonNetworkUnreachable Reason = "network_unreachable"
	ReasonRemotePathInvalid  Reason = "remote_path_invalid"
	ReasonPartialTransfer    Reason = "partial_transfer"
	ReasonOffline            Reason = "offline"
)

// StepResult is produced by the step runner and consumed by the pipeline.
type StepResult struct {
	Kind         StepKind      `json:"kind"`
	Status       StepStatus    `json:"status"`
	Reason       Reason        `json:"reason,omitempty"`
	Detail       string        `json:"detail,omitempty"` // human readable cause
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	FilesChanged int           `json:"filesChanged,omitempty"` // transfer only
}

// Succeeded reports a Success outcome.
func (r StepResult) Succeeded() bool { return r.Status == StepSuccess }

// Failed reports a Failure outcome.
func (r StepResult) Failed() bool { return r.Status == StepFailure }

// SkippedStep builds a Skipped result.
func SkippedStep(kind StepKind, reason Reason, detail string) StepResult {
	return StepResult{Kind: kind, Status: StepSkipped, Reason: reason, Detail: detail, StartedAt: time.Now()}
}

// TransportResult summarises one mirror run.
type TransportResult struct {
	Uploaded  int  `json:"uploaded"`
	Deleted   int  `json:"deleted"`
	Unchanged int  `json:"unchanged"`
	DryRun    bool `json:"dryRun,omitempty"`
}

// FilesChanged is the number of remote mutations.
func (r TransportResult) FilesChanged() int { return r.Uploaded + r.Deleted }
