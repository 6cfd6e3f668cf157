package model

import "time"

// OverallStatus is the aggregate outcome of one site's pipeline.
type OverallStatus string

const (
	StatusSuccess        OverallStatus = "success"
	StatusPartialFailure OverallStatus = "partial_failure" // deployed but not responding
	StatusFailure        OverallStatus = "failure"
)

// SiteDeployResult is one record per site per run.
type SiteDeployResult struct {
	SiteName      string        `json:"siteName"`
	RunID         string        `json:"runId"`
	Steps         []StepResult  `json:"steps"`
	OverallStatus OverallStatus `json:"overallStatus"`
	FailedStep    StepKind      `json:"failedStep,omitempty"`
	Error         string        `json:"error,omitempty"`    // failure outside any step, e.g. lock held
	Rollback      string        `json:"rollback,omitempty"` // snapshot name when this was a rollback
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
}

// Step returns the recorded result for kind.
func (r *SiteDeployResult) Step(kind StepKind) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return StepResult{}, false
}

// Duration is the wall time of the pipeline.
func (r *SiteDeployResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FleetDeployReport aggregates one "deploy all" run.
type FleetDeployReport struct {
	RunID      string              `json:"runId"`
	TotalSites int                 `json:"totalSites"`
	Succeeded  int                 `json:"succeeded"`
	Failed     int                 `json:"failed"`
	Results    []*SiteDeployResult `json:"results"` // descriptor order
	DryRun     bool                `json:"dryRun,omitempty"`
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
}

// Tally recomputes the counters from Results. PartialFailure counts as failed.
func (r *FleetDeployReport) Tally() {
	r.TotalSites = len(r.Results)
	r.Succeeded, r.Failed = 0, 0
	for _, res := range r.Results {
		if res != nil && res.OverallStatus == StatusSuccess {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
}

// ExitCode maps the report to a process status: 0 when every site succeeded,
// 2 when every attempted site failed, 1 otherwise.
func (r *FleetDeployReport) ExitCode() int {
	switch {
	case r.Failed == 0:
		return 0
	case r.Succeeded == 0:
		return 2
	default:
		return 1
	}
}

// FailedResults lists the results that did not succeed, in report order.
func (r *FleetDeployReport) FailedResults() []*SiteDeployResult {
	var out []*SiteDeployResult
	for _, res := range r.Results {
		if res.OverallStatus != StatusSuccess {
			out = append(out, res)
		}
	}
	return out
}

// SiteExitCode maps a single site result the same way as ExitCode.
func SiteExitCode(r *SiteDeployResult) int {
	switch r.OverallStatus {
	case StatusSuccess:
		return 0
	case StatusPartialFailure:
		return 1
	default:
		return 2
	}
}

// RunKind distinguishes persisted runs.
type RunKind string

const (
	RunFleet    RunKind = "fleet"
	RunSite     RunKind = "site"
	RunRollback RunKind = "rollback"
)

// RunSummary is the persisted header of one run.
type RunSummary struct {
	RunID      string    `json:"runId"`
	Kind       RunKind   `json:"kind"`
	DryRun     bool      `json:"dryRun"`
	TotalSites int       `json:"totalSites"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Summary returns the report header.
func (r *FleetDeployReport) Summary(kind RunKind) RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Kind:       kind,
		DryRun:     r.DryRun,
		TotalSites: r.TotalSites,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// SingleSiteSummary describes a run that targeted one site.
func SingleSiteSummary(kind RunKind, res *SiteDeployResult, dryRun bool) RunSummary {
	s := RunSummary{
		RunID:      res.RunID,
		Kind:       kind,
		DryRun:     dryRun,
		TotalSites: 1,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.OverallStatus == StatusSuccess {
		s.Succeeded = 1
	} else {
		s.Failed = 1
	}
	return s
}
