package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/lock"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
	"github.com/qiniu/sitedeploy/internal/deploy/steps"
)

// StepRunner runs one step for a site.
type StepRunner interface {
	Run(ctx context.Context, kind model.StepKind, env *steps.Env) model.StepResult
}

// Pipeline runs the fixed step sequence for one site.
//
// Fetch, InstallDeps, Build, Transfer and Restart failures halt the site and
// the remaining steps are recorded Skipped. A Verify failure leaves the
// deployment in place and yields PartialFailure.
//
// Fleet cancellation is honoured between steps only: the step in flight
// runs to completion (bounded by its own timeout) so a transfer is never cut
// off mid-file.
type Pipeline struct {
	Steps   StepRunner
	Locker  lock.Locker
	LockTTL time.Duration
	Sink    sink.Sink
}

// rollbackSkipped are not run when re-deploying a snapshot.
var rollbackSkipped = map[model.StepKind]bool{
	model.StepFetch:       true,
	model.StepInstallDeps: true,
	model.StepBuild:       true,
}

// Run deploys env.Site. env.Source set means a rollback.
func (p *Pipeline) Run(ctx context.Context, runID string, env *steps.Env) (res *model.SiteDeployResult) {
	res = &model.SiteDeployResult{
		SiteName:  env.Site.Name,
		RunID:     runID,
		StartedAt: time.Now(),
	}
	if env.Source != "" {
		res.Rollback = filepath.Base(env.Source)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("site", env.Site.Name).Interface("panic", r).Msg("site pipeline panicked")
			res.Error = fmt.Sprintf("panic: %v", r)
			res.OverallStatus = model.StatusFailure
			haltRemaining(res, model.ReasonHalted, "pipeline aborted")
		}
		res.FinishedAt = time.Now()
		p.publish(ctx, sink.Event{Type: sink.SiteFinished, RunID: runID, Site: res.SiteName, Time: res.FinishedAt, Result: res})
	}()

	if p.Locker != nil {
		release, err := p.Locker.Acquire(ctx, "site:"+env.Site.Name, p.LockTTL)
		if err != nil {
			res.Error = err.Error()
			res.OverallStatus = model.StatusFailure
			haltRemaining(res, model.ReasonHalted, "site is locked")
			return res
		}
		defer release()
	}

	// steps outlive fleet cancellation, bounded by their own timeout
	stepCtx := context.WithoutCancel(ctx)
	rollback := env.Source != ""
	verifyFailed := false

	for _, kind := range model.Steps {
		if res.FailedStep != "" {
			res.Steps = append(res.Steps, model.SkippedStep(kind, model.ReasonHalted, string(res.FailedStep)+" failed"))
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Error = "cancelled before " + string(kind)
			haltRemaining(res, model.ReasonCancelled, "deployment cancelled")
			res.OverallStatus = model.StatusFailure
			return res
		}
		if rollback && rollbackSkipped[kind] {
			res.Steps = append(res.Steps, model.SkippedStep(kind, model.ReasonNotApplicable, "rollback"))
			continue
		}

		step := p.Steps.Run(stepCtx, kind, env)
		res.Steps = append(res.Steps, step)
		p.publish(ctx, sink.Event{Type: sink.StepFinished, RunID: runID, Site: res.SiteName, Time: time.Now(), Step: &step})

		if step.Failed() {
			if kind.Fatal() {
				res.FailedStep = kind
			} else {
				verifyFailed = true
			}
		}
	}

	switch {
	case res.FailedStep != "":
		res.OverallStatus = model.StatusFailure
	case verifyFailed:
		res.OverallStatus = model.StatusPartialFailure
	default:
		res.OverallStatus = model.StatusSuccess
	}
	return res
}

// haltRemaining records every step not yet present as Skipped.
func haltRemaining(res *model.SiteDeployResult, reason model.Reason, detail string) {
	for _, kind := range model.Steps[len(res.Steps):] {
		res.Steps = append(res.Steps, model.SkippedStep(kind, reason, detail))
	}
}

func (p *Pipeline) publish(ctx context.Context, ev sink.Event) {
	if p.Sink == nil {
		return
	}
	if err := p.Sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Msg("sink publish failed")
	}
}
