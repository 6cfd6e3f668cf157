// Package steps executes one deployment step for one site and reports the
// outcome as a StepResult rather than an error.
package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/command"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/remote"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/deploy/transport"
	"github.com/qiniu/sitedeploy/internal/site"
)

const (
	DefaultStepTimeout    = 5 * time.Minute
	DefaultVerifyRetries  = 3
	DefaultVerifyInterval = 2 * time.Second
	maxDetail             = 1024
)

// Prober is the health check used by Verify.
type Prober interface {
	Check(ctx context.Context, name, url string) model.HealthStatus
}

// Env is everything a step needs about the site it runs for.
type Env struct {
	Site      site.Descriptor
	Creds     site.Credentials
	Transport transport.Transport
	// Source overrides the transferred directory, used by rollbacks.
	Source string
}

func (e *Env) source() string {
	if e.Source != "" {
		return e.Source
	}
	return e.Site.LocalPath
}

// Runner runs steps. Every blocking step is bounded by StepTimeout.
type Runner struct {
	Commands       command.Runner
	Restarter      Restarter
	Health         Prober
	Snapshots      *snapshot.Manager
	StepTimeout    time.Duration
	VerifyRetries  int
	VerifyInterval time.Duration
	DryRun         bool
}

// Run executes kind for env. It never returns an error; failures are folded
// into the result.
func (r *Runner) Run(ctx context.Context, kind model.StepKind, env *Env) (res model.StepResult) {
	start := time.Now()
	timeout := r.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = failure(kind, model.ReasonStepFailure, fmt.Sprintf("panic: %v", p))
		}
		res.Kind = kind
		res.StartedAt = start
		res.Duration = time.Since(start)
	}()

	switch kind {
	case model.StepFetch:
		return r.fetch(stepCtx, env)
	case model.StepInstallDeps:
		return r.installDeps(stepCtx, env)
	case model.StepBuild:
		return r.build(stepCtx, env)
	case model.StepTransfer:
		return r.transfer(stepCtx, env)
	case model.StepRestart:
		return r.restart(stepCtx, env)
	case model.StepVerify:
		return r.verify(stepCtx, env)
	}
	return failure(kind, model.ReasonStepFailure, "unknown step "+string(kind))
}

func (r *Runner) commands() command.Runner {
	if r.Commands == nil {
		return command.ExecRunner{DryRun: r.DryRun}
	}
	return r.Commands
}

func (r *Runner) transfer(ctx context.Context, env *Env) model.StepResult {
	if env.Transport == nil {
		return failure(model.StepTransfer, model.ReasonStepFailure, "no transport for method "+string(env.Site.Method))
	}
	src := env.source()
	tr, err := env.Transport.Sync(ctx, src, env.Site.Remote, env.Creds, env.Site.Excludes)
	if err != nil {
		res := fromError(model.StepTransfer, err)
		if tr != nil {
			res.FilesChanged = tr.FilesChanged()
		}
		return res
	}
	res := success(model.StepTransfer, fmt.Sprintf("uploaded %d, deleted %d, unchanged %d", tr.Uploaded, tr.Deleted, tr.Unchanged))
	res.FilesChanged = tr.FilesChanged()
	if tr.DryRun {
		res.Detail = "dry run, nothing transferred"
		return res
	}
	if r.Snapshots != nil && env.Source == "" {
		if _, err := r.Snapshots.Create(env.Site.Name, src); err != nil {
			log.Warn().Err(err).Str("site", env.Site.Name).Msg("snapshot after transfer failed")
		}
	}
	return res
}

func (r *Runner) restart(ctx context.Context, env *Env) model.StepResult {
	d := env.Site
	if len(d.PostDeploy) == 0 && d.RestartCommand == "" {
		return model.SkippedStep(model.StepRestart, model.ReasonNotApplicable, "no post_deploy or restart_command configured")
	}
	if !d.HasRemoteShell() {
		return model.SkippedStep(model.StepRestart, model.ReasonNotApplicable, "no remote shell for "+string(d.Method)+" sites")
	}
	if r.Restarter == nil {
		return model.SkippedStep(model.StepRestart, model.ReasonNotApplicable, "no service manager available")
	}
	out, err := r.Restarter.Restart(ctx, d, env.Creds)
	if err != nil {
		return fromError(model.StepRestart, err)
	}
	return success(model.StepRestart, lastLine(out))
}

func (r *Runner) verify(ctx context.Context, env *Env) model.StepResult {
	if env.Site.ProbeURL() == "" {
		return model.SkippedStep(model.StepVerify, model.ReasonNotApplicable, "no url configured")
	}
	if r.DryRun {
		return model.SkippedStep(model.StepVerify, model.ReasonNotApplicable, "dry run")
	}
	if r.Health == nil {
		return model.SkippedStep(model.StepVerify, model.ReasonNotApplicable, "no health checker")
	}
	retries := r.VerifyRetries
	if retries <= 0 {
		retries = DefaultVerifyRetries
	}
	interval := r.VerifyInterval
	if interval <= 0 {
		interval = DefaultVerifyInterval
	}

	var last model.HealthStatus
	for attempt := 1; attempt <= retries; attempt++ {
		last = r.Health.Check(ctx, env.Site.Name, env.Site.ProbeURL())
		if last.Online {
			return success(model.StepVerify, fmt.Sprintf("HTTP %d in %s", last.StatusCode, last.Latency.Round(time.Millisecond)))
		}
		log.Debug().Str("site", env.Site.Name).Int("attempt", attempt).Str("error", last.Error).Msg("verify probe offline")
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return failure(model.StepVerify, ctxReason(ctx.Err()), "offline: "+last.Error)
		case <-time.After(interval):
		}
	}
	reason := model.ReasonOffline
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = model.ReasonTimeout
	}
	return failure(model.StepVerify, reason, fmt.Sprintf("offline after %d attempts: %s", retries, last.Error))
}

func success(kind model.StepKind, detail string) model.StepResult {
	return model.StepResult{Kind: kind, Status: model.StepSuccess, Detail: detail}
}

func failure(kind model.StepKind, reason model.Reason, detail string) model.StepResult {
	return model.StepResult{Kind: kind, Status: model.StepFailure, Reason: reason, Detail: truncate(detail)}
}

// fromError classifies err into a failed result.
func fromError(kind model.StepKind, err error) model.StepResult {
	var terr *transport.Error
	var rerr *remote.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure(kind, model.ReasonTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return failure(kind, model.ReasonCancelled, err.Error())
	case errors.As(err, &terr):
		return failure(kind, terr.Reason, err.Error())
	case errors.As(err, &rerr):
		return failure(kind, rerr.Reason, err.Error())
	}
	return failure(kind, model.ReasonStepFailure, err.Error())
}

func ctxReason(err error) model.Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ReasonTimeout
	}
	return model.ReasonCancelled
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDetail {
		return s[:maxDetail] + "..."
	}
	return s
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return truncate(out)
}
