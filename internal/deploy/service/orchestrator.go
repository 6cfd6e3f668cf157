// Package service sequences site deployments across the fleet.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/qiniu/sitedeploy/internal/deploy/command"
	"github.com/qiniu/sitedeploy/internal/deploy/healthcheck"
	"github.com/qiniu/sitedeploy/internal/deploy/lock"
	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/remote"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/deploy/steps"
	"github.com/qiniu/sitedeploy/internal/deploy/transport"
	"github.com/qiniu/sitedeploy/internal/site"
)

// DeployService 站点发布接口，负责批量发布、单站发布、回滚和状态查询
type DeployService interface {
	// DeployAll 发布全部站点；单站失败不影响其他站点
	DeployAll(ctx context.Context, concurrency int) *model.FleetDeployReport

	// DeploySite 发布指定站点，站点不存在时返回 site.ErrNotFound
	DeploySite(ctx context.Context, name string) (*model.SiteDeployResult, error)

	// Rollback 将站点恢复到指定快照，snapshotName 为空时使用上一次发布的快照
	Rollback(ctx context.Context, name, snapshotName string) (*model.SiteDeployResult, error)

	// Status 探测全部站点的健康状态
	Status(ctx context.Context) []model.HealthStatus

	// List 返回站点列表（配置顺序）
	List() []site.Descriptor

	// Snapshots 列出站点的可用快照
	Snapshots(name string) ([]snapshot.Info, error)
}

// Options tune an Orchestrator.
type Options struct {
	Concurrency    int
	DryRun         bool
	StepTimeout    time.Duration
	VerifyRetries  int
	VerifyInterval time.Duration
	LockTTL        time.Duration
	DialTimeout    time.Duration
	Excludes       []string
	// Lookup resolves credential references; defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Deps are the collaborators an Orchestrator drives. Nil members fall back
// to local defaults.
type Deps struct {
	Commands  command.Runner
	Remote    remote.Executor
	Health    *healthcheck.Checker
	Snapshots *snapshot.Manager
	Locker    lock.Locker
	Sink      sink.Sink
	// Transports overrides the per-method transport, mostly for tests.
	Transports map[site.Method]transport.Transport
}

// Orchestrator implements DeployService over a fixed set of sites.
type Orchestrator struct {
	opts       Options
	sites      []site.Descriptor
	transports map[string]transport.Transport
	health     *healthcheck.Checker
	snapshots  *snapshot.Manager
	sink       sink.Sink
	pipeline   *Pipeline
}

var _ DeployService = (*Orchestrator)(nil)

// New binds every site to its transport once, up front.
func New(opts Options, sites []site.Descriptor, deps Deps) (*Orchestrator, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if deps.Commands == nil {
		deps.Commands = command.NewLoggingRunner(command.ExecRunner{DryRun: opts.DryRun})
	}
	if deps.Health == nil {
		deps.Health = healthcheck.NewChecker(0, 0)
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Remote == nil {
		deps.Remote = remote.SSH{DialTimeout: opts.DialTimeout, DryRun: opts.DryRun}
	}

	topts := transport.Options{Runner: deps.Commands, Excludes: opts.Excludes, DialTimeout: opts.DialTimeout, DryRun: opts.DryRun}
	byMethod := map[site.Method]transport.Transport{}
	for m, t := range deps.Transports {
		byMethod[m] = t
	}
	bound := make(map[string]transport.Transport, len(sites))
	for _, d := range sites {
		t, ok := byMethod[d.Method]
		if !ok {
			var err error
			if t, err = transport.New(d.Method, topts); err != nil {
				return nil, fmt.Errorf("site %s: %w", d.Name, err)
			}
			byMethod[d.Method] = t
		}
		bound[d.Name] = t
	}

	runner := &steps.Runner{
		Commands:       deps.Commands,
		Restarter:      steps.RemoteRestarter{Exec: deps.Remote},
		Health:         deps.Health,
		Snapshots:      deps.Snapshots,
		StepTimeout:    opts.StepTimeout,
		VerifyRetries:  opts.VerifyRetries,
		VerifyInterval: opts.VerifyInterval,
		DryRun:         opts.DryRun,
	}
	if opts.DryRun {
		runner.Snapshots = nil
	}

	return &Orchestrator{
		opts:       opts,
		sites:      append([]site.Descriptor(nil), sites...),
		transports: bound,
		health:     deps.Health,
		snapshots:  deps.Snapshots,
		sink:       deps.Sink,
		pipeline:   &Pipeline{Steps: runner, Locker: deps.Locker, LockTTL: opts.LockTTL, Sink: deps.Sink},
	}, nil
}

// DeployAll runs one isolated pipeline per site with at most concurrency in
// flight. Results keep configuration order regardless of completion order.
func (o *Orchestrator) DeployAll(ctx context.Context, concurrency int) *model.FleetDeployReport {
	if concurrency <= 0 {
		concurrency = o.opts.Concurrency
	}
	report := &model.FleetDeployReport{
		RunID:     uuid.NewString(),
		DryRun:    o.opts.DryRun,
		StartedAt: time.Now(),
		Results:   make([]*model.SiteDeployResult, len(o.sites)),
	}
	o.publish(ctx, sink.Event{Type: sink.RunStarted, RunID: report.RunID, Kind: model.RunFleet, Time: report.StartedAt})
	log.Info().Str("run_id", report.RunID).Int("sites", len(o.sites)).Int("concurrency", concurrency).Bool("dry_run", o.opts.DryRun).Msg("deploying fleet")

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, d := range o.sites {
		g.Go(func() error {
			report.Results[i] = o.runSite(ctx, report.RunID, d, nil)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	report.Tally()
	o.publish(ctx, sink.Event{Type: sink.RunFinished, RunID: report.RunID, Kind: model.RunFleet, Time: report.FinishedAt, Report: report})
	return report
}

// DeploySite runs the pipeline for one site.
func (o *Orchestrator) DeploySite(ctx context.Context, name string) (*model.SiteDeployResult, error) {
	d, err := site.Find(o.sites, name)
	if err != nil {
		return nil, err
	}
	return o.single(ctx, model.RunSite, d, nil), nil
}

// Rollback re-transfers a stored snapshot then restarts and verifies.
func (o *Orchestrator) Rollback(ctx context.Context, name, snapshotName string) (*model.SiteDeployResult, error) {
	d, err := site.Find(o.sites, name)
	if err != nil {
		return nil, err
	}
	if o.snapshots == nil {
		return nil, fmt.Errorf("%w: snapshots are disabled", snapshot.ErrNoSnapshot)
	}
	var snap snapshot.Info
	if snapshotName == "" {
		snap, err = o.snapshots.Previous(name)
	} else {
		snap, err = o.snapshots.Path(name, snapshotName)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("site", name).Str("snapshot", snap.Name).Msg("rolling back")
	return o.single(ctx, model.RunRollback, d, &snap), nil
}

// Status probes every site. Results are never cached.
func (o *Orchestrator) Status(ctx context.Context) []model.HealthStatus {
	return o.health.CheckAll(ctx, o.sites)
}

// List returns the configured sites in order.
func (o *Orchestrator) List() []site.Descriptor {
	return append([]site.Descriptor(nil), o.sites...)
}

// Snapshots lists the stored snapshots of a site, newest first.
func (o *Orchestrator) Snapshots(name string) ([]snapshot.Info, error) {
	if _, err := site.Find(o.sites, name); err != nil {
		return nil, err
	}
	if o.snapshots == nil {
		return nil, nil
	}
	return o.snapshots.List(name)
}

func (o *Orchestrator) single(ctx context.Context, kind model.RunKind, d site.Descriptor, snap *snapshot.Info) *model.SiteDeployResult {
	runID := uuid.NewString()
	started := time.Now()
	o.publish(ctx, sink.Event{Type: sink.RunStarted, RunID: runID, Kind: kind, Site: d.Name, Time: started})

	res := o.runSite(ctx, runID, d, snap)

	report := &model.FleetDeployReport{
		RunID:      runID,
		DryRun:     o.opts.DryRun,
		Results:    []*model.SiteDeployResult{res},
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	report.Tally()
	o.publish(ctx, sink.Event{Type: sink.RunFinished, RunID: runID, Kind: kind, Site: d.Name, Time: report.FinishedAt, Report: report})
	return res
}

// runSite never lets a site's failure escape to its siblings.
func (o *Orchestrator) runSite(ctx context.Context, runID string, d site.Descriptor, snap *snapshot.Info) (res *model.SiteDeployResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("site", d.Name).Interface("panic", r).Msg("site deployment panicked")
			res = &model.SiteDeployResult{SiteName: d.Name, RunID: runID, OverallStatus: model.StatusFailure, Error: fmt.Sprintf("panic: %v", r)}
			haltRemaining(res, model.ReasonHalted, "pipeline aborted")
		}
	}()

	env := &steps.Env{Site: d, Transport: o.transports[d.Name]}
	if snap != nil {
		env.Source = snap.Path
	}
	creds, err := d.ResolveCredentials(o.opts.Lookup)
	if err != nil {
		now := time.Now()
		res = &model.SiteDeployResult{SiteName: d.Name, RunID: runID, OverallStatus: model.StatusFailure,
			Error: "credentials: " + err.Error(), StartedAt: now, FinishedAt: now}
		haltRemaining(res, model.ReasonHalted, "credentials unavailable")
		o.publish(ctx, sink.Event{Type: sink.SiteFinished, RunID: runID, Site: d.Name, Time: now, Result: res})
		return res
	}
	env.Creds = creds

	return o.pipeline.Run(ctx, runID, env)
}

func (o *Orchestrator) publish(ctx context.Context, ev sink.Event) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Msg("sink publish failed")
	}
}
