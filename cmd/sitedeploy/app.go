package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/api"
	"github.com/qiniu/sitedeploy/internal/config"
	"github.com/qiniu/sitedeploy/internal/deploy/database"
	"github.com/qiniu/sitedeploy/internal/deploy/healthcheck"
	"github.com/qiniu/sitedeploy/internal/deploy/lock"
	"github.com/qiniu/sitedeploy/internal/deploy/service"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/metrics"
	"github.com/qiniu/sitedeploy/internal/site"
)

// app holds the long-lived collaborators shared by every orchestrator built
// from the current site set.
type app struct {
	cfg       *config.Config
	store     *site.Store
	checker   *healthcheck.Checker
	snapshots *snapshot.Manager
	locker    lock.Locker
	sink      sink.Multi
	history   api.History
	metrics   *metrics.Collector
	hub       *sink.Hub
	closers   []func()
}

// newApp loads the site file and connects the optional Redis and Postgres
// backends. An unreachable backend is logged and replaced by the local one.
func newApp(ctx context.Context, cfg *config.Config, serving bool) (*app, error) {
	store, err := site.OpenStore(cfg.Deploy.SitesFile)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("file", cfg.Deploy.SitesFile).Int("sites", store.Len()).Msg("site descriptors loaded")

	a := &app{
		cfg:       cfg,
		store:     store,
		checker:   healthcheck.NewChecker(config.ParseDuration(cfg.Health.Timeout, 10*time.Second), cfg.Health.Concurrency),
		snapshots: snapshot.NewManager(cfg.Deploy.BackupDir, cfg.Deploy.KeepBackups, cfg.Deploy.Excludes),
		locker:    lock.NewLocalLocker(),
		sink:      sink.Multi{sink.LogSink{}, sink.FileSink{Dir: cfg.Deploy.LogDir}},
	}

	if cfg.Redis.Enabled {
		if rdb := connectRedis(ctx, &cfg.Redis); rdb != nil {
			a.locker = lock.NewRedisLocker(rdb)
			a.closers = append(a.closers, func() { _ = rdb.Close() })
		}
	}

	if cfg.Database.Enabled {
		if db := connectDatabase(ctx, &cfg.Database); db != nil {
			repo := database.NewRunRepo(db)
			a.history = repo
			a.sink = append(a.sink, sink.PostgresSink{Store: repo})
			a.closers = append(a.closers, func() { _ = db.Close() })
		}
	}

	if serving {
		a.metrics = metrics.New()
		a.hub = sink.NewHub()
		a.sink = append(a.sink, a.metrics, a.hub)
	}
	return a, nil
}

func connectRedis(ctx context.Context, cfg *config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable; site locks are process-local")
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func connectDatabase(ctx context.Context, cfg *config.DatabaseConfig) *database.Database {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Error().Err(err).Msg("deployment history DB init failed; running without history")
		return nil
	}
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.EnsureSchema(schemaCtx); err != nil {
		log.Error().Err(err).Msg("deployment history schema failed; running without history")
		_ = db.Close()
		return nil
	}
	return db
}

// orchestrator builds an orchestrator over sites. Locks and snapshots are
// shared, so a rebuilt orchestrator still sees deployments in flight.
func (a *app) orchestrator(sites []site.Descriptor) (*service.Orchestrator, error) {
	cfg := a.cfg
	return service.New(service.Options{
		Concurrency:    cfg.Deploy.Concurrency,
		DryRun:         cfg.Deploy.DryRun,
		StepTimeout:    config.ParseDuration(cfg.Deploy.StepTimeout, 5*time.Minute),
		VerifyRetries:  cfg.Deploy.VerifyRetries,
		VerifyInterval: config.ParseDuration(cfg.Deploy.VerifyInterval, 2*time.Second),
		LockTTL:        config.ParseDuration(cfg.Redis.LockTTL, 30*time.Minute),
		Excludes:       cfg.Deploy.Excludes,
	}, sites, service.Deps{
		Health:    a.checker,
		Snapshots: a.snapshots,
		Locker:    a.locker,
		Sink:      a.sink,
	})
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
