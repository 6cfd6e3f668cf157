package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/api"
	"github.com/qiniu/sitedeploy/internal/config"
	"github.com/qiniu/sitedeploy/internal/deploy/healthcheck"
	"github.com/qiniu/sitedeploy/internal/middleware"
	"github.com/qiniu/sitedeploy/internal/site"
)

func serve(ctx context.Context, cfg *config.Config) (int, error) {
	log.Info().Msg("Starting sitedeploy api server")
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return exitUsage, err
	}
	defer a.Close()

	orch, err := a.orchestrator(a.store.Sites())
	if err != nil {
		return exitUsage, err
	}

	go healthcheck.StartScheduler(ctx, healthcheck.Deps{
		Checker:  a.checker,
		Sites:    a.store.Sites,
		Observer: a.metrics,
		Interval: config.ParseDuration(cfg.Health.Interval, time.Minute),
	})

	if cfg.Logging.Level != "debug" && cfg.Logging.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication(cfg.Server.APIToken, "/healthz", "/metrics"))
	srvAPI := api.NewApi(router, api.Deps{
		Service: orch,
		History: a.history,
		Hub:     a.hub,
		Metrics: a.metrics.Handler(),
		Base:    ctx,
	})

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.reload(srvAPI)
			}
		}
	}()

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", cfg.Server.BindAddr)
	if err != nil {
		log.Error().Err(err).Msg("start sitedeploy api server failed.")
		return exitFailed, nil
	}
	log.Info().Msgf("Starting server on %s", ln.Addr())
	// a halting pipeline may still finish the step it is in
	drain := config.ParseDuration(cfg.Deploy.StepTimeout, 5*time.Minute) + shutdownGrace
	if err := serveHTTP(ctx, srv, ln, srvAPI.Wait, drain); err != nil {
		log.Error().Err(err).Msg("start sitedeploy api server failed.")
		return exitFailed, nil
	}
	log.Info().Msg("sitedeploy api server exit...")
	return exitOK, nil
}

const shutdownGrace = 10 * time.Second

// serveHTTP serves on ln until ctx is done, then stops accepting requests and
// waits up to drainTimeout for drain before returning.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener, drain func(context.Context) error, drainTimeout time.Duration) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
		if drain == nil {
			return
		}
		if err := drain(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("deployments still running at shutdown")
			return
		}
		log.Info().Msg("in-flight deployments drained")
	}()

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// reload re-reads the site file on SIGHUP. An invalid file keeps the current
// set; deployments in flight finish on the orchestrator they started with.
func (a *app) reload(srvAPI *api.Api) {
	ds, err := site.LoadFile(a.cfg.Deploy.SitesFile)
	if err != nil {
		log.Error().Err(err).Msg("site reload failed; keeping current sites")
		return
	}
	orch, err := a.orchestrator(ds)
	if err != nil {
		log.Error().Err(err).Msg("site reload failed; keeping current sites")
		return
	}
	a.store.Replace(ds)
	srvAPI.SetService(orch)
	log.Info().Int("sites", a.store.Len()).Msg("site descriptors reloaded")
}
