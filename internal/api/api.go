// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/service"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
)

// History is the stored run log; nil disables the history routes.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]model.RunSummary, error)
	ListSiteResults(ctx context.Context, runID string) ([]*model.SiteDeployResult, error)
}

// Deps wire the routes. Only Service is required.
type Deps struct {
	Service service.DeployService
	History History
	Hub     *sink.Hub
	Metrics http.Handler
	// Base bounds deployments started over HTTP; a client hanging up does
	// not cancel them. Defaults to context.Background().
	Base context.Context
}

type holder struct{ svc service.DeployService }

type Api struct {
	svc     atomic.Pointer[holder]
	history History
	hub     *sink.Hub
	metrics http.Handler
	base    context.Context

	inflight sync.WaitGroup
}

func NewApi(router *gin.Engine, deps Deps) *Api {
	api := &Api{
		history: deps.History,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		base:    deps.Base,
	}
	if api.base == nil {
		api.base = context.Background()
	}
	api.SetService(deps.Service)
	api.setupRouters(router)
	return api
}

// SetService swaps the orchestrator, e.g. after the site file is reloaded.
// Requests in flight keep the one they started with.
func (api *Api) SetService(svc service.DeployService) {
	api.svc.Store(&holder{svc: svc})
}

func (api *Api) service() service.DeployService {
	return api.svc.Load().svc
}

// track marks a deployment or rollback as running until the returned func is called.
func (api *Api) track() func() {
	api.inflight.Add(1)
	return api.inflight.Done
}

// Wait blocks until every deployment started over HTTP has returned, or ctx
// is done. Cancel Base first so pipelines halt after their current step.
func (api *Api) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		api.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (api *Api) setupRouters(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if api.metrics != nil {
		router.GET("/metrics", gin.WrapH(api.metrics))
	}

	// 站点相关路由
	api.setupSiteRouters(router)

	// 发布与回滚相关路由
	api.setupDeployRouters(router)

	router.GET("/v1/events", api.events)
}

func (api *Api) events(c *gin.Context) {
	if api.hub == nil {
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "event stream is disabled")
		return
	}
	api.hub.ServeWS(c.Writer, c.Request)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": message}})
}
