package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/site"
)

type deployAllRequest struct {
	Concurrency int `json:"concurrency"`
}

type rollbackRequest struct {
	Snapshot string `json:"snapshot"`
}

func (api *Api) setupDeployRouters(router *gin.Engine) {
	router.POST("/v1/deployments", api.deployAll)
	router.POST("/v1/deployments/:name", api.deploySite)
	router.POST("/v1/rollbacks/:name", api.rollback)
	router.GET("/v1/deployments", api.listRuns)
	router.GET("/v1/deployments/:id/sites", api.listRunResults)
}

// bindOptional accepts an empty body as the zero request.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return false
	}
	return true
}

func (api *Api) deployAll(c *gin.Context) {
	var req deployAllRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Concurrency < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "concurrency must be >= 0")
		return
	}
	defer api.track()()
	report := api.service().DeployAll(api.base, req.Concurrency)
	log.Info().Str("run_id", report.RunID).Int("succeeded", report.Succeeded).Int("failed", report.Failed).Msg("fleet deployment via api finished")
	c.JSON(http.StatusOK, report)
}

func (api *Api) deploySite(c *gin.Context) {
	name := c.Param("name")
	defer api.track()()
	res, err := api.service().DeploySite(api.base, name)
	if errors.Is(err, site.ErrNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "site not found: "+name)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (api *Api) rollback(c *gin.Context) {
	name := c.Param("name")
	var req rollbackRequest
	if !bindOptional(c, &req) {
		return
	}
	defer api.track()()
	res, err := api.service().Rollback(api.base, name, req.Snapshot)
	switch {
	case errors.Is(err, site.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "site not found: "+name)
	case errors.Is(err, snapshot.ErrNotFound):
		writeError(c, http.StatusNotFound, "SNAPSHOT_NOT_FOUND", err.Error())
	case errors.Is(err, snapshot.ErrNoSnapshot):
		writeError(c, http.StatusConflict, "NO_SNAPSHOT", err.Error())
	case err != nil:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (api *Api) listRuns(c *gin.Context) {
	if api.history == nil {
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "deployment history requires a database")
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 100 {
			writeError(c, http.StatusBadRequest, "INVALID_PARAMETER", "limit must be 1-100")
			return
		}
		limit = n
	}
	runs, err := api.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"items": runs})
}

func (api *Api) listRunResults(c *gin.Context) {
	if api.history == nil {
		writeError(c, http.StatusServiceUnavailable, "UNAVAILABLE", "deployment history requires a database")
		return
	}
	runID := c.Param("id")
	results, err := api.history.ListSiteResults(c.Request.Context(), runID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if len(results) == 0 {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "run not found: "+runID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "items": results})
}
