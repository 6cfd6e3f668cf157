package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/snapshot"
	"github.com/qiniu/sitedeploy/internal/site"
)

// siteView is the public shape of a descriptor; credentials are never listed.
type siteView struct {
	Name           string      `json:"name"`
	Method         site.Method `json:"method"`
	URL            string      `json:"url,omitempty"`
	HealthURL      string      `json:"healthCheckUrl,omitempty"`
	LocalPath      string      `json:"localPath"`
	Source         string      `json:"source,omitempty"`
	Host           string      `json:"host"`
	Port           int         `json:"port"`
	User           string      `json:"user,omitempty"`
	RemotePath     string      `json:"remotePath"`
	BuildCommand   string      `json:"buildCommand,omitempty"`
	PreDeploy      []string    `json:"preDeploy,omitempty"`
	PostDeploy     []string    `json:"postDeploy,omitempty"`
	RestartCommand string      `json:"restartCommand,omitempty"`
	Excludes       []string    `json:"excludes,omitempty"`
}

func newSiteView(d site.Descriptor) siteView {
	return siteView{
		Name:           d.Name,
		Method:         d.Method,
		URL:            d.URL,
		HealthURL:      d.HealthURL,
		LocalPath:      d.LocalPath,
		Source:         d.Source,
		Host:           d.Remote.Host,
		Port:           d.Remote.Port,
		User:           d.Remote.User,
		RemotePath:     d.Remote.Path,
		BuildCommand:   d.BuildCommand,
		PreDeploy:      d.PreDeploy,
		PostDeploy:     d.PostDeploy,
		RestartCommand: d.RestartCommand,
		Excludes:       d.Excludes,
	}
}

func (api *Api) setupSiteRouters(router *gin.Engine) {
	router.GET("/v1/sites", api.listSites)
	router.GET("/v1/sites/:name", api.getSite)
	router.GET("/v1/sites/:name/snapshots", api.listSnapshots)
	router.GET("/v1/status", api.status)
}

func (api *Api) listSites(c *gin.Context) {
	sites := api.service().List()
	items := make([]siteView, 0, len(sites))
	for _, d := range sites {
		items = append(items, newSiteView(d))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (api *Api) getSite(c *gin.Context) {
	name := c.Param("name")
	ds, err := site.Find(api.service().List(), name)
	if err != nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "site not found: "+name)
		return
	}
	c.JSON(http.StatusOK, newSiteView(ds))
}

func (api *Api) listSnapshots(c *gin.Context) {
	name := c.Param("name")
	snaps, err := api.service().Snapshots(name)
	if errors.Is(err, site.ErrNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "site not found: "+name)
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if snaps == nil {
		snaps = []snapshot.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"site": name, "items": snaps})
}

// status probes every site on each call.
func (api *Api) status(c *gin.Context) {
	statuses := api.service().Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"items":   statuses,
		"total":   len(statuses),
		"offline": model.CountOffline(statuses),
	})
}
