package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollector_Publish(t *testing.T) {
	c := New()
	ctx := context.Background()

	step := model.StepResult{Kind: model.StepBuild, Status: model.StepFailure, Duration: 2 * time.Second}
	require.NoError(t, c.Publish(ctx, sink.Event{Type: sink.StepFinished, Step: &step}))

	res := &model.SiteDeployResult{SiteName: "blog", OverallStatus: model.StatusFailure}
	require.NoError(t, c.Publish(ctx, sink.Event{Type: sink.SiteFinished, Result: res}))

	report := &model.FleetDeployReport{Results: []*model.SiteDeployResult{res, {SiteName: "shop", OverallStatus: model.StatusSuccess}}}
	report.Tally()
	require.NoError(t, c.Publish(ctx, sink.Event{Type: sink.RunFinished, Kind: model.RunFleet, Report: report}))

	// events without payload are counted, not fatal
	require.NoError(t, c.Publish(ctx, sink.Event{Type: sink.SiteFinished}))

	out := scrape(t, c)
	assert.Contains(t, out, `sitedeploy_step_duration_seconds_count{status="failure",step="build"} 1`)
	assert.Contains(t, out, `sitedeploy_site_deploys_total{site="blog",status="failure"} 1`)
	assert.Contains(t, out, `sitedeploy_runs_total{kind="fleet",status="partial"} 1`)
	assert.Contains(t, out, `sitedeploy_events_without_payload_total 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestCollector_SingleSiteRunStatus(t *testing.T) {
	tests := []struct {
		kind   model.RunKind
		status model.OverallStatus
		want   string
	}{
		{model.RunSite, model.StatusPartialFailure, "partial"},
		{model.RunSite, model.StatusFailure, "failure"},
		{model.RunRollback, model.StatusSuccess, "success"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.want, func(t *testing.T) {
			c := New()
			report := &model.FleetDeployReport{Results: []*model.SiteDeployResult{{SiteName: "blog", OverallStatus: tt.status}}}
			report.Tally()
			require.NoError(t, c.Publish(context.Background(), sink.Event{Type: sink.RunFinished, Kind: tt.kind, Report: report}))
			assert.Contains(t, scrape(t, c), `sitedeploy_runs_total{kind="`+string(tt.kind)+`",status="`+tt.want+`"} 1`)
		})
	}
}

func TestCollector_ObserveHealth(t *testing.T) {
	c := New()
	c.ObserveHealth(model.HealthStatus{SiteName: "blog", Online: true, Latency: 250 * time.Millisecond})
	c.ObserveHealth(model.HealthStatus{SiteName: "shop", Online: false})

	out := scrape(t, c)
	assert.Contains(t, out, `sitedeploy_site_up{site="blog"} 1`)
	assert.Contains(t, out, `sitedeploy_site_up{site="shop"} 0`)
	assert.Contains(t, out, `sitedeploy_probe_latency_seconds{site="blog"} 0.25`)
}

func TestCollector_Independent(t *testing.T) {
	a, b := New(), New()
	a.ObserveHealth(model.HealthStatus{SiteName: "blog", Online: true})
	assert.NotContains(t, scrape(t, b), `site="blog"`)
}
