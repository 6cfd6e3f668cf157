// Package metrics exports deployment and probe metrics for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/deploy/sink"
)

// Collector owns a private registry so tests and embedders never collide
// with the default one.
type Collector struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	siteDeploys   *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	siteUp        *prometheus.GaugeVec
	probeLatency  *prometheus.GaugeVec
	eventsDropped prometheus.Counter
}

// New registers every metric on a fresh registry, including the Go and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitedeploy_runs_total",
				Help: "Deployment runs by outcome (success, partial, failure).",
			},
			[]string{"kind", "status"},
		),
		siteDeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitedeploy_site_deploys_total",
				Help: "Per-site deployment outcomes.",
			},
			[]string{"site", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitedeploy_step_duration_seconds",
				Help:    "Pipeline step duration.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"step", "status"},
		),
		siteUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitedeploy_site_up",
				Help: "1 when the last health probe of the site succeeded.",
			},
			[]string{"site"},
		),
		probeLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sitedeploy_probe_latency_seconds",
				Help: "Latency of the last health probe.",
			},
			[]string{"site"},
		),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitedeploy_events_without_payload_total",
			Help: "Events that arrived without the result they describe.",
		}),
	}
	c.registry.MustRegister(
		c.runsTotal,
		c.siteDeploys,
		c.stepDuration,
		c.siteUp,
		c.probeLatency,
		c.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

var _ sink.Sink = (*Collector)(nil)

// Publish records step, site and run outcomes.
func (c *Collector) Publish(_ context.Context, ev sink.Event) error {
	switch ev.Type {
	case sink.StepFinished:
		if ev.Step == nil {
			c.eventsDropped.Inc()
			return nil
		}
		c.stepDuration.WithLabelValues(string(ev.Step.Kind), string(ev.Step.Status)).Observe(ev.Step.Duration.Seconds())
	case sink.SiteFinished:
		if ev.Result == nil {
			c.eventsDropped.Inc()
			return nil
		}
		c.siteDeploys.WithLabelValues(ev.Result.SiteName, string(ev.Result.OverallStatus)).Inc()
	case sink.RunFinished:
		if ev.Report == nil {
			c.eventsDropped.Inc()
			return nil
		}
		c.runsTotal.WithLabelValues(string(ev.Kind), runStatus(ev.Kind, ev.Report)).Inc()
	}
	return nil
}

// ObserveHealth records a probe; it satisfies healthcheck.Observer.
func (c *Collector) ObserveHealth(st model.HealthStatus) {
	up := 0.0
	if st.Online {
		up = 1
	}
	c.siteUp.WithLabelValues(st.SiteName).Set(up)
	c.probeLatency.WithLabelValues(st.SiteName).Set(st.Latency.Seconds())
}

// runStatus labels a run the way the CLI exits for it.
func runStatus(kind model.RunKind, r *model.FleetDeployReport) string {
	code := r.ExitCode()
	if kind != model.RunFleet && len(r.Results) == 1 {
		code = model.SiteExitCode(r.Results[0])
	}
	switch code {
	case 0:
		return "success"
	case 1:
		return "partial"
	}
	return "failure"
}
