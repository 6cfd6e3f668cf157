// Package sink delivers deployment events to logs, files, storage and live
// subscribers.
package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
)

type EventType string

const (
	RunStarted   EventType = "run_started"
	StepFinished EventType = "step_finished"
	SiteFinished EventType = "site_finished"
	RunFinished  EventType = "run_finished"
)

// Event is one structured notification. RunFinished always carries Report,
// even for single site and rollback runs.
type Event struct {
	Type   EventType                `json:"type"`
	RunID  string                   `json:"runId"`
	Kind   model.RunKind            `json:"kind"`
	Site   string                   `json:"site,omitempty"`
	Time   time.Time                `json:"time"`
	Step   *model.StepResult        `json:"step,omitempty"`
	Result *model.SiteDeployResult  `json:"result,omitempty"`
	Report *model.FleetDeployReport `json:"report,omitempty"`
}

// Sink consumes events. Errors are reported but never fail a deployment.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, ev Event) error

func (f Func) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every non-nil sink, logging failures.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, ev Event) error {
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Type)).Str("run_id", ev.RunID).Msg("sink publish failed")
		}
	}
	return nil
}

// LogSink writes events as structured log lines.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	switch ev.Type {
	case RunStarted:
		log.Info().Str("run_id", ev.RunID).Str("kind", string(ev.Kind)).Msg("deployment run started")
	case StepFinished:
		if ev.Step == nil {
			return nil
		}
		e := log.Info()
		if ev.Step.Failed() {
			e = log.Warn()
		}
		e.Str("run_id", ev.RunID).
			Str("site", ev.Site).
			Str("step", string(ev.Step.Kind)).
			Str("status", string(ev.Step.Status)).
			Str("reason", string(ev.Step.Reason)).
			Str("detail", ev.Step.Detail).
			Dur("duration", ev.Step.Duration).
			Msg("step finished")
	case SiteFinished:
		if ev.Result == nil {
			return nil
		}
		e := log.Info()
		if ev.Result.OverallStatus != model.StatusSuccess {
			e = log.Error()
		}
		e.Str("run_id", ev.RunID).
			Str("site", ev.Site).
			Str("status", string(ev.Result.OverallStatus)).
			Str("failed_step", string(ev.Result.FailedStep)).
			Dur("duration", ev.Result.Duration()).
			Msg("site finished")
	case RunFinished:
		if ev.Report == nil {
			return nil
		}
		log.Info().
			Str("run_id", ev.RunID).
			Int("total", ev.Report.TotalSites).
			Int("succeeded", ev.Report.Succeeded).
			Int("failed", ev.Report.Failed).
			Msg("deployment run finished")
	}
	return nil
}
