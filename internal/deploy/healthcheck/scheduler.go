package healthcheck

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

// Observer receives every scheduled probe result.
type Observer interface {
	ObserveHealth(model.HealthStatus)
}

type Deps struct {
	Checker  *Checker
	Sites    func() []site.Descriptor
	Observer Observer
	Interval time.Duration
}

// StartScheduler probes the fleet every Interval until ctx is done.
func StartScheduler(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = time.Minute
	}
	if deps.Checker == nil {
		deps.Checker = NewChecker(0, 0)
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()

	runOnce(ctx, deps)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce(ctx, deps)
		}
	}
}

func runOnce(ctx context.Context, deps Deps) []model.HealthStatus {
	if deps.Sites == nil {
		return nil
	}
	statuses := deps.Checker.CheckAll(ctx, deps.Sites())
	if ctx.Err() != nil {
		return statuses
	}
	for _, st := range statuses {
		if deps.Observer != nil {
			deps.Observer.ObserveHealth(st)
		}
		if !st.Online {
			log.Warn().Str("site", st.SiteName).Str("url", st.URL).Int("status_code", st.StatusCode).Str("error", st.Error).Msg("site offline")
		}
	}
	log.Debug().Int("sites", len(statuses)).Int("offline", model.CountOffline(statuses)).Msg("healthcheck round done")
	return statuses
}
