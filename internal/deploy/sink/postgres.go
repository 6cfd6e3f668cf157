package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
)

// RunStore is the history repository used by PostgresSink.
type RunStore interface {
	InsertRun(ctx context.Context, run model.RunSummary) error
	InsertSiteResult(ctx context.Context, res *model.SiteDeployResult) error
}

// DefaultStoreTimeout bounds persisting one run.
const DefaultStoreTimeout = 10 * time.Second

// PostgresSink persists finished runs. Publishing is called with a detached
// context, so every write is bounded by Timeout.
type PostgresSink struct {
	Store   RunStore
	Timeout time.Duration
}

func (s PostgresSink) Publish(ctx context.Context, ev Event) error {
	if ev.Type != RunFinished || ev.Report == nil {
		return nil
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Store.InsertRun(ctx, ev.Report.Summary(ev.Kind)); err != nil {
		return err
	}
	for _, res := range ev.Report.Results {
		if res == nil {
			continue
		}
		if err := s.Store.InsertSiteResult(ctx, res); err != nil {
			return fmt.Errorf("run %s: %w", ev.RunID, err)
		}
	}
	return nil
}
