// Package healthcheck probes site URLs and classifies them online or offline.
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
	userAgent          = "sitedeploy-healthcheck/1.0"
)

// Checker issues bounded GET probes. Only a 2xx response is online.
type Checker struct {
	Client      *http.Client
	Timeout     time.Duration
	Concurrency int
}

// NewChecker returns a Checker with its own client.
func NewChecker(timeout time.Duration, concurrency int) *Checker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Checker{
		Client:      &http.Client{Timeout: timeout},
		Timeout:     timeout,
		Concurrency: concurrency,
	}
}

// Check never fails; every problem is folded into an offline status.
func (c *Checker) Check(ctx context.Context, name, url string) model.HealthStatus {
	st := model.HealthStatus{SiteName: name, URL: url, CheckedAt: time.Now()}
	if url == "" {
		st.Error = "no url configured"
		return st
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := client.Do(req)
	st.Latency = time.Since(start)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	st.StatusCode = resp.StatusCode
	st.Online = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !st.Online {
		st.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return st
}

// CheckAll probes every site concurrently; results keep descriptor order.
func (c *Checker) CheckAll(ctx context.Context, sites []site.Descriptor) []model.HealthStatus {
	out := make([]model.HealthStatus, len(sites))
	limit := c.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, d := range sites {
		g.Go(func() error {
			out[i] = c.Check(ctx, d.Name, d.ProbeURL())
			return nil
		})
	}
	_ = g.Wait()
	return out
}
