package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
)

func finishedEvent() Event {
	finished := time.Date(2024, 3, 1, 12, 30, 0, 0, time.Local)
	report := &model.FleetDeployReport{
		RunID: "run-1",
		Results: []*model.SiteDeployResult{
			{SiteName: "blog", RunID: "run-1", OverallStatus: model.StatusSuccess},
			{SiteName: "shop", RunID: "run-1", OverallStatus: model.StatusFailure, FailedStep: model.StepBuild},
		},
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
	report.Tally()
	return Event{Type: RunFinished, RunID: "run-1", Kind: model.RunFleet, Time: finished, Report: report}
}

func TestMulti_IsolatesFailures(t *testing.T) {
	var got []EventType
	m := Multi{
		Func(func(context.Context, Event) error { return errors.New("disk full") }),
		nil,
		Func(func(_ context.Context, ev Event) error {
			got = append(got, ev.Type)
			return nil
		}),
	}
	require.NoError(t, m.Publish(context.Background(), Event{Type: RunStarted}))
	assert.Equal(t, []EventType{RunStarted}, got)
}

func TestLogSink_AllTypes(t *testing.T) {
	step := model.StepResult{Kind: model.StepBuild, Status: model.StepFailure, Reason: model.ReasonStepFailure}
	for _, ev := range []Event{
		{Type: RunStarted},
		{Type: StepFinished, Step: &step},
		{Type: StepFinished},
		{Type: SiteFinished, Result: &model.SiteDeployResult{OverallStatus: model.StatusFailure}},
		finishedEvent(),
	} {
		assert.NoError(t, LogSink{}.Publish(context.Background(), ev))
	}
}

func TestFileSink_WritesTimestampedReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	s := FileSink{Dir: dir}

	require.NoError(t, s.Publish(context.Background(), Event{Type: SiteFinished}))
	ev := finishedEvent()
	require.NoError(t, s.Publish(context.Background(), ev))
	require.NoError(t, s.Publish(context.Background(), ev))

	first := filepath.Join(dir, "deployment_20240301_123000.json")
	data, err := os.ReadFile(first)
	require.NoError(t, err)

	var report model.FleetDeployReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 2, report.TotalSites)
	assert.Equal(t, 1, report.Failed)
	assert.FileExists(t, filepath.Join(dir, "deployment_20240301_123000_2.json"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

type memRunStore struct {
	runs    []model.RunSummary
	results []*model.SiteDeployResult
	err     error
}

func (m *memRunStore) InsertRun(_ context.Context, run model.RunSummary) error {
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRunStore) InsertSiteResult(_ context.Context, res *model.SiteDeployResult) error {
	m.results = append(m.results, res)
	return nil
}

func TestPostgresSink(t *testing.T) {
	store := &memRunStore{}
	s := PostgresSink{Store: store}

	require.NoError(t, s.Publish(context.Background(), Event{Type: StepFinished}))
	require.NoError(t, s.Publish(context.Background(), finishedEvent()))
	require.Len(t, store.runs, 1)
	assert.Equal(t, model.RunFleet, store.runs[0].Kind)
	assert.Equal(t, 1, store.runs[0].Succeeded)
	assert.Len(t, store.results, 2)

	failing := PostgresSink{Store: &memRunStore{err: errors.New("connection reset")}}
	assert.Error(t, failing.Publish(context.Background(), finishedEvent()))
}

// hangingRunStore blocks like an unresponsive database until ctx ends.
type hangingRunStore struct{}

func (hangingRunStore) InsertRun(ctx context.Context, _ model.RunSummary) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingRunStore) InsertSiteResult(ctx context.Context, _ *model.SiteDeployResult) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPostgresSink_BoundedByTimeout(t *testing.T) {
	s := PostgresSink{Store: hangingRunStore{}, Timeout: 50 * time.Millisecond}

	start := time.Now()
	err := s.Publish(context.WithoutCancel(context.Background()), finishedEvent())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), Event{Type: SiteFinished, RunID: "run-9", Site: "blog"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, SiteFinished, ev.Type)
	assert.Equal(t, "blog", ev.Site)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
