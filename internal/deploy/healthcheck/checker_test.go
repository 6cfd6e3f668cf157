package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/sitedeploy/internal/deploy/model"
	"github.com/qiniu/sitedeploy/internal/site"
)

func TestCheck_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		online bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"server error", http.StatusInternalServerError, false},
		{"not found", http.StatusNotFound, false},
		{"unavailable", http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			st := NewChecker(time.Second, 0).Check(context.Background(), "blog", srv.URL)
			assert.Equal(t, tt.online, st.Online)
			assert.Equal(t, tt.status, st.StatusCode)
			assert.Equal(t, "blog", st.SiteName)
			assert.False(t, st.CheckedAt.IsZero())
			if !tt.online {
				assert.NotEmpty(t, st.Error)
			}
		})
	}
}

func TestCheck_TimeoutIsOffline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	st := NewChecker(50*time.Millisecond, 0).Check(context.Background(), "slow", srv.URL)
	assert.False(t, st.Online)
	assert.NotEmpty(t, st.Error)
}

func TestCheck_UnreachableAndInvalid(t *testing.T) {
	c := NewChecker(200*time.Millisecond, 0)
	assert.False(t, c.Check(context.Background(), "down", "http://127.0.0.1:1").Online)
	assert.False(t, c.Check(context.Background(), "bad", "://nope").Online)
	assert.False(t, c.Check(context.Background(), "empty", "").Online)
}

func TestCheckAll_PreservesOrder(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(20 * time.Millisecond)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	sites := []site.Descriptor{
		{Name: "a", URL: ok.URL},
		{Name: "b", URL: bad.URL},
		{Name: "c", URL: ok.URL},
	}
	statuses := NewChecker(time.Second, 3).CheckAll(context.Background(), sites)
	require.Len(t, statuses, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{statuses[0].SiteName, statuses[1].SiteName, statuses[2].SiteName})
	assert.Equal(t, 1, model.CountOffline(statuses))
}

func TestCheckAll_PrefersHealthURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sites := []site.Descriptor{{Name: "shop", URL: srv.URL + "/", HealthURL: srv.URL + "/healthz"}}
	statuses := NewChecker(time.Second, 1).CheckAll(context.Background(), sites)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Online)
	assert.Equal(t, srv.URL+"/healthz", statuses[0].URL)
}

type recordingObserver struct {
	mu  sync.Mutex
	got []model.HealthStatus
}

func (r *recordingObserver) ObserveHealth(st model.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, st)
}

func TestRunOnce_NotifiesObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	obs := &recordingObserver{}
	statuses := runOnce(context.Background(), Deps{
		Checker:  NewChecker(time.Second, 1),
		Sites:    func() []site.Descriptor { return []site.Descriptor{{Name: "a", URL: srv.URL}} },
		Observer: obs,
	})
	require.Len(t, statuses, 1)
	require.Len(t, obs.got, 1)
	assert.True(t, obs.got[0].Online)
}

func TestStartScheduler_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartScheduler(ctx, Deps{Sites: func() []site.Descriptor { return nil }, Interval: 10 * time.Millisecond})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
