package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/webforge/internal/job"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]any
	types    []string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		c.mu.Lock()
		c.payloads = append(c.payloads, payload)
		c.types = append(c.types, r.Header.Get("Content-Type"))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

type countingRecorder struct {
	okCount, failCount int
}

func (c *countingRecorder) RecordSubmission(string) {}
func (c *countingRecorder) RecordStage(string, bool, time.Duration) {}
func (c *countingRecorder) RecordTask(string, time.Duration) {}
func (c *countingRecorder) RecordBuildFailure(string) {}
func (c *countingRecorder) RecordSweep(int) {}
func (c *countingRecorder) IncActiveTasks() {}
func (c *countingRecorder) DecActiveTasks() {}
func (c *countingRecorder) SetQueueDepth(int) {}
func (c *countingRecorder) RecordCallback(ok bool) {
	if ok {
		c.okCount++
	} else {
		c.failCount++
	}
}

func TestNotify_PostsTerminalResult(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	rec := &countingRecorder{}
	n := New(time.Second, nil, rec)
	n.Notify(context.Background(), srv.URL, job.Completed("site", "build_site.zip", "https://cdn/build_site.zip"))

	require.Len(t, c.payloads, 1)
	assert.Equal(t, "application/json", c.types[0])
	assert.Equal(t, "completed", c.payloads[0]["status"])
	assert.Equal(t, "Build completed successfully", c.payloads[0]["message"])
	assert.Equal(t, "https://cdn/build_site.zip", c.payloads[0]["output_url"])
	_, hasError := c.payloads[0]["error"]
	assert.False(t, hasError)
	assert.Equal(t, 1, rec.okCount)
}

func TestNotify_RefusesNonTerminal(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	n := New(time.Second, nil, nil)
	n.Notify(context.Background(), srv.URL, job.Accepted("site"))
	n.Notify(context.Background(), srv.URL, job.Result{ClientID: "site", Status: job.StatusProcessing})
	assert.Empty(t, c.payloads)
}

func TestNotify_SwallowsFailures(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusInternalServerError))
	defer srv.Close()

	rec := &countingRecorder{}
	n := New(time.Second, nil, rec)
	n.Notify(context.Background(), srv.URL, job.Failed("site", "Build failed while fetching source.", "boom"))
	n.Notify(context.Background(), "http://127.0.0.1:1/unreachable", job.Failed("site", "x", "y"))
	n.Notify(context.Background(), "::not a url", job.Failed("site", "x", "y"))

	assert.Len(t, c.payloads, 1)
	assert.Equal(t, 3, rec.failCount)
}

func TestNotify_TimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	n := New(100*time.Millisecond, nil, nil)
	started := time.Now()
	n.Notify(context.Background(), srv.URL, job.Failed("site", "x", "y"))
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestNotify_DeliversAfterCancellation(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(time.Second, nil, nil).Notify(ctx, srv.URL, job.Failed("site", "Build failed due to unexpected error.", "context canceled"))
	require.Len(t, c.payloads, 1)
	assert.Equal(t, "failed", c.payloads[0]["status"])
}
