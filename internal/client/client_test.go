package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mblsha/webforge/internal/job"
)

func TestSubmitBuild_SendsRequestWithToken(t *testing.T) {
	var got job.Request
	var token string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/build" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		token = r.Header.Get("X-Build-Token")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(job.Accepted(got.ClientID))
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL + "/", Token: "secret"}
	req := job.Request{SourceURL: "https://example.com/site.zip", ClientID: "site", CallbackURL: "http://cb"}
	res, err := c.SubmitBuild(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != job.StatusAccepted || res.ClientID != "site" {
		t.Fatalf("unexpected response: %+v", res)
	}
	if got != req {
		t.Fatalf("server saw %+v", got)
	}
	if token != "secret" {
		t.Fatalf("expected token header, got %q", token)
	}
}

func TestClient_HandlesServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/build":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"build queue is full"}`))
		case "/health":
			_, _ = w.Write([]byte(`{"status":"starting"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := &HTTPClient{BaseURL: ts.URL}
	_, err := c.SubmitBuild(context.Background(), job.Request{ClientID: "site"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || !strings.Contains(statusErr.Body, "queue is full") {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
	if err := c.Health(context.Background()); err == nil {
		t.Fatalf("expected unhealthy status to fail")
	}
	if _, err := c.DownloadArtifact(context.Background(), "/artifacts/build_site.zip", &bytes.Buffer{}); !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError for missing artifact, got %v", err)
	}
}

func TestDownloadArtifact_AuthOnlyForOwnServer(t *testing.T) {
	var ownToken, foreignToken string
	own := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownToken = r.Header.Get("X-Build-Token")
		_, _ = w.Write([]byte("own"))
	}))
	defer own.Close()
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignToken = r.Header.Get("X-Build-Token")
		_, _ = w.Write([]byte("foreign"))
	}))
	defer foreign.Close()

	c := &HTTPClient{BaseURL: own.URL, Token: "secret"}
	var buf bytes.Buffer
	if _, err := c.DownloadArtifact(context.Background(), "/artifacts/build_site.zip", &buf); err != nil {
		t.Fatalf("download own: %v", err)
	}
	if _, err := c.DownloadArtifact(context.Background(), foreign.URL+"/bucket/build_site.zip", &buf); err != nil {
		t.Fatalf("download foreign: %v", err)
	}
	if buf.String() != "ownforeign" {
		t.Fatalf("unexpected body %q", buf.String())
	}
	if ownToken != "secret" || foreignToken != "" {
		t.Fatalf("token leaked or missing: own=%q foreign=%q", ownToken, foreignToken)
	}
}

func TestReceiver_DeliversFirstTerminalResult(t *testing.T) {
	r, err := Listen("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer r.Close()
	if !strings.HasPrefix(r.URL(), "http://127.0.0.1:") || !strings.HasSuffix(r.URL(), "/callback") {
		t.Fatalf("unexpected url %s", r.URL())
	}

	post := func(res job.Result) int {
		raw, _ := json.Marshal(res)
		resp, err := http.Post(r.URL(), "application/json", bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(job.Accepted("site")); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected non-terminal result to be rejected, got %d", code)
	}
	if code := post(job.Completed("site", "build_site.zip", "/artifacts/build_site.zip")); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := r.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != job.StatusCompleted || res.Artifact != "build_site.zip" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestReceiver_WaitHonorsContext(t *testing.T) {
	r, err := Listen("127.0.0.1:0", "builder.example")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer r.Close()
	if !strings.HasPrefix(r.URL(), "http://builder.example:") {
		t.Fatalf("unexpected url %s", r.URL())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
