// Package client talks to a running build service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/mblsha/webforge/internal/job"
)

const defaultAuthHeader = "X-Build-Token"

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

type HTTPClient struct {
	BaseURL    string
	Token      string
	AuthHeader string
	Client     *http.Client
}

// SubmitBuild posts req to /build and returns the acceptance response.
func (c *HTTPClient) SubmitBuild(ctx context.Context, req job.Request) (job.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return job.Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/build"), bytes.NewReader(body))
	if err != nil {
		return job.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return job.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return job.Result{}, statusError("submit", resp)
	}
	var res job.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return job.Result{}, fmt.Errorf("decode submit response: %w", err)
	}
	if res.Status != job.StatusAccepted {
		return job.Result{}, fmt.Errorf("submit response has status %q", res.Status)
	}
	return res, nil
}

func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/health"), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("health", resp)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if payload.Status != "healthy" {
		return fmt.Errorf("server reports status %q", payload.Status)
	}
	return nil
}

// ArtifactPath is the server-relative location of a locally hosted artifact.
// Local-mode callbacks carry only the artifact name.
func ArtifactPath(name string) string {
	return "/artifacts/" + url.PathEscape(name)
}

// DownloadArtifact copies an artifact to out. outputURL may be the absolute
// URL from a hosted-mode callback or a server-relative path from ArtifactPath.
func (c *HTTPClient) DownloadArtifact(ctx context.Context, outputURL string, out io.Writer) (int64, error) {
	target := outputURL
	if u, err := url.Parse(outputURL); err != nil || !u.IsAbs() {
		target = c.buildURL(outputURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(target, strings.TrimRight(c.base(), "/")+"/") {
		c.setAuth(req)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusError("download artifact", resp)
	}
	return io.Copy(out, resp.Body)
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

func (c *HTTPClient) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}
	return base
}

func (c *HTTPClient) buildURL(pathPart string) string {
	base := c.base()
	u, err := url.Parse(base)
	if err != nil {
		return base + pathPart
	}
	u.Path = path.Join(u.Path, pathPart)
	return u.String()
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPClient) setAuth(req *http.Request) {
	header := c.AuthHeader
	if header == "" {
		header = defaultAuthHeader
	}
	if strings.TrimSpace(c.Token) != "" {
		req.Header.Set(header, c.Token)
	}
}
