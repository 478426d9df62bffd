// Package callback delivers terminal build results to the requester's
// callback URL.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mblsha/webforge/internal/job"
	"github.com/mblsha/webforge/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// Notifier posts results as JSON. Delivery is best effort: a single attempt
// bounded by Timeout, with failures logged and never returned.
type Notifier struct {
	Client  *http.Client
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

func New(timeout time.Duration, logger *slog.Logger, rec metrics.Recorder) *Notifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Notifier{
		Client:  &http.Client{},
		Timeout: timeout,
		Logger:  logger,
		Metrics: rec,
	}
}

// Notify sends result to url. Cancellation of ctx does not abort delivery so
// tasks cut short by shutdown still report their outcome.
func (n *Notifier) Notify(ctx context.Context, url string, result job.Result) {
	log := n.Logger.With("client_id", result.ClientID, "status", result.Status, "callback_url", url)
	if !result.Status.Terminal() {
		log.Error("refusing to send non-terminal result")
		return
	}

	err := n.post(ctx, url, result)
	n.Metrics.RecordCallback(err == nil)
	if err != nil {
		log.Warn("callback delivery failed", "error", err)
		return
	}
	log.Info("callback delivered")
}

func (n *Notifier) post(ctx context.Context, url string, result job.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}
