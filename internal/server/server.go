// Package server exposes the build intake API over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mblsha/webforge/internal/artifact"
	"github.com/mblsha/webforge/internal/config"
	"github.com/mblsha/webforge/internal/job"
	"github.com/mblsha/webforge/internal/queue"
)

const maxRequestBodySize = 1 << 20

type Intake interface {
	Submit(req job.Request) (*job.Task, error)
}

type Artifacts interface {
	Open(name string) (*os.File, fs.FileInfo, error)
}

type API struct {
	cfg       config.Config
	intake    Intake
	artifacts Artifacts
	gatherer  prometheus.Gatherer
	guard     *guard
	logger    *slog.Logger
	router    chi.Router
}

// New builds the router. artifacts is nil in hosted mode, and gatherer may be
// nil to leave /metrics unmounted.
func New(cfg config.Config, intake Intake, artifacts Artifacts, gatherer prometheus.Gatherer, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		cfg:       cfg,
		intake:    intake,
		artifacts: artifacts,
		gatherer:  gatherer,
		guard:     newGuard(cfg.Token, cfg.AuthHeader, cfg.Allowlist),
		logger:    logger,
		router:    chi.NewRouter(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() {
	r := a.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/health", a.handleHealth)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(a.guard.middleware)
		r.With(limitBody).Post("/build", a.handleBuild)
		r.Get("/artifacts/{name}", a.handleArtifact)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type validationError struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (a *API) handleBuild(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, validationError{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, validationError{Error: err.Error()})
		return
	}
	if !json.Valid(raw) {
		writeJSON(w, http.StatusBadRequest, validationError{Error: "request body is not valid JSON"})
		return
	}

	details, err := validateBuildRequest(raw)
	if err != nil {
		a.logger.Error("schema validation", "error", err)
		writeJSON(w, http.StatusInternalServerError, validationError{Error: "internal server error"})
		return
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, validationError{Error: "invalid build request", Details: details})
		return
	}

	var req job.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, validationError{Error: err.Error()})
		return
	}

	if _, err := a.intake.Submit(req); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrShuttingDown):
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusServiceUnavailable, validationError{Error: err.Error()})
		default:
			writeJSON(w, http.StatusUnprocessableEntity, validationError{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, job.Accepted(req.ClientID))
}

func (a *API) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if a.artifacts == nil {
		writeJSON(w, http.StatusNotFound, validationError{Error: "artifacts are not served in hosted mode"})
		return
	}
	name := chi.URLParam(r, "name")
	f, fi, err := a.artifacts.Open(name)
	if err != nil {
		switch {
		case errors.Is(err, artifact.ErrInvalidName), errors.Is(err, artifact.ErrNotFound):
			writeJSON(w, http.StatusNotFound, validationError{Error: "artifact not found"})
		default:
			a.logger.Error("open artifact", "name", name, "error", err)
			writeJSON(w, http.StatusInternalServerError, validationError{Error: "internal server error"})
		}
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fi.Name()))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
