package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/mblsha/webforge/internal/archive"
	"github.com/mblsha/webforge/internal/artifact"
	"github.com/mblsha/webforge/internal/builder"
	"github.com/mblsha/webforge/internal/callback"
	"github.com/mblsha/webforge/internal/config"
	"github.com/mblsha/webforge/internal/discovery"
	"github.com/mblsha/webforge/internal/metrics"
	"github.com/mblsha/webforge/internal/orchestrator"
	"github.com/mblsha/webforge/internal/publish"
	"github.com/mblsha/webforge/internal/queue"
	"github.com/mblsha/webforge/internal/server"
	"github.com/mblsha/webforge/internal/source"
	"github.com/mblsha/webforge/internal/store"
)

var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] != "server" {
		usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	st := store.New(cfg)
	if err := st.EnsureDirs(); err != nil {
		return err
	}
	removeStaleWorkspaces(st, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewPrometheusRecorder(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runner builder.Runner = builder.OSRunner{}
	if strings.TrimSpace(os.Getenv("WEBFORGE_USE_FAKE_RUNNER")) == "1" {
		runner = &builder.FakeRunner{}
		logger.Warn("using fake build runner; build commands are not executed")
	}

	packager := artifact.NewPackager(st.ArtifactsDir())
	notifier := callback.New(cfg.CallbackTimeout, logger, rec)
	orch := &orchestrator.Orchestrator{
		Workspaces: st,
		Acquirer: source.NewAcquirer(nil, cfg.MaxDownloadBytes, archive.Limits{
			MaxFiles:      cfg.MaxExtractedFiles,
			MaxTotalBytes: cfg.MaxExtractedTotalBytes,
			MaxFileBytes:  cfg.MaxExtractedFileBytes,
		}),
		Executor:    builder.NewExecutor(cfg.Shell, cfg.MaxOutputBytes, runner),
		Packager:    packager,
		Notifier:    notifier,
		Logger:      logger,
		Metrics:     rec,
		TaskTimeout: cfg.TaskTimeout,
	}

	// Local mode serves artifacts itself; hosted mode hands them to the bucket.
	var artifacts server.Artifacts
	if cfg.Local {
		artifacts = packager
		sweeper := artifact.NewSweeper(st.ArtifactsDir(), cfg.ArtifactRetention, cfg.SweepInterval, logger)
		sweeper.OnRemove = rec.RecordSweep
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	} else {
		backend, err := publish.NewGCSBackend(ctx, cfg.Bucket, cfg.URLMode, cfg.SignedURLTTL)
		if err != nil {
			return err
		}
		defer backend.Close()
		orch.Publisher = publish.NewPublisher(backend, cfg.ObjectPrefix)
	}

	mgr := queue.New(cfg, orch, notifier, logger, rec)
	mgr.Start(ctx)

	api := server.New(cfg, mgr, artifacts, reg, logger)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.DiscoveryEnabled {
		if adv := advertise(cfg, logger); adv != nil {
			defer adv.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("webforge listening", "addr", cfg.ListenAddr, "local", cfg.Local, "workers", cfg.Workers, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		queueErr := mgr.Shutdown(shutdownCtx)
		return errors.Join(httpErr, queueErr)
	})
	return g.Wait()
}

func removeStaleWorkspaces(st *store.Store, logger *slog.Logger) {
	ids, err := st.Workspaces()
	if err != nil {
		logger.Warn("list stale workspaces", "error", err)
		return
	}
	for _, id := range ids {
		if err := st.RemoveWorkspace(id); err != nil {
			logger.Warn("remove stale workspace", "task_id", id, "error", err)
			continue
		}
		logger.Info("removed stale workspace", "task_id", id)
	}
}

func advertise(cfg config.Config, logger *slog.Logger) *discovery.Advertiser {
	port, err := discovery.ParseListenPort(cfg.ListenAddr)
	if err != nil {
		logger.Warn("discovery advertisement disabled", "error", err)
		return nil
	}
	mode := "hosted"
	if cfg.Local {
		mode = "local"
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostFallback()
	}
	adv, err := discovery.StartAdvertiser(discovery.Announcement{
		Instance: instance,
		Service:  cfg.DiscoveryService,
		Domain:   cfg.DiscoveryDomain,
		Port:     port,
		Mode:     mode,
		Version:  version,
	})
	if err != nil {
		logger.Warn("start discovery advertisement", "error", err)
		return nil
	}
	logger.Info("discovery advertisement enabled",
		"service", cfg.DiscoveryService,
		"domain", cfg.DiscoveryDomain,
		"instance", instance,
		"port", port,
	)
	return adv
}

func usage() {
	fmt.Fprintln(os.Stderr, "webforge usage:")
	fmt.Fprintln(os.Stderr, "  webforge")
	fmt.Fprintln(os.Stderr, "  webforge server")
}

func hostFallback() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return discovery.DefaultInstance
	}
	return strings.TrimSpace(hostname)
}
