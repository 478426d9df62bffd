// Package orchestrator runs one build task from source acquisition to the
// final callback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mblsha/webforge/internal/artifact"
	"github.com/mblsha/webforge/internal/builder"
	"github.com/mblsha/webforge/internal/detect"
	"github.com/mblsha/webforge/internal/diagnostics"
	"github.com/mblsha/webforge/internal/job"
	"github.com/mblsha/webforge/internal/metrics"
	"github.com/mblsha/webforge/internal/publish"
	"github.com/mblsha/webforge/internal/source"
)

const logPreviewBytes = 500

const (
	MessageUnsupportedSource = "Build failed: unsupported source type."
	MessageAcquisition       = "Build failed while fetching source."
	MessageBuildCommand      = "Build failed due to non-zero exit code in build script."
	MessageEmptyOutput       = "Build failed: output directory is empty or missing."
	MessagePublish           = "Build failed while publishing artifact."
	MessageUnexpected        = "Build failed due to unexpected error."
)

type Workspaces interface {
	CreateWorkspace(taskID string) (string, error)
	RemoveWorkspace(taskID string) error
}

type Acquirer interface {
	Acquire(ctx context.Context, sourceURL, workspace string) error
}

type Executor interface {
	Execute(ctx context.Context, command, dir string) (builder.ExecutionResult, error)
}

type Packager interface {
	Package(outputDir, clientID string) (string, error)
	Remove(path string) error
}

type Publisher interface {
	Publish(ctx context.Context, archivePath string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, url string, result job.Result)
}

type Orchestrator struct {
	Workspaces Workspaces
	Acquirer   Acquirer
	Executor   Executor
	Packager   Packager
	// Publisher is nil in local mode; artifacts then stay on disk and the
	// result carries no output URL.
	Publisher Publisher
	Notifier  Notifier

	Logger      *slog.Logger
	Metrics     metrics.Recorder
	TaskTimeout time.Duration
	Now         func() time.Time
}

// run holds what a task created and must clean up.
type run struct {
	task      *job.Task
	log       *slog.Logger
	workspace string
	archive   string
}

// Run executes task and returns its terminal result. The result is delivered
// to the task's callback URL exactly once before Run returns, and the
// workspace is removed on every path.
func (o *Orchestrator) Run(ctx context.Context, task *job.Task) (result job.Result) {
	started := o.now()
	r := &run{
		task: task,
		log:  o.logger().With("task_id", task.ID, "client_id", task.Request.ClientID),
	}
	o.recorder().IncActiveTasks()
	r.log.Info("build started", "status", job.StatusProcessing, "source_url", task.Request.SourceURL)

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("build panicked", "panic", rec)
			result = o.fail(r, fmt.Errorf("panic: %v", rec))
		}
		o.cleanup(r, result)
		o.recorder().DecActiveTasks()
		o.recorder().RecordTask(string(result.Status), o.now().Sub(started))
		o.Notifier.Notify(ctx, task.Request.CallbackURL, result)
	}()

	if o.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.TaskTimeout)
		defer cancel()
	}
	return o.pipeline(ctx, r)
}

func (o *Orchestrator) pipeline(ctx context.Context, r *run) job.Result {
	req := r.task.Request

	ws, err := o.Workspaces.CreateWorkspace(r.task.ID)
	if err != nil {
		return o.fail(r, err)
	}
	r.workspace = ws

	if err := o.stage(r, job.StageAcquiring, func() error {
		return o.Acquirer.Acquire(ctx, req.SourceURL, ws)
	}); err != nil {
		return o.fail(r, err)
	}

	var desc detect.Descriptor
	if err := o.stage(r, job.StageDetecting, func() error {
		desc = detect.Detect(ws)
		if desc.ManifestErr != nil {
			r.log.Warn("package.json could not be parsed", "error", desc.ManifestErr)
		}
		r.log.Info("project detected",
			"root", desc.ProjectRoot,
			"package_manager", desc.PackageManager,
			"framework", desc.Framework,
			"build_command", desc.BuildCommand,
		)
		return nil
	}); err != nil {
		return o.fail(r, err)
	}

	if desc.BuildCommand != "" {
		if err := o.stage(r, job.StageBuilding, func() error {
			return o.build(ctx, r, desc)
		}); err != nil {
			return o.fail(r, err)
		}
	}

	if err := o.stage(r, job.StagePackaging, func() error {
		outputDir := desc.OutputDir()
		r.log.Info("packaging output", "output_dir", outputDir)
		p, err := o.Packager.Package(outputDir, req.ClientID)
		if err != nil {
			return err
		}
		r.archive = p
		return nil
	}); err != nil {
		return o.fail(r, err)
	}

	name := filepath.Base(r.archive)
	var outputURL string
	if o.Publisher != nil {
		if err := o.stage(r, job.StagePublishing, func() error {
			u, err := o.Publisher.Publish(ctx, r.archive)
			if err != nil {
				return err
			}
			outputURL = u
			return nil
		}); err != nil {
			return o.fail(r, err)
		}
	}

	if err := r.task.Transition(job.StageCompleted, o.now()); err != nil {
		return o.fail(r, err)
	}
	r.log.Info("build completed", "artifact", name, "output_url", outputURL)
	return job.Completed(req.ClientID, name, outputURL)
}

func (o *Orchestrator) build(ctx context.Context, r *run, desc detect.Descriptor) error {
	res, err := o.Executor.Execute(ctx, desc.BuildCommand, desc.ProjectRoot)
	r.log.Info("build command finished",
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"stdout", diagnostics.Truncate(res.Stdout, logPreviewBytes),
		"stderr", diagnostics.Truncate(res.Stderr, logPreviewBytes),
	)
	var cmdErr *builder.CommandError
	if errors.As(err, &cmdErr) {
		report := diagnostics.BuildReport([]diagnostics.Stream{
			{Name: "stderr", Output: cmdErr.Stderr},
			{Name: "stdout", Output: cmdErr.Stdout},
		})
		kind, summary := diagnostics.InferFailure(report, cmdErr.Error())
		o.recorder().RecordBuildFailure(kind)
		r.log.Warn("build command failed",
			"failure_kind", kind,
			"summary", summary,
			"errors", report.ErrorCount,
			"warnings", report.WarningCount,
		)
	}
	return err
}

// stage moves the task into next and runs fn, recording its duration.
func (o *Orchestrator) stage(r *run, next job.Stage, fn func() error) error {
	if err := r.task.Transition(next, o.now()); err != nil {
		return err
	}
	started := o.now()
	err := fn()
	o.recorder().RecordStage(string(next), err == nil, o.now().Sub(started))
	return err
}

func (o *Orchestrator) fail(r *run, err error) job.Result {
	r.task.Fail(o.now())
	message, detail := Classify(err)
	r.log.Error("build failed",
		"stage", r.task.FailedStage,
		"message", message,
		"error", err,
	)
	return job.Failed(r.task.Request.ClientID, message, detail)
}

// Classify maps a pipeline error to the callback message and error detail.
func Classify(err error) (string, string) {
	var (
		acqErr *source.AcquisitionError
		cmdErr *builder.CommandError
		pubErr *publish.PublishError
	)
	switch {
	case errors.Is(err, source.ErrUnsupportedSourceType):
		return MessageUnsupportedSource, err.Error()
	case errors.As(err, &acqErr):
		return MessageAcquisition, err.Error()
	case errors.As(err, &cmdErr):
		return MessageBuildCommand, diagnostics.FormatCommandFailure(cmdErr.ExitCode, cmdErr.Stdout, cmdErr.Stderr)
	case errors.Is(err, artifact.ErrEmptyOutputDirectory):
		return MessageEmptyOutput, err.Error()
	case errors.As(err, &pubErr):
		return MessagePublish, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return MessageUnexpected, fmt.Sprintf("task timed out: %v", err)
	default:
		return MessageUnexpected, err.Error()
	}
}

// cleanup never fails the task. The archive is kept only for a successful
// local build.
func (o *Orchestrator) cleanup(r *run, result job.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("cleanup panicked", "panic", rec)
		}
	}()
	if r.archive != "" && (o.Publisher != nil || result.Status != job.StatusCompleted) {
		if err := o.Packager.Remove(r.archive); err != nil {
			r.log.Warn("remove artifact", "path", r.archive, "error", err)
		}
	}
	if r.workspace != "" {
		if err := o.Workspaces.RemoveWorkspace(r.task.ID); err != nil {
			r.log.Warn("remove workspace", "path", r.workspace, "error", err)
		}
	}
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Orchestrator) recorder() metrics.Recorder {
	if o.Metrics == nil {
		return metrics.Nop{}
	}
	return o.Metrics
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}
