package job

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the externally visible state of a build request.
type Status string

const (
	StatusAccepted   Status = "accepted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request names the source to build and where to report the outcome.
type Request struct {
	SourceURL   string `json:"source_url"`
	ClientID    string `json:"client_id"`
	CallbackURL string `json:"callback_url"`
}

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func (r Request) Validate() error {
	if strings.TrimSpace(r.SourceURL) == "" {
		return errors.New("source_url is required")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if !ValidClientID(r.ClientID) {
		return fmt.Errorf("client_id %q must match %s", r.ClientID, clientIDPattern.String())
	}
	if strings.TrimSpace(r.CallbackURL) == "" {
		return errors.New("callback_url is required")
	}
	return nil
}

// ValidClientID reports whether id is safe to embed in a file name.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// Result is both the synchronous intake response and the callback payload.
type Result struct {
	Message   string `json:"message"`
	ClientID  string `json:"client_id"`
	Status    Status `json:"status"`
	Artifact  string `json:"artifact,omitempty"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

func Accepted(clientID string) Result {
	return Result{Message: "Build request accepted and queued", ClientID: clientID, Status: StatusAccepted}
}

func Completed(clientID, artifact, outputURL string) Result {
	return Result{
		Message:   "Build completed successfully",
		ClientID:  clientID,
		Status:    StatusCompleted,
		Artifact:  artifact,
		OutputURL: outputURL,
	}
}

func Failed(clientID, message, detail string) Result {
	return Result{Message: message, ClientID: clientID, Status: StatusFailed, Error: detail}
}

// Stage is a step of the build pipeline.
type Stage string

const (
	StageCreated    Stage = "created"
	StageAcquiring  Stage = "acquiring"
	StageDetecting  Stage = "detecting"
	StageBuilding   Stage = "building"
	StagePackaging  Stage = "packaging"
	StagePublishing Stage = "publishing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Task is one accepted request moving through the pipeline. It is owned by a
// single goroutine and is not safe for concurrent use.
type Task struct {
	ID      string
	Request Request

	Stage       Stage
	FailedStage Stage

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

func NewTask(id string, req Request, now time.Time) *Task {
	return &Task{
		ID:        id,
		Request:   req,
		Stage:     StageCreated,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (t *Task) Transition(next Stage, now time.Time) error {
	if !isValidTransition(t.Stage, next) {
		return fmt.Errorf("invalid transition %s -> %s", t.Stage, next)
	}
	n := now.UTC()
	t.UpdatedAt = n
	if next == StageFailed {
		t.FailedStage = t.Stage
	}
	t.Stage = next
	if t.Terminal() {
		t.FinishedAt = &n
	}
	return nil
}

// Fail moves the task to failed from whatever stage it is in. It is a no-op
// on a task that already finished.
func (t *Task) Fail(now time.Time) {
	if t.Terminal() {
		return
	}
	_ = t.Transition(StageFailed, now)
}

func (t *Task) Terminal() bool {
	return t.Stage == StageCompleted || t.Stage == StageFailed
}

func isValidTransition(from, to Stage) bool {
	switch from {
	case StageCompleted, StageFailed:
		return false
	}
	if to == StageFailed {
		return true
	}
	switch from {
	case StageCreated:
		return to == StageAcquiring
	case StageAcquiring:
		return to == StageDetecting
	case StageDetecting:
		return to == StageBuilding || to == StagePackaging
	case StageBuilding:
		return to == StagePackaging
	case StagePackaging:
		return to == StagePublishing || to == StageCompleted
	case StagePublishing:
		return to == StageCompleted
	default:
		return false
	}
}
