// Package metrics records build service metrics.
package metrics

import (
	"time"
)

// Recorder receives metric events from the service components.
type Recorder interface {
	// RecordSubmission counts an intake decision: accepted, invalid,
	// queue_full or shutting_down.
	RecordSubmission(outcome string)

	// RecordStage records one pipeline stage of a task.
	RecordStage(stage string, success bool, duration time.Duration)

	// RecordTask records a finished task by terminal status.
	RecordTask(status string, duration time.Duration)

	// RecordBuildFailure counts a failed build command by inferred kind.
	RecordBuildFailure(kind string)

	// RecordCallback counts a callback delivery attempt.
	RecordCallback(success bool)

	// RecordSweep counts artifacts removed by the retention sweeper.
	RecordSweep(removed int)

	IncActiveTasks()
	DecActiveTasks()
	SetQueueDepth(n int)
}

// Nop discards every metric.
type Nop struct{}

func (Nop) RecordSubmission(string) {}
func (Nop) RecordStage(string, bool, time.Duration) {}
func (Nop) RecordTask(string, time.Duration) {}
func (Nop) RecordBuildFailure(string) {}
func (Nop) RecordCallback(bool) {}
func (Nop) RecordSweep(int) {}
func (Nop) IncActiveTasks() {}
func (Nop) DecActiveTasks() {}
func (Nop) SetQueueDepth(int) {}

func successLabel(success bool) string {
	if success {
		return "true"
	}
	return "false"
}
