// Package queue admits build requests and runs them on a bounded pool of
// workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mblsha/webforge/internal/config"
	"github.com/mblsha/webforge/internal/job"
	"github.com/mblsha/webforge/internal/metrics"
	"github.com/mblsha/webforge/internal/orchestrator"
)

var (
	ErrQueueFull    = errors.New("build queue is full")
	ErrShuttingDown = errors.New("server is shutting down")
)

const shutdownDetail = "server shutting down"

type Runner interface {
	Run(ctx context.Context, task *job.Task) job.Result
}

type Notifier interface {
	Notify(ctx context.Context, url string, result job.Result)
}

type Manager struct {
	workers  int
	runner   Runner
	notifier Notifier
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan *job.Task

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc
}

func New(cfg config.Config, r Runner, n Notifier, logger *slog.Logger, rec metrics.Recorder) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		workers:  workers,
		runner:   r,
		notifier: n,
		logger:   logger,
		metrics:  rec,
		now:      time.Now,
		queue:    make(chan *job.Task, cfg.QueueSize),
	}
}

// Start launches the workers. Cancelling ctx has the same effect on running
// tasks as Shutdown.
func (m *Manager) Start(ctx context.Context) {
	m.once.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		for i := 0; i < m.workers; i++ {
			m.wg.Add(1)
			go m.worker(ctx, i)
		}
	})
}

// Submit creates a task for req and queues it without blocking.
func (m *Manager) Submit(req job.Request) (*job.Task, error) {
	if err := req.Validate(); err != nil {
		m.metrics.RecordSubmission("invalid")
		return nil, err
	}
	task := job.NewTask(uuid.NewString(), req, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.metrics.RecordSubmission("shutting_down")
		return nil, ErrShuttingDown
	}
	select {
	case m.queue <- task:
	default:
		m.metrics.RecordSubmission("queue_full")
		return nil, ErrQueueFull
	}
	m.metrics.RecordSubmission("accepted")
	m.metrics.SetQueueDepth(len(m.queue))
	m.logger.Info("build queued", "task_id", task.ID, "client_id", req.ClientID, "status", job.StatusAccepted)
	return task, nil
}

// Shutdown stops intake, cancels running tasks and waits for the workers to
// exit or ctx to expire. Tasks still queued are failed and notified.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for workers: %w", ctx.Err())
	}
	m.drain(ctx)
	return err
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Len() int {
	return len(m.queue)
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	log := m.logger.With("worker", n)
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.queue:
			m.metrics.SetQueueDepth(len(m.queue))
			if ctx.Err() != nil {
				m.abandon(ctx, task)
				return
			}
			res := m.runner.Run(ctx, task)
			log.Debug("task finished", "task_id", task.ID, "status", res.Status)
		}
	}
}

func (m *Manager) drain(ctx context.Context) {
	for {
		select {
		case task := <-m.queue:
			m.abandon(ctx, task)
		default:
			m.metrics.SetQueueDepth(0)
			return
		}
	}
}

// abandon reports a task that never ran.
func (m *Manager) abandon(ctx context.Context, task *job.Task) {
	task.Fail(m.now())
	res := job.Failed(task.Request.ClientID, orchestrator.MessageUnexpected, shutdownDetail)
	m.logger.Warn("dropping queued build", "task_id", task.ID, "client_id", task.Request.ClientID)
	m.metrics.RecordTask(string(res.Status), 0)
	m.notifier.Notify(ctx, task.Request.CallbackURL, res)
}
