// Package runs executes materialization runs asynchronously so transports
// can enqueue work and poll for the outcome.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"planstate/internal/core"
	"planstate/pkg/domain"
)

// JobStatus describes the lifecycle stage of a queued run.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobPublished JobStatus = "published"
	JobBlocked   JobStatus = "blocked"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPublished, JobBlocked, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job tracks one enqueued run.
type Job struct {
	ID          string          `json:"id"`
	Request     core.RunRequest `json:"request"`
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	Report      *core.RunReport `json:"report,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Runner executes a run synchronously. *core.Service satisfies it.
type Runner interface {
	Run(ctx context.Context, req core.RunRequest) (core.RunReport, error)
}

// Scheduler queues runs and exposes their status.
type Scheduler interface {
	Enqueue(ctx context.Context, req core.RunRequest) (Job, error)
	Get(id string) (Job, bool)
	Cancel(id string) (Job, error)
}

// ErrQueueFull is returned when the queue has no capacity.
var ErrQueueFull = errors.New("run queue full")

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("run job not found")

// Worker drains the run queue on a single goroutine; runs within one
// job already fan out across entities.
type Worker struct {
	runner Runner
	logger core.Logger
	clock  core.Clock

	queue   chan string
	mu      sync.RWMutex
	jobs    map[string]*Job
	cancels map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(c core.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// NewWorker constructs a worker with a queue of the given capacity.
func NewWorker(runner Runner, capacity int, opts ...Option) *Worker {
	if capacity <= 0 {
		capacity = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		runner:  runner,
		logger:  core.NopLogger(),
		clock:   core.ClockFunc(func() time.Time { return time.Now().UTC() }),
		queue:   make(chan string, capacity),
		jobs:    make(map[string]*Job),
		cancels: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued runs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop cancels in-flight work and waits for the loop to exit.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue validates req and schedules it.
func (w *Worker) Enqueue(_ context.Context, req core.RunRequest) (Job, error) {
	if req.ScenarioID == "" || req.PlanID == "" {
		return Job{}, domain.NewError(domain.CodeInvalidConfig, domain.Key{}, "scenario_id and plan_id required")
	}
	if err := req.Window.Validate(); err != nil {
		return Job{}, err
	}
	now := w.clock.Now()
	job := &Job{ID: uuid.NewString(), Request: req, Status: JobQueued, CreatedAt: now, UpdatedAt: now}

	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case w.queue <- job.ID:
	default:
		return Job{}, ErrQueueFull
	}
	w.jobs[job.ID] = job
	return job.copy(), nil
}

// Get returns a snapshot of the job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

// List returns snapshots of every known job.
func (w *Worker) List() []Job {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Job, 0, len(w.jobs))
	for _, job := range w.jobs {
		out = append(out, job.copy())
	}
	return out
}

// Cancel stops a queued or running job. A queued job never starts; a running
// job's context is cancelled and the run publishes nothing.
func (w *Worker) Cancel(id string) (Job, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	switch job.Status {
	case JobQueued:
		w.finishLocked(job, JobCancelled, context.Canceled.Error(), nil)
	case JobRunning:
		if cancel := w.cancels[id]; cancel != nil {
			cancel()
		}
	}
	return job.copy(), nil
}

func (w *Worker) process(id string) {
	w.mu.Lock()
	job, ok := w.jobs[id]
	if !ok || job.Status != JobQueued {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	w.cancels[id] = cancel
	job.Status = JobRunning
	job.UpdatedAt = w.clock.Now()
	req := job.Request
	w.mu.Unlock()

	w.logger.Info("run job started", "job_id", id, "scenario_id", req.ScenarioID, "plan_id", req.PlanID)
	report, err := w.runner.Run(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, id)
	status, msg := outcome(report, err)
	w.finishLocked(job, status, msg, &report)
	if err != nil {
		w.logger.Warn("run job finished", "job_id", id, "status", status, "error", err)
	} else {
		w.logger.Info("run job finished", "job_id", id, "status", status)
	}
}

func outcome(report core.RunReport, err error) (JobStatus, string) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	switch report.Run.Status {
	case domain.RunPublished:
		return JobPublished, msg
	case domain.RunBlocked:
		return JobBlocked, msg
	case domain.RunCancelled:
		return JobCancelled, msg
	}
	if errors.Is(err, context.Canceled) {
		return JobCancelled, msg
	}
	if err == nil {
		return JobFailed, fmt.Sprintf("run ended in status %q", report.Run.Status)
	}
	return JobFailed, msg
}

func (w *Worker) finishLocked(job *Job, status JobStatus, msg string, report *core.RunReport) {
	now := w.clock.Now()
	job.Status = status
	job.Error = msg
	if report != nil && report.Run.RunID != "" {
		r := *report
		job.Report = &r
	}
	job.UpdatedAt = now
	job.CompletedAt = &now
}

func (j *Job) copy() Job {
	dup := *j
	if j.Report != nil {
		r := *j.Report
		dup.Report = &r
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		dup.CompletedAt = &t
	}
	return dup
}
