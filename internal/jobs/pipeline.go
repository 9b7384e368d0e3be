// Package jobs runs optimization requests out-of-band on a bounded worker
// pool and exposes their state for polling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"kairos/internal/models"
)

// DefaultTimeout is the hard wall-clock budget of one job.
const DefaultTimeout = 300 * time.Second

const storeWriteTimeout = 10 * time.Second

var (
	// ErrStopped is returned by Submit when the pipeline is not running.
	ErrStopped = errors.New("job pipeline stopped")
)

// Optimizer produces a schedule for a job input. It is expected to absorb
// oracle failures itself; any error it returns fails the job.
type Optimizer interface {
	Optimize(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error)
}

// Repository is the job slice of storage.
type Repository interface {
	CreateJob(ctx context.Context, job models.OptimizationJob) error
	GetJob(ctx context.Context, id string) (models.OptimizationJob, error)
	StartJob(ctx context.Context, id string) error
	SucceedJob(ctx context.Context, id string, result models.ScheduleResult, at time.Time) error
	FailJob(ctx context.Context, id string, jobErr models.JobError, at time.Time) error
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config controls the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// Timeout is the per-job budget. 0 means DefaultTimeout.
	Timeout time.Duration
}

// Pipeline accepts jobs, runs them on Workers goroutines and records every
// state transition in the repository. Transitions are
// pending -> running -> succeeded|failed, each exactly once.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	repo      Repository
	optimizer Optimizer
	clock     func() time.Time
	newID     func() string

	mu     sync.Mutex
	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock passed to the optimizer as "now".
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithIDGenerator overrides job id generation (for tests).
func WithIDGenerator(newID func() string) Option {
	return func(p *Pipeline) {
		p.newID = newID
	}
}

// New creates a pipeline. Call Start before submitting.
func New(cfg Config, logger *slog.Logger, repo Repository, optimizer Optimizer, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	p := &Pipeline{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		optimizer: optimizer,
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It is a no-op if already running.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.queue = make(chan string, p.cfg.QueueSize)
	p.stopCh = make(chan struct{})
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, p.stopCh, p.queue)
	}
	p.logger.Info("Job pipeline started.", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize, "timeout", p.cfg.Timeout)
}

// Stop signals the workers, waits for the running jobs to settle (each is
// bounded by the job timeout) and fails jobs still waiting in the queue.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	stopCh, queue := p.stopCh, p.queue
	p.stopCh, p.queue = nil, nil
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Job pipeline stop timed out, abandoning running jobs.")
	}

	for {
		select {
		case id := <-queue:
			p.fail(ctx, id, models.JobError{Kind: models.JobErrorInternal, Message: ErrStopped.Error()})
		default:
			p.logger.Info("Job pipeline stopped.")
			return
		}
	}
}

// Submit records a pending job and queues it. It never waits for the optimizer.
func (p *Pipeline) Submit(ctx context.Context, userID string, in models.JobInput) (string, error) {
	p.mu.Lock()
	running := p.queue != nil
	p.mu.Unlock()
	if !running {
		return "", ErrStopped
	}

	job := models.OptimizationJob{
		ID:        p.newID(),
		UserID:    userID,
		State:     models.JobPending,
		Input:     in,
		CreatedAt: p.clock(),
	}
	if err := p.repo.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to record job: %w", err)
	}

	if err := p.enqueue(job.ID); err != nil {
		p.fail(ctx, job.ID, models.JobError{Kind: models.JobErrorInternal, Message: err.Error()})
		return "", err
	}
	p.logger.Info("Job submitted.", "jobID", job.ID, "userID", userID, "tasks", len(in.Tasks), "events", len(in.Events))
	return job.ID, nil
}

// enqueue hands id to the workers. The send happens under mu so a
// concurrent Stop either drains it or makes it fail here.
func (p *Pipeline) enqueue(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return ErrStopped
	}
	select {
	case p.queue <- id:
		return nil
	default:
		return models.ErrQueueFull
	}
}

// Status returns the current view of a job.
func (p *Pipeline) Status(ctx context.Context, id string) (models.OptimizationJob, error) {
	return p.repo.GetJob(ctx, id)
}

// Wait polls a job until it is terminal or ctx ends.
func (p *Pipeline) Wait(ctx context.Context, id string, every time.Duration) (models.OptimizationJob, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := p.repo.GetJob(ctx, id)
		if err != nil {
			return models.OptimizationJob{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	defer p.wg.Done()
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			p.execute(ctx, id)
		}
	}
}

type outcome struct {
	result models.ScheduleResult
	err    error
}

func (p *Pipeline) execute(ctx context.Context, id string) {
	job, err := p.repo.GetJob(ctx, id)
	if err != nil {
		p.logger.Error("Failed to load queued job.", "jobID", id, "error", err)
		return
	}
	if err := p.repo.StartJob(ctx, id); err != nil {
		p.logger.Error("Failed to start job.", "jobID", id, "error", err)
		return
	}
	started := time.Now()
	p.logger.Debug("Job started.", "jobID", id, "queueDelay", p.clock().Sub(job.CreatedAt))

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	// Buffered so an abandoned optimizer call can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Job panicked.", "jobID", id, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := p.optimizer.Optimize(runCtx, job.Input, p.clock())
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err == nil:
			p.succeed(ctx, id, out.result, started)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			p.timeout(ctx, id)
		default:
			p.fail(ctx, id, models.JobError{Kind: models.JobErrorInternal, Message: out.err.Error()})
		}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			p.fail(ctx, id, models.JobError{Kind: models.JobErrorInternal, Message: ErrStopped.Error()})
			return
		}
		// The optimizer call is abandoned; whatever it returns later is dropped.
		p.timeout(ctx, id)
	}
}

func (p *Pipeline) succeed(ctx context.Context, id string, result models.ScheduleResult, started time.Time) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := p.repo.SucceedJob(wctx, id, result, p.clock()); err != nil {
		p.logger.Error("Failed to record job result.", "jobID", id, "error", err)
		return
	}
	p.logger.Info("Job completed.", "jobID", id, "degraded", result.Degraded, "placedTasks", result.TaskCount(), "duration", time.Since(started))
}

func (p *Pipeline) timeout(ctx context.Context, id string) {
	p.logger.Warn("Job exceeded its time budget.", "jobID", id, "timeout", p.cfg.Timeout)
	p.fail(ctx, id, models.JobError{Kind: models.JobErrorTimeout, Message: fmt.Sprintf("%s after %s", models.ErrTimeout, p.cfg.Timeout)})
}

func (p *Pipeline) fail(ctx context.Context, id string, jobErr models.JobError) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()
	if err := p.repo.FailJob(wctx, id, jobErr, p.clock()); err != nil {
		p.logger.Error("Failed to record job failure.", "jobID", id, "error", err)
		return
	}
	p.logger.Warn("Job failed.", "jobID", id, "kind", jobErr.Kind, "error", jobErr.Message)
}
