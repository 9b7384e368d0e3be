package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kairos/internal/models"
	"kairos/internal/storage"
)

type optimizerFunc func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error)

func (f optimizerFunc) Optimize(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
	return f(ctx, in, now)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startPipeline(t *testing.T, cfg Config, opt Optimizer) (*Pipeline, *storage.Memory) {
	t.Helper()
	repo := storage.NewMemory()
	var seq atomic.Int32
	p := New(cfg, testLogger(), repo, opt, WithIDGenerator(func() string {
		return fmt.Sprintf("job-%d", seq.Add(1))
	}))
	p.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p, repo
}

func waitTerminal(t *testing.T, p *Pipeline, id string) models.OptimizationJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := p.Wait(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait(%s): %v (state %s)", id, err, job.State)
	}
	return job
}

var input = models.JobInput{
	Timezone: "UTC",
	Tasks:    []models.TaskRequest{{Title: "Write", Duration: 30, Priority: 2}},
}

func TestJobSucceeds(t *testing.T) {
	want := models.ScheduleResult{Items: []models.ScheduledItem{{Title: "Write", Start: "2025-01-01T10:00:00Z", End: "2025-01-01T10:30:00Z", Type: models.ItemTask}}}
	p, _ := startPipeline(t, Config{Workers: 1}, optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
		return want, nil
	}))

	id, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, p, id)
	if job.State != models.JobSucceeded || job.Result == nil || job.Error != nil {
		t.Fatalf("unexpected job: %+v", job)
	}
	if len(job.Result.Items) != 1 || job.UserID != "u1" {
		t.Fatalf("unexpected result: %+v", job)
	}
}

func TestDegradedResultStillSucceeds(t *testing.T) {
	p, _ := startPipeline(t, Config{Workers: 1}, optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
		return models.Fallback(in.Events, models.ReasonParseFailure), nil
	}))
	id, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, p, id)
	if job.State != models.JobSucceeded || !job.Result.Degraded {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitDoesNotBlockOnSlowOptimizer(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p, _ := startPipeline(t, Config{Workers: 1, Timeout: time.Minute}, optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return models.ScheduleResult{}, nil
	}))

	start := time.Now()
	id, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Submit blocked on the optimizer")
	}
	job, err := p.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if job.State.Terminal() {
		t.Fatalf("job already terminal: %s", job.State)
	}
}

func TestTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	p, repo := startPipeline(t, Config{Workers: 1, Timeout: 50 * time.Millisecond}, optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
		defer close(returned)
		<-release // ignores ctx, like an uncancellable oracle call
		return models.ScheduleResult{Items: []models.ScheduledItem{{Title: "late"}}}, nil
	}))

	id, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, p, id)
	if job.State != models.JobFailed || job.Error == nil || job.Error.Kind != models.JobErrorTimeout {
		t.Fatalf("unexpected job after timeout: %+v", job)
	}

	close(release)
	<-returned
	time.Sleep(20 * time.Millisecond)
	after, err := repo.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if after.State != models.JobFailed || after.Result != nil {
		t.Fatalf("late result altered the job: %+v", after)
	}
}

func TestOptimizerErrorAndPanicFailJob(t *testing.T) {
	tests := []struct {
		name string
		opt  optimizerFunc
	}{
		{name: "error", opt: func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
			return models.ScheduleResult{}, errors.New("boom")
		}},
		{name: "panic", opt: func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
			panic("unexpected")
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, _ := startPipeline(t, Config{Workers: 1}, tt.opt)
			id, err := p.Submit(context.Background(), "u1", input)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			job := waitTerminal(t, p, id)
			if job.State != models.JobFailed || job.Error == nil || job.Error.Kind != models.JobErrorInternal || job.Result != nil {
				t.Fatalf("unexpected job: %+v", job)
			}
		})
	}
}

func TestQueueFullAndBoundedWorkers(t *testing.T) {
	running := make(chan struct{}, 4)
	release := make(chan struct{})
	p, _ := startPipeline(t, Config{Workers: 1, QueueSize: 1, Timeout: time.Minute}, optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
		running <- struct{}{}
		<-release
		return models.ScheduleResult{}, nil
	}))

	first, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-running
	second, err := p.Submit(context.Background(), "u1", input)
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if _, err := p.Submit(context.Background(), "u1", input); !errors.Is(err, models.ErrQueueFull) {
		t.Fatalf("Submit third error = %v, want ErrQueueFull", err)
	}

	job, _ := p.Status(context.Background(), second)
	if job.State != models.JobPending {
		t.Fatalf("second job state = %s, want pending while the only worker is busy", job.State)
	}
	close(release)
	if job := waitTerminal(t, p, first); job.State != models.JobSucceeded {
		t.Fatalf("first job state = %s", job.State)
	}
	if job := waitTerminal(t, p, second); job.State != models.JobSucceeded {
		t.Fatalf("second job state = %s", job.State)
	}
}

func TestSubmitWhenStopped(t *testing.T) {
	p := New(Config{}, testLogger(), storage.NewMemory(), optimizerFunc(nil))
	if _, err := p.Submit(context.Background(), "u1", input); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit error = %v, want ErrStopped", err)
	}
}

func TestSweeperDeletesExpiredJobs(t *testing.T) {
	repo := storage.NewMemory()
	ctx := context.Background()
	old := models.OptimizationJob{ID: "old", State: models.JobPending, CreatedAt: time.Now().Add(-48 * time.Hour)}
	if err := repo.CreateJob(ctx, old); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := repo.FailJob(ctx, old.ID, models.JobError{Kind: models.JobErrorTimeout}, time.Now()); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	fresh := models.OptimizationJob{ID: "fresh", State: models.JobPending, CreatedAt: time.Now()}
	if err := repo.CreateJob(ctx, fresh); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	s, err := NewSweeper(testLogger(), repo, "", 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := s.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1", n, err)
	}
	if _, err := repo.GetJob(ctx, "fresh"); err != nil {
		t.Fatalf("fresh job removed: %v", err)
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	if _, err := NewSweeper(testLogger(), storage.NewMemory(), "every now and then", time.Hour); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestStopLeavesNoJobPending(t *testing.T) {
	repo := storage.NewMemory()
	var (
		mu  sync.Mutex
		ids []string
		seq atomic.Int32
	)
	p := New(Config{Workers: 1, QueueSize: 8, Timeout: time.Second}, testLogger(), repo,
		optimizerFunc(func(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
			time.Sleep(time.Millisecond)
			return models.ScheduleResult{}, nil
		}),
		WithIDGenerator(func() string {
			id := fmt.Sprintf("job-%d", seq.Add(1))
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return id
		}))
	p.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Submit(context.Background(), "u1", input)
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Stop(ctx)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		job, err := repo.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob(%s): %v", id, err)
		}
		if !job.State.Terminal() {
			t.Errorf("job %s left %s after Stop", id, job.State)
		}
	}
}
