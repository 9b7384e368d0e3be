package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the retention sweep every ten minutes.
const DefaultSweepSpec = "@every 10m"

// Sweeper periodically deletes terminal jobs older than the retention window.
type Sweeper struct {
	c         *cron.Cron
	repo      Repository
	retention time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

// NewSweeper parses the schedule (standard cron or a descriptor such as "@every 10m").
func NewSweeper(logger *slog.Logger, repo Repository, spec string, retention time.Duration) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultSweepSpec
	}
	if retention <= 0 {
		return nil, fmt.Errorf("job retention must be positive, got %s", retention)
	}
	s := &Sweeper{
		c:         cron.New(),
		repo:      repo,
		retention: retention,
		logger:    logger,
		clock:     time.Now,
	}
	if _, err := s.c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() { s.c.Start() }

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() { <-s.c.Stop().Done() }

// Sweep deletes expired jobs once.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.retention)
	n, err := s.repo.DeleteJobsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}
	return n, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("Job retention sweep failed.", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Deleted expired jobs.", "count", n, "retention", s.retention)
	}
}
