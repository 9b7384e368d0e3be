// Package storage persists credentials, optimization jobs and the commit
// ledger.
//
// Drivers:
//   - memory: process-local maps, used by tests and the one-shot CLI
//   - sqlite: durable single-file database (modernc.org/sqlite, no cgo)
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"kairos/internal/models"
)

// ErrTransition is returned when a job state change is not allowed from its current state.
var ErrTransition = errors.New("job state transition rejected")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// Store is the persistence API used by the core.
type Store interface {
	GetCredential(ctx context.Context, userID string, provider models.Provider) (models.Credential, error)
	// PutCredential replaces the whole credential row in one write.
	PutCredential(ctx context.Context, c models.Credential) error

	CreateJob(ctx context.Context, job models.OptimizationJob) error
	GetJob(ctx context.Context, id string) (models.OptimizationJob, error)
	// StartJob moves a job from pending to running.
	StartJob(ctx context.Context, id string) error
	// SucceedJob moves a running job to succeeded.
	SucceedJob(ctx context.Context, id string, result models.ScheduleResult, at time.Time) error
	// FailJob moves a pending or running job to failed.
	FailJob(ctx context.Context, id string, jobErr models.JobError, at time.Time) error
	// DeleteJobsBefore removes terminal jobs created before the cutoff.
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetCommit(ctx context.Context, key string) (externalID string, ok bool, err error)
	PutCommit(ctx context.Context, key, externalID string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
