package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kairos/internal/models"
)

type credentialKey struct {
	userID   string
	provider models.Provider
}

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu          sync.Mutex
	credentials map[credentialKey]models.Credential
	jobs        map[string]models.OptimizationJob
	commits     map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[credentialKey]models.Credential),
		jobs:        make(map[string]models.OptimizationJob),
		commits:     make(map[string]string),
	}
}

func (m *Memory) GetCredential(ctx context.Context, userID string, provider models.Provider) (models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credentialKey{userID, provider}]
	if !ok {
		return models.Credential{}, fmt.Errorf("credential for user %s: %w", userID, models.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) PutCredential(ctx context.Context, c models.Credential) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	m.mu.Lock()
	m.credentials[credentialKey{c.UserID, c.Provider}] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, job models.OptimizationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (models.OptimizationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.OptimizationJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (m *Memory) StartJob(ctx context.Context, id string) error {
	return m.transition(id, func(job *models.OptimizationJob) bool {
		if job.State != models.JobPending {
			return false
		}
		job.State = models.JobRunning
		return true
	})
}

func (m *Memory) SucceedJob(ctx context.Context, id string, result models.ScheduleResult, at time.Time) error {
	return m.transition(id, func(job *models.OptimizationJob) bool {
		if job.State != models.JobRunning {
			return false
		}
		r := cloneResult(result)
		job.State = models.JobSucceeded
		job.Result = &r
		job.FinishedAt = at
		return true
	})
}

func (m *Memory) FailJob(ctx context.Context, id string, jobErr models.JobError, at time.Time) error {
	return m.transition(id, func(job *models.OptimizationJob) bool {
		if job.State.Terminal() {
			return false
		}
		e := jobErr
		job.State = models.JobFailed
		job.Error = &e
		job.FinishedAt = at
		return true
	})
}

func (m *Memory) transition(id string, apply func(*models.OptimizationJob) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if !apply(&job) {
		return fmt.Errorf("job %s in state %s: %w", id, job.State, ErrTransition)
	}
	m.jobs[id] = job
	return nil
}

func (m *Memory) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.jobs {
		if job.State.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetCommit(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.commits[key]
	return id, ok, nil
}

func (m *Memory) PutCommit(ctx context.Context, key, externalID string) error {
	m.mu.Lock()
	m.commits[key] = externalID
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneJob(job models.OptimizationJob) models.OptimizationJob {
	job.Input.Events = append([]models.CalendarEvent(nil), job.Input.Events...)
	job.Input.Tasks = append([]models.TaskRequest(nil), job.Input.Tasks...)
	if job.Result != nil {
		r := cloneResult(*job.Result)
		job.Result = &r
	}
	if job.Error != nil {
		e := *job.Error
		job.Error = &e
	}
	return job
}

func cloneResult(r models.ScheduleResult) models.ScheduleResult {
	r.Items = append([]models.ScheduledItem(nil), r.Items...)
	r.Warnings = append([]string(nil), r.Warnings...)
	return r
}
