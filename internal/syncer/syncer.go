package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kairos/internal/models"
)

// Commit outcomes reported per requested item.
const (
	OutcomeCreated  = "created"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// ErrNotCompleted is returned by Commit for a job that has not succeeded.
var ErrNotCompleted = errors.New("job has not completed")

// Calendar is the provider gateway.
type Calendar interface {
	ListUpcoming(ctx context.Context, userID string) ([]models.CalendarEvent, error)
	Create(ctx context.Context, userID string, item models.ScheduledItem, timezone string) (string, error)
}

// Jobs is the asynchronous optimization pipeline.
type Jobs interface {
	Submit(ctx context.Context, userID string, in models.JobInput) (string, error)
	Status(ctx context.Context, id string) (models.OptimizationJob, error)
}

// Ledger remembers which placements were already written to the provider.
type Ledger interface {
	GetCommit(ctx context.Context, key string) (string, bool, error)
	PutCommit(ctx context.Context, key, externalID string) error
}

// Mirror receives a copy of every created placement. Failures are logged only.
type Mirror interface {
	Put(ctx context.Context, item models.ScheduledItem, uid string, loc *time.Location) error
}

// ItemOutcome is the commit result of one requested item.
type ItemOutcome struct {
	Title      string `json:"title"`
	Start      string `json:"start"`
	Outcome    string `json:"outcome"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CommitReport summarizes a commit.
type CommitReport struct {
	Created  int           `json:"created"`
	Skipped  int           `json:"skipped"`
	Rejected int           `json:"rejected"`
	Failed   int           `json:"failed"`
	Items    []ItemOutcome `json:"items"`
}

func (r *CommitReport) add(o ItemOutcome) {
	switch o.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeRejected:
		r.Rejected++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, o)
}

// Syncer ties the calendar, the job pipeline and the commit ledger together:
// fetch fixed events, submit a job, then write approved task placements back.
type Syncer struct {
	logger   *slog.Logger
	calendar Calendar
	jobs     Jobs
	ledger   Ledger
	mirror   Mirror
	commits  keyedMutex
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithMirror copies created placements to a secondary calendar.
func WithMirror(m Mirror) Option {
	return func(s *Syncer) {
		s.mirror = m
	}
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, calendar Calendar, jobs Jobs, ledger Ledger, opts ...Option) *Syncer {
	s := &Syncer{
		logger:   logger,
		calendar: calendar,
		jobs:     jobs,
		ledger:   ledger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the user's upcoming fixed events.
func (s *Syncer) Events(ctx context.Context, userID string) ([]models.CalendarEvent, error) {
	return s.calendar.ListUpcoming(ctx, userID)
}

// Plan validates the request, reads the user's fixed events and submits an
// optimization job. Auth and provider failures are returned as-is.
func (s *Syncer) Plan(ctx context.Context, userID string, tasks []models.TaskRequest, timezone string) (string, error) {
	in, err := normalizeInput(tasks, timezone)
	if err != nil {
		return "", err
	}

	events, err := s.calendar.ListUpcoming(ctx, userID)
	if err != nil {
		return "", err
	}
	in.Events = events

	id, err := s.jobs.Submit(ctx, userID, in)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	s.logger.Info("Planned schedule.", "userID", userID, "jobID", id, "events", len(events), "tasks", len(in.Tasks))
	return id, nil
}

// Status returns the user's job. Jobs of other users are reported as not found.
func (s *Syncer) Status(ctx context.Context, userID, jobID string) (models.OptimizationJob, error) {
	job, err := s.jobs.Status(ctx, jobID)
	if err != nil {
		return models.OptimizationJob{}, err
	}
	if job.UserID != userID {
		return models.OptimizationJob{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

// Commit writes the approved task placements of a succeeded job to the
// calendar. Each item is created at most once across commits; event items
// are never created. One failing item does not stop the others.
func (s *Syncer) Commit(ctx context.Context, userID, jobID string, approved []models.ScheduledItem) (CommitReport, error) {
	job, err := s.Status(ctx, userID, jobID)
	if err != nil {
		return CommitReport{}, err
	}
	if job.State != models.JobSucceeded || job.Result == nil {
		return CommitReport{}, fmt.Errorf("job %s is %s: %w", jobID, job.State.Status(), ErrNotCompleted)
	}
	loc, err := time.LoadLocation(job.Input.Timezone)
	if err != nil {
		return CommitReport{}, fmt.Errorf("job %s timezone: %w", jobID, err)
	}

	proposed := make(map[string]models.ScheduledItem, len(job.Result.Items))
	for _, it := range job.Result.Items {
		proposed[itemKey(it)] = it
	}

	// Approved items run to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	report := CommitReport{Items: make([]ItemOutcome, 0, len(approved))}
	for _, req := range approved {
		report.add(s.commitOne(ctx, userID, jobID, job.Input.Timezone, loc, proposed, req))
	}
	s.logger.Info("Commit finished.", "userID", userID, "jobID", jobID,
		"created", report.Created, "skipped", report.Skipped, "rejected", report.Rejected, "failed", report.Failed)
	return report, nil
}

func (s *Syncer) commitOne(ctx context.Context, userID, jobID, timezone string, loc *time.Location, proposed map[string]models.ScheduledItem, req models.ScheduledItem) ItemOutcome {
	out := ItemOutcome{Title: req.Title, Start: req.Start}

	item, ok := proposed[itemKey(req)]
	if !ok {
		out.Outcome = OutcomeRejected
		out.Error = "item is not part of the proposed schedule"
		return out
	}
	if item.Type == models.ItemEvent {
		out.Outcome = OutcomeSkipped
		s.logger.Debug("Skipping provider event.", "title", item.Title, "jobID", jobID)
		return out
	}

	key := jobID + "|" + itemKey(item)
	// Ledger read, create and ledger write form one step per key.
	unlock := s.commits.lock(key)
	defer unlock()

	externalID, done, err := s.ledger.GetCommit(ctx, key)
	if err != nil {
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		return out
	}
	if done {
		out.Outcome = OutcomeSkipped
		out.ExternalID = externalID
		s.logger.Debug("Placement already committed, skipping.", "title", item.Title, "jobID", jobID)
		return out
	}

	externalID, err = s.calendar.Create(ctx, userID, item, timezone)
	if err != nil {
		s.logger.Error("Failed to create placement.", "title", item.Title, "jobID", jobID, "error", err)
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		return out
	}
	out.Outcome = OutcomeCreated
	out.ExternalID = externalID

	if err := s.ledger.PutCommit(ctx, key, externalID); err != nil {
		s.logger.Error("Failed to record commit.", "title", item.Title, "jobID", jobID, "error", err)
	}
	if s.mirror != nil {
		uid := externalID
		if uid == "" {
			uid = key
		}
		if err := s.mirror.Put(ctx, item, uid, loc); err != nil {
			s.logger.Warn("Failed to mirror placement.", "title", item.Title, "error", err)
		}
	}
	return out
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func itemKey(it models.ScheduledItem) string {
	return it.Title + "|" + it.Start + "|" + it.End
}

func normalizeInput(tasks []models.TaskRequest, timezone string) (models.JobInput, error) {
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		return models.JobInput{}, fmt.Errorf("%w: timezone is required", models.ErrInvalidInput)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return models.JobInput{}, fmt.Errorf("%w: unknown timezone %q", models.ErrInvalidInput, timezone)
	}
	normalized := make([]models.TaskRequest, 0, len(tasks))
	for _, t := range tasks {
		t = t.Normalize()
		if err := t.Validate(); err != nil {
			return models.JobInput{}, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		normalized = append(normalized, t)
	}
	return models.JobInput{Tasks: normalized, Timezone: timezone}, nil
}
