package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kairos/internal/models"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "kairos.db")}, slog.Default())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]Store{"memory": mem, "sqlite": sq}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, err := st.GetCredential(ctx, "u1", models.ProviderGoogle); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("GetCredential on empty store = %v, want ErrNotFound", err)
			}
			exp := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
			in := models.Credential{UserID: "u1", Provider: models.ProviderGoogle, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: exp}
			if err := st.PutCredential(ctx, in); err != nil {
				t.Fatalf("PutCredential: %v", err)
			}
			in.AccessToken = "a2"
			if err := st.PutCredential(ctx, in); err != nil {
				t.Fatalf("PutCredential replace: %v", err)
			}
			got, err := st.GetCredential(ctx, "u1", models.ProviderGoogle)
			if err != nil {
				t.Fatalf("GetCredential: %v", err)
			}
			if got.AccessToken != "a2" || got.RefreshToken != "r1" || !got.ExpiresAt.Equal(exp) {
				t.Fatalf("unexpected credential: %+v", got)
			}
		})
	}
}

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			job := models.OptimizationJob{
				ID:        "job-1",
				UserID:    "u1",
				State:     models.JobPending,
				Input:     models.JobInput{Timezone: "UTC", Tasks: []models.TaskRequest{{Title: "Write", Duration: 30, Priority: 2}}},
				CreatedAt: time.Now().Add(-2 * time.Hour),
			}
			if err := st.CreateJob(ctx, job); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := st.SucceedJob(ctx, job.ID, models.ScheduleResult{}, time.Now()); !errors.Is(err, ErrTransition) {
				t.Fatalf("SucceedJob from pending = %v, want ErrTransition", err)
			}
			if err := st.StartJob(ctx, job.ID); err != nil {
				t.Fatalf("StartJob: %v", err)
			}
			res := models.ScheduleResult{Items: []models.ScheduledItem{{Title: "Write", Start: "2025-01-01T10:00:00Z", End: "2025-01-01T10:30:00Z", Type: models.ItemTask}}}
			if err := st.SucceedJob(ctx, job.ID, res, time.Now()); err != nil {
				t.Fatalf("SucceedJob: %v", err)
			}
			if err := st.FailJob(ctx, job.ID, models.JobError{Kind: models.JobErrorTimeout}, time.Now()); !errors.Is(err, ErrTransition) {
				t.Fatalf("FailJob after success = %v, want ErrTransition", err)
			}
			got, err := st.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if got.State != models.JobSucceeded || got.Result == nil || len(got.Result.Items) != 1 || got.Error != nil {
				t.Fatalf("unexpected job: %+v", got)
			}
			if got.Input.Tasks[0].Title != "Write" {
				t.Fatalf("input not preserved: %+v", got.Input)
			}

			if err := st.StartJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("StartJob(missing) = %v, want ErrNotFound", err)
			}

			n, err := st.DeleteJobsBefore(ctx, time.Now().Add(-time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("DeleteJobsBefore = %d, %v; want 1", n, err)
			}
			if _, err := st.GetJob(ctx, job.ID); !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("GetJob after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDeleteKeepsActiveJobs(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			job := models.OptimizationJob{ID: "old-running", UserID: "u1", State: models.JobPending, CreatedAt: time.Now().Add(-48 * time.Hour)}
			if err := st.CreateJob(ctx, job); err != nil {
				t.Fatalf("CreateJob: %v", err)
			}
			if err := st.StartJob(ctx, job.ID); err != nil {
				t.Fatalf("StartJob: %v", err)
			}
			n, err := st.DeleteJobsBefore(ctx, time.Now())
			if err != nil || n != 0 {
				t.Fatalf("DeleteJobsBefore = %d, %v; want 0", n, err)
			}
		})
	}
}

func TestCommitLedger(t *testing.T) {
	ctx := context.Background()
	for name, st := range openStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			if _, ok, err := st.GetCommit(ctx, "k"); err != nil || ok {
				t.Fatalf("GetCommit on empty = %v, %v", ok, err)
			}
			if err := st.PutCommit(ctx, "k", "ext-1"); err != nil {
				t.Fatalf("PutCommit: %v", err)
			}
			id, ok, err := st.GetCommit(ctx, "k")
			if err != nil || !ok || id != "ext-1" {
				t.Fatalf("GetCommit = %q, %v, %v", id, ok, err)
			}
		})
	}
}

func TestSQLitePragmasApplied(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "kairos.db")}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if strings.Contains(logs.String(), "pragma") {
		t.Fatalf("unexpected pragma warning: %s", logs.String())
	}
	var mode string
	if err := st.(*sqliteStore).db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}
