package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kairos/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func openSQLite(cfg Config, logger *slog.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite prefers a single writer; this also keeps credential writes serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("Failed to apply sqlite pragma.", "pragma", pragma, "error", err)
		}
	}

	st := &sqliteStore{db: db, logger: logger}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}
	logger.Debug("Opened sqlite store.", "path", path)
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetCredential(ctx context.Context, userID string, provider models.Provider) (models.Credential, error) {
	var (
		c         models.Credential
		refresh   sql.NullString
		expiresAt sql.NullInt64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, access_token, refresh_token, expires_at, updated_at
		 FROM credentials WHERE user_id = ? AND provider = ?`,
		userID, string(provider),
	).Scan(&c.UserID, &c.Provider, &c.AccessToken, &refresh, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential for user %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, err
	}
	c.RefreshToken = refresh.String
	if expiresAt.Valid {
		c.ExpiresAt = time.UnixMilli(expiresAt.Int64)
	}
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return c, nil
}

func (s *sqliteStore) PutCredential(ctx context.Context, c models.Credential) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = c.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, provider, access_token, refresh_token, expires_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		c.UserID, string(c.Provider), c.AccessToken, nullStr(c.RefreshToken), expiresAt, c.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) CreateJob(ctx context.Context, job models.OptimizationJob) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal job input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, user_id, state, input, created_at) VALUES(?,?,?,?,?)`,
		job.ID, job.UserID, string(job.State), string(input), job.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (models.OptimizationJob, error) {
	var (
		job        models.OptimizationJob
		input      string
		result     sql.NullString
		jobErr     sql.NullString
		createdAt  int64
		finishedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, state, input, result, error, created_at, finished_at FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.UserID, &job.State, &input, &result, &jobErr, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OptimizationJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.OptimizationJob{}, err
	}
	if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
		return models.OptimizationJob{}, fmt.Errorf("failed to decode input of job %s: %w", id, err)
	}
	if result.Valid {
		job.Result = &models.ScheduleResult{}
		if err := json.Unmarshal([]byte(result.String), job.Result); err != nil {
			return models.OptimizationJob{}, fmt.Errorf("failed to decode result of job %s: %w", id, err)
		}
	}
	if jobErr.Valid {
		job.Error = &models.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), job.Error); err != nil {
			return models.OptimizationJob{}, fmt.Errorf("failed to decode error of job %s: %w", id, err)
		}
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	if finishedAt.Valid {
		job.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return job, nil
}

func (s *sqliteStore) StartJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE id = ? AND state = ?`,
		string(models.JobRunning), id, string(models.JobPending),
	)
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) SucceedJob(ctx context.Context, id string, result models.ScheduleResult, at time.Time) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, finished_at = ? WHERE id = ? AND state = ?`,
		string(models.JobSucceeded), string(b), at.UnixMilli(), id, string(models.JobRunning),
	)
	return s.checkTransition(ctx, id, res, err)
}

func (s *sqliteStore) FailJob(ctx context.Context, id string, jobErr models.JobError, at time.Time) error {
	b, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, finished_at = ? WHERE id = ? AND state IN (?, ?)`,
		string(models.JobFailed), string(b), at.UnixMilli(), id, string(models.JobPending), string(models.JobRunning),
	)
	return s.checkTransition(ctx, id, res, err)
}

// checkTransition turns a zero-row update into ErrNotFound or ErrTransition.
func (s *sqliteStore) checkTransition(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s in state %s: %w", id, state, ErrTransition)
}

func (s *sqliteStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < ? AND state IN (?, ?)`,
		cutoff.UnixMilli(), string(models.JobSucceeded), string(models.JobFailed),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) GetCommit(ctx context.Context, key string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT external_id FROM commits WHERE key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *sqliteStore) PutCommit(ctx context.Context, key, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commits(key, external_id, created_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET external_id = excluded.external_id`,
		key, externalID, time.Now().UnixMilli(),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
