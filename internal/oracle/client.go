// Package oracle turns a day's fixed events and tasks into a proposed
// schedule using an external model, and decides whether to trust it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kairos/internal/models"
	"kairos/internal/schedule"
)

// Oracle is the opaque scheduling function: prompt in, raw JSON out.
// It may be slow and may fail.
type Oracle interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Client builds the oracle request, validates the answer and falls back to
// the untouched fixed events whenever the answer cannot be trusted. It never
// retries the oracle.
type Client struct {
	oracle Oracle
	logger *slog.Logger
}

// NewClient creates an optimization client around oracle.
func NewClient(logger *slog.Logger, oracle Oracle) *Client {
	return &Client{oracle: oracle, logger: logger}
}

// Optimize proposes a schedule for in at time now.
//
// Oracle errors, unparsable output and hard validation failures all produce
// a degraded result with a nil error. An error is returned only for an
// unusable timezone or when ctx ends while the oracle is running.
func (c *Client) Optimize(ctx context.Context, in models.JobInput, now time.Time) (models.ScheduleResult, error) {
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return models.ScheduleResult{}, fmt.Errorf("invalid timezone %q: %w", in.Timezone, err)
	}
	now = now.In(loc)

	if len(in.Tasks) == 0 {
		return models.ScheduleResult{Items: models.FixedItems(in.Events)}, nil
	}

	prompt, err := BuildPrompt(in, now)
	if err != nil {
		return models.ScheduleResult{}, err
	}

	c.logger.Info("Requesting schedule from oracle.", "tasks", len(in.Tasks), "events", len(in.Events), "timezone", in.Timezone)
	started := time.Now()
	raw, err := c.oracle.Generate(ctx, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.ScheduleResult{}, ctxErr
		}
		c.logger.Error("Oracle call failed, falling back to fixed events.", "error", err, "elapsed", time.Since(started))
		return models.Fallback(in.Events, models.ReasonOracleFailure), nil
	}

	items, err := ParseSchedule(raw)
	if err != nil {
		c.logger.Error("Oracle response rejected, falling back to fixed events.", "error", err)
		return models.Fallback(in.Events, models.ReasonParseFailure), nil
	}

	validated, err := schedule.Validate(in.Events, in.Tasks, items, now, loc)
	if err != nil {
		reason := models.ReasonValidation
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			reason = models.ReasonValidation + ":" + verr.Rule
		}
		c.logger.Warn("Oracle schedule failed validation, falling back to fixed events.", "reason", reason, "error", err)
		return models.Fallback(in.Events, reason), nil
	}
	for _, w := range validated.Warnings {
		c.logger.Warn("Schedule warning.", "warning", w)
	}

	result := models.ScheduleResult{Items: validated.Items, Warnings: validated.Warnings}
	c.logger.Info("Oracle schedule accepted.", "placedTasks", result.TaskCount(), "requestedTasks", len(in.Tasks), "elapsed", time.Since(started))
	return result, nil
}
