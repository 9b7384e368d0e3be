package models

import (
	"fmt"
	"strings"
	"time"
)

// Task priorities as sent by clients.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// TaskRequest is a flexible unit of work the user wants placed in the day.
type TaskRequest struct {
	Title         string `json:"title"`
	Duration      int    `json:"duration"` // minutes
	Priority      int    `json:"priority"`
	PreferredTime string `json:"preferred_time,omitempty"` // local clock time, HH:MM
}

// Normalize trims the title and applies the default priority.
func (t TaskRequest) Normalize() TaskRequest {
	t.Title = strings.TrimSpace(t.Title)
	t.PreferredTime = strings.TrimSpace(t.PreferredTime)
	if t.Priority == 0 {
		t.Priority = PriorityMedium
	}
	return t
}

// Validate checks a normalized task.
func (t TaskRequest) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if t.Duration <= 0 {
		return fmt.Errorf("task %q: duration must be positive", t.Title)
	}
	if t.Priority < PriorityLow || t.Priority > PriorityHigh {
		return fmt.Errorf("task %q: priority must be between %d and %d", t.Title, PriorityLow, PriorityHigh)
	}
	if t.PreferredTime != "" {
		if _, _, err := t.PreferredClock(); err != nil {
			return fmt.Errorf("task %q: %w", t.Title, err)
		}
	}
	return nil
}

// PreferredClock returns the hour and minute of the preferred time.
func (t TaskRequest) PreferredClock() (int, int, error) {
	pt, err := time.Parse("15:04", t.PreferredTime)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid preferred_time %q, expected HH:MM", t.PreferredTime)
	}
	return pt.Hour(), pt.Minute(), nil
}

// Length returns the task duration.
func (t TaskRequest) Length() time.Duration {
	return time.Duration(t.Duration) * time.Minute
}
