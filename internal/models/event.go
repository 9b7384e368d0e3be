package models

import (
	"fmt"
	"time"
)

// DateLayout is the layout of all-day event boundaries as returned by the provider.
const DateLayout = "2006-01-02"

// CalendarEvent represents a fixed calendar entry read from the provider.
// This is an internal representation, independent of any specific calendar provider.
type CalendarEvent struct {
	ExternalID string `json:"id"`
	Title      string `json:"title"`
	Start      string `json:"start"` // RFC 3339 date-time, or YYYY-MM-DD for all-day events
	End        string `json:"end"`
	AllDay     bool   `json:"all_day,omitempty"`
	IsFixed    bool   `json:"is_fixed"`
	Source     string `json:"source"`
}

// Interval parses the event boundaries. All-day dates are anchored at midnight in loc.
func (e CalendarEvent) Interval(loc *time.Location) (time.Time, time.Time, error) {
	start, err := ParseTime(e.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start for event %q: %w", e.Title, err)
	}
	end, err := ParseTime(e.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end for event %q: %w", e.Title, err)
	}
	return start, end, nil
}

// ParseTime accepts an RFC 3339 timestamp or a bare date, which is interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, s, loc)
}
