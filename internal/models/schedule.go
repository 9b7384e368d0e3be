package models

import "time"

// Item types produced by the oracle.
const (
	ItemEvent = "event"
	ItemTask  = "task"
)

// ScheduledItem is one placement in a proposed day.
type ScheduledItem struct {
	Title     string `json:"title"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Type      string `json:"type"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Interval parses the item boundaries.
func (i ScheduledItem) Interval(loc *time.Location) (time.Time, time.Time, error) {
	start, err := ParseTime(i.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseTime(i.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// Degradation reasons reported with a fallback schedule.
const (
	ReasonOracleFailure = "oracle_failure"
	ReasonParseFailure  = "parse_failure"
	ReasonValidation    = "validation"
)

// ScheduleResult is the outcome of one optimization run.
// Degraded is set when the oracle output could not be trusted and Items holds
// only the untouched fixed events.
type ScheduleResult struct {
	Items    []ScheduledItem `json:"items"`
	Degraded bool            `json:"degraded"`
	Reason   string          `json:"reason,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// TaskCount returns how many task placements the result carries.
func (r ScheduleResult) TaskCount() int {
	n := 0
	for _, it := range r.Items {
		if it.Type == ItemTask {
			n++
		}
	}
	return n
}

// FixedItems converts provider events into pass-through schedule items.
func FixedItems(events []CalendarEvent) []ScheduledItem {
	items := make([]ScheduledItem, 0, len(events))
	for _, e := range events {
		items = append(items, ScheduledItem{Title: e.Title, Start: e.Start, End: e.End, Type: ItemEvent})
	}
	return items
}

// Fallback returns the safe degraded result for the given fixed events.
func Fallback(events []CalendarEvent, reason string) ScheduleResult {
	return ScheduleResult{Items: FixedItems(events), Degraded: true, Reason: reason}
}
