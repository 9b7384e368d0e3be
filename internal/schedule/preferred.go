package schedule

import (
	"time"

	"kairos/internal/models"
)

// interval is a half-open [Start, End) span.
type interval struct {
	Start, End time.Time
}

func (a interval) overlaps(b interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// PreferredSlot resolves where a task with a preferred clock time is expected
// to start: today at that time in loc, or tomorrow if it has already elapsed
// relative to now, pushed past any fixed event it would collide with.
func PreferredSlot(task models.TaskRequest, fixed []models.CalendarEvent, now time.Time, loc *time.Location) (time.Time, bool) {
	if task.PreferredTime == "" {
		return time.Time{}, false
	}
	h, m, err := task.PreferredClock()
	if err != nil {
		return time.Time{}, false
	}
	busy := timedIntervals(fixed, loc)
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	if start.Before(now) {
		start = time.Date(local.Year(), local.Month(), local.Day()+1, h, m, 0, 0, loc)
	}
	return nextFree(start, task.Length(), busy), true
}

// nextFree returns the earliest start >= from where a span of length d does
// not overlap any busy interval.
func nextFree(from time.Time, d time.Duration, busy []interval) time.Time {
	start := from
	for {
		want := interval{Start: start, End: start.Add(d)}
		moved := false
		for _, b := range busy {
			if want.overlaps(b) && b.End.After(start) {
				start = b.End
				moved = true
			}
		}
		if !moved {
			return start
		}
	}
}

// timedIntervals returns the fixed events that block time. All-day events
// are markers and do not occupy slots.
func timedIntervals(fixed []models.CalendarEvent, loc *time.Location) []interval {
	out := make([]interval, 0, len(fixed))
	for _, e := range fixed {
		if e.AllDay {
			continue
		}
		start, end, err := e.Interval(loc)
		if err != nil {
			continue
		}
		out = append(out, interval{Start: start, End: end})
	}
	return out
}
