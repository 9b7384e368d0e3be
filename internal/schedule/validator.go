// Package schedule checks oracle-proposed schedules against the fixed
// calendar and the requested tasks.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"kairos/internal/models"
)

// Validated is a schedule that passed every hard rule.
type Validated struct {
	Items    []models.ScheduledItem
	Warnings []string
}

type placed struct {
	item models.ScheduledItem
	span interval
	// allDay marks pass-through all-day events, which never block time.
	allDay bool
}

// Validate checks proposed against the hard rules: fixed events pass through
// unmodified, no two timed items overlap, no task starts before now, and
// every task item maps to exactly one requested task. Any violation returns
// a *models.ValidationError naming the rule.
//
// Preferred-time misses are soft and reported as warnings. Event items in the
// returned schedule carry the provider's original start/end strings; task
// items are rendered as RFC 3339 in loc. Items are ordered by start.
func Validate(fixed []models.CalendarEvent, tasks []models.TaskRequest, proposed []models.ScheduledItem, now time.Time, loc *time.Location) (Validated, error) {
	if loc == nil {
		loc = time.UTC
	}

	items := make([]placed, 0, len(proposed))
	for i, it := range proposed {
		if it.Type != models.ItemEvent && it.Type != models.ItemTask {
			return Validated{}, violation(models.RuleWellFormed, "item %d (%q) has unknown type %q", i, it.Title, it.Type)
		}
		start, end, err := it.Interval(loc)
		if err != nil {
			return Validated{}, violation(models.RuleWellFormed, "item %d (%q): %v", i, it.Title, err)
		}
		if !end.After(start) {
			return Validated{}, violation(models.RuleWellFormed, "item %d (%q) ends before it starts", i, it.Title)
		}
		items = append(items, placed{item: it, span: interval{Start: start, End: end}})
	}

	if err := checkFixedEvents(fixed, items, loc); err != nil {
		return Validated{}, err
	}
	if err := checkOverlap(items); err != nil {
		return Validated{}, err
	}
	for _, p := range items {
		if p.item.Type == models.ItemTask && p.span.Start.Before(now) {
			return Validated{}, violation(models.RuleNotInPast, "task %q starts at %s, before now (%s)",
				p.item.Title, p.span.Start.In(loc).Format(time.RFC3339), now.In(loc).Format(time.RFC3339))
		}
	}
	byTitle, err := checkProvenance(tasks, items)
	if err != nil {
		return Validated{}, err
	}

	var warnings []string
	for _, task := range tasks {
		queue := byTitle[task.Title]
		if len(queue) == 0 {
			continue
		}
		p := queue[0]
		byTitle[task.Title] = queue[1:]
		if got := p.span.End.Sub(p.span.Start); got != task.Length() {
			warnings = append(warnings, fmt.Sprintf("task %q placed for %s, requested %s", task.Title, got, task.Length()))
		}
		if p.item.Reasoning == "" {
			warnings = append(warnings, fmt.Sprintf("task %q has no reasoning", task.Title))
		}
		want, ok := PreferredSlot(task, fixed, now, loc)
		if ok && !p.span.Start.Equal(want) {
			warnings = append(warnings, fmt.Sprintf("%s: task %q starts at %s, preferred slot resolves to %s",
				models.RulePreferredTime, task.Title, p.span.Start.In(loc).Format(time.RFC3339), want.Format(time.RFC3339)))
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].span.Start.Before(items[j].span.Start)
	})
	out := make([]models.ScheduledItem, 0, len(items))
	for _, p := range items {
		if p.item.Type == models.ItemTask {
			p.item.Start = p.span.Start.In(loc).Format(time.RFC3339)
			p.item.End = p.span.End.In(loc).Format(time.RFC3339)
		}
		out = append(out, p.item)
	}
	return Validated{Items: out, Warnings: warnings}, nil
}

// checkFixedEvents pairs every fixed event with exactly one event item of the
// same span and rewrites that item to the provider's original values.
func checkFixedEvents(fixed []models.CalendarEvent, items []placed, loc *time.Location) error {
	used := make([]bool, len(items))
	for _, e := range fixed {
		start, end, err := e.Interval(loc)
		if err != nil {
			return violation(models.RuleFixedEvents, "%v", err)
		}
		match := -1
		for i, p := range items {
			if used[i] || p.item.Type != models.ItemEvent {
				continue
			}
			if !p.span.Start.Equal(start) || !p.span.End.Equal(end) {
				continue
			}
			match = i
			if p.item.Title == e.Title {
				break
			}
		}
		if match < 0 {
			return violation(models.RuleFixedEvents, "fixed event %q (%s - %s) missing or moved", e.Title, e.Start, e.End)
		}
		used[match] = true
		items[match].item = models.ScheduledItem{Title: e.Title, Start: e.Start, End: e.End, Type: models.ItemEvent}
		items[match].allDay = e.AllDay
	}
	for i, p := range items {
		if p.item.Type == models.ItemEvent && !used[i] {
			return violation(models.RuleFixedEvents, "event item %q (%s - %s) does not match any fixed event", p.item.Title, p.item.Start, p.item.End)
		}
	}
	return nil
}

func checkOverlap(items []placed) error {
	timed := make([]placed, 0, len(items))
	for _, p := range items {
		if !p.allDay {
			timed = append(timed, p)
		}
	}
	sort.SliceStable(timed, func(i, j int) bool {
		return timed[i].span.Start.Before(timed[j].span.Start)
	})
	for i := 1; i < len(timed); i++ {
		// Touching boundaries are allowed.
		for j := i - 1; j >= 0; j-- {
			// Provider events may overlap each other; only placements are checked.
			if timed[i].item.Type == models.ItemEvent && timed[j].item.Type == models.ItemEvent {
				continue
			}
			if timed[j].span.overlaps(timed[i].span) {
				return violation(models.RuleNoOverlap, "%q overlaps %q", timed[j].item.Title, timed[i].item.Title)
			}
		}
	}
	return nil
}

// checkProvenance maps each task item to a requested task by title. Items
// naming no task, or more items than requested for a title, are rejected.
func checkProvenance(tasks []models.TaskRequest, items []placed) (map[string][]placed, error) {
	remaining := make(map[string]int, len(tasks))
	for _, t := range tasks {
		remaining[t.Title]++
	}
	byTitle := make(map[string][]placed)
	for _, p := range items {
		if p.item.Type != models.ItemTask {
			continue
		}
		n, ok := remaining[p.item.Title]
		if !ok {
			return nil, violation(models.RuleProvenance, "task item %q does not match any requested task", p.item.Title)
		}
		if n == 0 {
			return nil, violation(models.RuleProvenance, "task %q placed more than once", p.item.Title)
		}
		remaining[p.item.Title] = n - 1
		byTitle[p.item.Title] = append(byTitle[p.item.Title], p)
	}
	return byTitle, nil
}

func violation(rule, format string, args ...any) error {
	return &models.ValidationError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}
