package schedule

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kairos/internal/models"
)

var paris = mustLoad("Europe/Paris")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 10, h, m, 0, 0, paris)
}

func stamp(t time.Time) string { return t.Format(time.RFC3339) }

func fixedDay() []models.CalendarEvent {
	return []models.CalendarEvent{
		{ExternalID: "e1", Title: "Standup", Start: stamp(at(9, 0)), End: stamp(at(10, 0)), IsFixed: true, Source: "google"},
		{ExternalID: "e2", Title: "Review", Start: stamp(at(14, 0)), End: stamp(at(15, 0)), IsFixed: true, Source: "google"},
	}
}

func eventItems(events []models.CalendarEvent) []models.ScheduledItem {
	return models.FixedItems(events)
}

func task(title string, start time.Time, minutes int) models.ScheduledItem {
	return models.ScheduledItem{Title: title, Start: stamp(start), End: stamp(start.Add(time.Duration(minutes) * time.Minute)), Type: models.ItemTask, Reasoning: "fits"}
}

func TestPreferredTimeOccupiedMovesToNextFree(t *testing.T) {
	fixed := fixedDay()
	tasks := []models.TaskRequest{{Title: "Email", Duration: 30, Priority: 2, PreferredTime: "14:00"}}

	want, ok := PreferredSlot(tasks[0], fixed, at(8, 0), paris)
	if !ok || !want.Equal(at(15, 0)) {
		t.Fatalf("PreferredSlot = %v, want 15:00", want)
	}

	proposed := append(eventItems(fixed), task("Email", at(15, 0), 30))
	got, err := Validate(fixed, tasks, proposed, at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", got.Warnings)
	}
	last := got.Items[len(got.Items)-1]
	if last.Type != models.ItemTask || last.Start != stamp(at(15, 0)) || last.Reasoning == "" {
		t.Fatalf("unexpected task placement: %+v", last)
	}
}

func TestPreferredTimeResolution(t *testing.T) {
	fixed := fixedDay()
	tests := []struct {
		name      string
		preferred string
		duration  int
		now       time.Time
		want      time.Time
	}{
		{name: "free slot exact", preferred: "11:00", duration: 30, now: at(8, 0), want: at(11, 0)},
		{name: "inside fixed event", preferred: "09:30", duration: 30, now: at(8, 0), want: at(10, 0)},
		{name: "runs into next event", preferred: "13:45", duration: 30, now: at(8, 0), want: at(15, 0)},
		{name: "elapsed moves to tomorrow", preferred: "11:00", duration: 30, now: at(12, 0), want: at(11, 0).AddDate(0, 0, 1)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PreferredSlot(models.TaskRequest{Title: "x", Duration: tt.duration, PreferredTime: tt.preferred}, fixed, tt.now, paris)
			if !ok {
				t.Fatal("PreferredSlot reported no preference")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("PreferredSlot = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreferredTimeMissIsSoft(t *testing.T) {
	fixed := fixedDay()
	tasks := []models.TaskRequest{{Title: "Email", Duration: 30, Priority: 2, PreferredTime: "11:00"}}
	proposed := append(eventItems(fixed), task("Email", at(16, 0), 30))

	got, err := Validate(fixed, tasks, proposed, at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Warnings) != 1 || !strings.HasPrefix(got.Warnings[0], models.RulePreferredTime) {
		t.Fatalf("warnings = %v, want one preferred_time warning", got.Warnings)
	}
}

func TestFixedEventsPassThroughByteIdentical(t *testing.T) {
	fixed := fixedDay()
	proposed := []models.ScheduledItem{
		{Title: "Standup", Start: at(9, 0).UTC().Format(time.RFC3339), End: at(10, 0).UTC().Format(time.RFC3339), Type: models.ItemEvent},
		{Title: "Review (renamed)", Start: stamp(at(14, 0)), End: stamp(at(15, 0)), Type: models.ItemEvent},
	}
	got, err := Validate(fixed, nil, proposed, at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for i, e := range fixed {
		if got.Items[i].Start != e.Start || got.Items[i].End != e.End || got.Items[i].Title != e.Title {
			t.Fatalf("item %d = %+v, want %+v", i, got.Items[i], e)
		}
	}
}

func TestHardViolations(t *testing.T) {
	fixed := fixedDay()
	tasks := []models.TaskRequest{{Title: "Write", Duration: 60, Priority: 3}, {Title: "Call", Duration: 30, Priority: 1}}
	events := eventItems(fixed)

	moved := eventItems(fixed)
	moved[1].Start, moved[1].End = stamp(at(14, 30)), stamp(at(15, 30))

	tests := []struct {
		name     string
		proposed []models.ScheduledItem
		rule     string
	}{
		{name: "moved event", proposed: moved, rule: models.RuleFixedEvents},
		{name: "dropped event", proposed: events[:1], rule: models.RuleFixedEvents},
		{name: "invented event", proposed: append(eventItems(fixed), models.ScheduledItem{Title: "Lunch", Start: stamp(at(12, 0)), End: stamp(at(13, 0)), Type: models.ItemEvent}), rule: models.RuleFixedEvents},
		{name: "task overlaps event", proposed: append(eventItems(fixed), task("Write", at(9, 30), 60)), rule: models.RuleNoOverlap},
		{name: "tasks overlap each other", proposed: append(eventItems(fixed), task("Write", at(11, 0), 60), task("Call", at(11, 30), 30)), rule: models.RuleNoOverlap},
		{name: "task in the past", proposed: append(eventItems(fixed), task("Write", at(7, 0), 60)), rule: models.RuleNotInPast},
		{name: "fabricated task", proposed: append(eventItems(fixed), task("Gym", at(11, 0), 60)), rule: models.RuleProvenance},
		{name: "duplicated task", proposed: append(eventItems(fixed), task("Call", at(11, 0), 30), task("Call", at(12, 0), 30)), rule: models.RuleProvenance},
		{name: "unknown type", proposed: append(eventItems(fixed), models.ScheduledItem{Title: "Write", Start: stamp(at(11, 0)), End: stamp(at(12, 0)), Type: "break"}), rule: models.RuleWellFormed},
		{name: "unparsable time", proposed: append(eventItems(fixed), models.ScheduledItem{Title: "Write", Start: "11h", End: stamp(at(12, 0)), Type: models.ItemTask}), rule: models.RuleWellFormed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(fixed, tasks, tt.proposed, at(8, 0), paris)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate error = %v, want ValidationError", err)
			}
			if verr.Rule != tt.rule {
				t.Fatalf("rule = %s, want %s (%s)", verr.Rule, tt.rule, verr.Detail)
			}
			if !errors.Is(err, models.ErrValidation) {
				t.Fatal("ValidationError does not unwrap to ErrValidation")
			}
		})
	}
}

func TestTouchingBoundariesAndAllDayEvents(t *testing.T) {
	fixed := append(fixedDay(), models.CalendarEvent{Title: "Holiday", Start: "2025-03-10", End: "2025-03-11", AllDay: true, IsFixed: true, Source: "google"})
	tasks := []models.TaskRequest{{Title: "Write", Duration: 60, Priority: 3}, {Title: "Call", Duration: 30, Priority: 1}}
	proposed := append(eventItems(fixed), task("Write", at(10, 0), 60), task("Call", at(13, 30), 30))

	got, err := Validate(fixed, tasks, proposed, at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Items) != 5 {
		t.Fatalf("got %d items, want 5", len(got.Items))
	}
	for i := 1; i < len(got.Items); i++ {
		a, _, _ := got.Items[i-1].Interval(paris)
		b, _, _ := got.Items[i].Interval(paris)
		if b.Before(a) {
			t.Fatalf("items not ordered by start: %v", got.Items)
		}
	}
}

func TestDroppedTaskIsAccepted(t *testing.T) {
	fixed := fixedDay()
	tasks := []models.TaskRequest{{Title: "Marathon", Duration: 600, Priority: 1}}
	got, err := Validate(fixed, tasks, eventItems(fixed), at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(got.Items))
	}
}

func TestOverlappingProviderEventsAreAccepted(t *testing.T) {
	fixed := []models.CalendarEvent{
		{ExternalID: "a", Title: "A", Start: stamp(at(9, 0)), End: stamp(at(10, 0)), IsFixed: true, Source: "google"},
		{ExternalID: "b", Title: "B", Start: stamp(at(9, 30)), End: stamp(at(10, 30)), IsFixed: true, Source: "google"},
	}
	tasks := []models.TaskRequest{{Title: "T", Duration: 60, Priority: 2}}

	got, err := Validate(fixed, tasks, append(eventItems(fixed), task("T", at(14, 0), 60)), at(8, 0), paris)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(got.Items))
	}

	// A placement inside either overlapping event is still rejected.
	_, err = Validate(fixed, tasks, append(eventItems(fixed), task("T", at(10, 0), 60)), at(8, 0), paris)
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Rule != models.RuleNoOverlap {
		t.Fatalf("Validate error = %v, want %s violation", err, models.RuleNoOverlap)
	}

	slot, ok := PreferredSlot(models.TaskRequest{Title: "T", Duration: 30, PreferredTime: "09:15"}, fixed, at(8, 0), paris)
	if !ok || !slot.Equal(at(10, 30)) {
		t.Fatalf("PreferredSlot = %v, want 10:30", slot)
	}
}
