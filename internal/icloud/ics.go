package icloud

import (
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-ical"

	"kairos/internal/models"
)

// EncodeSchedule writes the items of a schedule as one iCalendar file. UIDs
// are derived from jobID so re-exports of the same job replace earlier imports.
func EncodeSchedule(w io.Writer, jobID string, items []models.ScheduledItem, loc *time.Location, now time.Time) error {
	cal := newCalendar()
	cal.Props.SetText("X-WR-CALNAME", "Kairos schedule")
	for i, it := range items {
		uid := fmt.Sprintf("%s-%d@kairos", jobID, i)
		ve, err := toICal(it, uid, loc, now)
		if err != nil {
			return err
		}
		cal.Children = append(cal.Children, ve)
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}
	return nil
}
