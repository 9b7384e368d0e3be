// Package icloud mirrors committed placements to a CalDAV calendar (iCloud by
// default) and renders schedules as iCalendar files.
package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"kairos/internal/models"
)

// DefaultEndpoint is the iCloud CalDAV root.
const DefaultEndpoint = "https://caldav.icloud.com/"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "kairos/1.0")
	return t.Transport.RoundTrip(req)
}

// Config locates the mirror calendar.
type Config struct {
	Endpoint string
	Username string
	Password string
	Calendar string
}

// Mirror writes placements into one CalDAV calendar.
type Mirror struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
	clock        func() time.Time
}

// NewMirror connects to the CalDAV server and resolves the named calendar.
func NewMirror(ctx context.Context, logger *slog.Logger, cfg Config) (*Mirror, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := &http.Client{Transport: &customTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: http.DefaultTransport,
	}}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	m := &Mirror{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		clock:        time.Now,
	}

	logger.Info("Finding CalDAV calendar", "calendarName", cfg.Calendar, "endpoint", endpoint)
	calendarPath, err := m.findCalendar(ctx, cfg.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", cfg.Calendar, err)
	}
	m.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)
	return m, nil
}

// Put stores one placement under uid, replacing any previous copy.
func (m *Mirror) Put(ctx context.Context, item models.ScheduledItem, uid string, loc *time.Location) error {
	m.logger.Debug("Mirroring placement", "title", item.Title, "uid", uid)

	vevent, err := toICal(item, uid, loc, m.clock())
	if err != nil {
		return err
	}
	cal := newCalendar()
	cal.Children = append(cal.Children, vevent)

	eventPath := path.Join(m.calendarPath, objectName(uid))
	writer, err := m.webdavClient.Create(ctx, eventPath)
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		writer.Close()
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to upload event: %w", err)
	}

	m.logger.Info("Mirrored placement to CalDAV", "title", item.Title)
	return nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (m *Mirror) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := m.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := m.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := m.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//kairos//EN")
	return cal
}

// objectName keeps the resource name path-safe; provider ids and ledger keys
// may contain separators.
func objectName(uid string) string {
	r := strings.NewReplacer("/", "_", "|", "_", ":", "-")
	return r.Replace(uid) + ".ics"
}

// toICal converts a schedule item to a VEVENT. Date-only boundaries become
// all-day DATE values.
func toICal(item models.ScheduledItem, uid string, loc *time.Location, now time.Time) (*ical.Component, error) {
	start, end, err := item.Interval(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid boundaries for %q: %w", item.Title, err)
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, item.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	if len(item.Start) == len(models.DateLayout) {
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		ve.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, start.In(loc))
		ve.Props.SetDateTime(ical.PropDateTimeEnd, end.In(loc))
	}
	if item.Type == models.ItemTask {
		desc := "Scheduled by Kairos."
		if item.Reasoning != "" {
			desc += "\nReasoning: " + item.Reasoning
		}
		ve.Props.SetText(ical.PropDescription, desc)
		ve.Props.SetText(ical.PropCategories, "kairos")
	}
	return ve, nil
}
