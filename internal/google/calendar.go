// Package google wraps the Google Calendar API behind the gateway the core
// uses to read fixed events and write accepted placements.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"kairos/internal/models"
)

const (
	primaryCalendar   = "primary"
	defaultMaxResults = 20
	untitled          = "(untitled)"
)

// CredentialSource is the part of the credential store the gateway uses.
type CredentialSource interface {
	Get(ctx context.Context, userID string, provider models.Provider) (models.Credential, error)
	Refresh(ctx context.Context, stale models.Credential) (models.Credential, error)
}

// Gateway reads and writes a user's primary Google calendar.
//
// Every call follows retry-once-on-expiry: on 401 the credential is
// refreshed once and the request is retried once. A second 401 or a failed
// refresh is AuthExpired. Other failures are ProviderError and are not retried.
type Gateway struct {
	creds      CredentialSource
	logger     *slog.Logger
	limiter    *rate.Limiter
	baseClient *http.Client
	endpoint   string
	calendarID string
	maxResults int64
	clock      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEndpoint overrides the Calendar API base URL (for tests).
func WithEndpoint(endpoint string) Option {
	return func(g *Gateway) {
		g.endpoint = endpoint
	}
}

// WithHTTPClient sets the client whose transport carries API requests.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.baseClient = client
	}
}

// WithMaxResults caps how many upcoming events are read.
func WithMaxResults(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxResults = int64(n)
		}
	}
}

// WithRateLimit paces outgoing provider requests. rps <= 0 disables pacing.
func WithRateLimit(rps int) Option {
	return func(g *Gateway) {
		if rps <= 0 {
			g.limiter = nil
			return
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
}

// WithClock sets the clock used for the time_min of reads.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		g.clock = clock
	}
}

// NewGateway creates a calendar gateway.
func NewGateway(logger *slog.Logger, creds CredentialSource, opts ...Option) *Gateway {
	g := &Gateway{
		creds:      creds,
		logger:     logger,
		baseClient: &http.Client{Timeout: 30 * time.Second},
		calendarID: primaryCalendar,
		maxResults: defaultMaxResults,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListUpcoming fetches the next events of the user's primary calendar in
// provider order (chronological by start).
func (g *Gateway) ListUpcoming(ctx context.Context, userID string) ([]models.CalendarEvent, error) {
	g.logger.Debug("Fetching upcoming events", "userID", userID, "maxResults", g.maxResults)
	tmin := g.clock().UTC().Format(time.RFC3339)

	var items []*calendar.Event
	err := g.withCredential(ctx, userID, func(svc *calendar.Service) error {
		events, err := svc.Events.List(g.calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(tmin).
			MaxResults(g.maxResults).
			OrderBy("startTime").
			Context(ctx).
			Do()
		if err != nil {
			return err
		}
		items = events.Items
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	g.logger.Info("Successfully fetched events from Google Calendar", "count", len(items), "userID", userID)
	return toInternalEvents(items), nil
}

// Create inserts a scheduled task into the user's calendar and returns the
// provider-assigned event id, which may be empty if the provider sent none.
func (g *Gateway) Create(ctx context.Context, userID string, item models.ScheduledItem, timezone string) (string, error) {
	ev := &calendar.Event{
		Summary:     "⚡ " + item.Title,
		Description: "Scheduled by Kairos.\nReasoning: " + item.Reasoning,
		Start:       &calendar.EventDateTime{DateTime: item.Start, TimeZone: timezone},
		End:         &calendar.EventDateTime{DateTime: item.End, TimeZone: timezone},
	}

	var created *calendar.Event
	err := g.withCredential(ctx, userID, func(svc *calendar.Service) error {
		var err error
		created, err = svc.Events.Insert(g.calendarID, ev).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create event %q: %w", item.Title, err)
	}
	if created == nil {
		return "", nil
	}
	g.logger.Info("Created event in Google Calendar", "title", item.Title, "userID", userID, "eventID", created.Id)
	return created.Id, nil
}

// withCredential runs call with the user's access token and applies the
// retry-once-on-expiry protocol.
func (g *Gateway) withCredential(ctx context.Context, userID string, call func(*calendar.Service) error) error {
	cred, err := g.creds.Get(ctx, userID, models.ProviderGoogle)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.AuthExpiredError{Err: err}
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	err = g.do(ctx, cred, call)
	if !isUnauthorized(err) {
		return classify(err)
	}

	g.logger.Debug("Access token rejected, refreshing.", "userID", userID)
	cred, err = g.creds.Refresh(ctx, cred)
	if err != nil {
		if errors.Is(err, models.ErrAuthExpired) || ctx.Err() != nil {
			return err
		}
		return &models.AuthExpiredError{Err: err}
	}

	err = g.do(ctx, cred, call)
	if isUnauthorized(err) {
		return &models.AuthExpiredError{Err: err}
	}
	return classify(err)
}

func (g *Gateway) do(ctx context.Context, cred models.Credential, call func(*calendar.Service) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	svc, err := g.service(ctx, cred.AccessToken)
	if err != nil {
		return err
	}
	return call(svc)
}

func (g *Gateway) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	client := &http.Client{
		Timeout: g.baseClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   g.baseClient.Transport,
		},
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

func isUnauthorized(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusUnauthorized
}

// classify maps non-auth failures to ProviderError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &models.ProviderError{Status: gerr.Code, Err: err}
	}
	return &models.ProviderError{Err: err}
}

// toInternalEvents converts Google Calendar events to the internal event model.
// Timed events keep their RFC 3339 boundaries, all-day events keep bare dates.
func toInternalEvents(googleEvents []*calendar.Event) []models.CalendarEvent {
	internalEvents := make([]models.CalendarEvent, 0, len(googleEvents))
	for _, item := range googleEvents {
		if item.Start == nil || item.End == nil {
			continue
		}
		event := models.CalendarEvent{
			ExternalID: item.Id,
			Title:      item.Summary,
			IsFixed:    true,
			Source:     string(models.ProviderGoogle),
		}
		if event.Title == "" {
			event.Title = untitled
		}
		if item.Start.DateTime != "" {
			event.Start, event.End = item.Start.DateTime, item.End.DateTime
		} else {
			event.Start, event.End = item.Start.Date, item.End.Date
			event.AllDay = true
		}
		if event.Start == "" || event.End == "" {
			continue
		}
		internalEvents = append(internalEvents, event)
	}
	return internalEvents
}
