// Package credentials owns the OAuth credential lifecycle: lookup, initial
// grant and the refresh protocol.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"kairos/internal/models"
)

const refreshTimeout = 30 * time.Second

// Repository is the slice of storage the credential store needs.
type Repository interface {
	GetCredential(ctx context.Context, userID string, provider models.Provider) (models.Credential, error)
	PutCredential(ctx context.Context, c models.Credential) error
}

// Store reads and refreshes credentials. Refreshes for the same
// (user, provider) key are collapsed into a single provider call.
type Store struct {
	repo      Repository
	refresher Refresher
	logger    *slog.Logger
	group     singleflight.Group
	clock     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for UpdatedAt stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates a credential store.
func NewStore(logger *slog.Logger, repo Repository, refresher Refresher, opts ...Option) *Store {
	s := &Store{repo: repo, refresher: refresher, logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored credential or an error wrapping models.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string, provider models.Provider) (models.Credential, error) {
	return s.repo.GetCredential(ctx, userID, provider)
}

// Grant stores the credential obtained from an authorization code exchange,
// replacing any previous one.
func (s *Store) Grant(ctx context.Context, c models.Credential) error {
	if c.UserID == "" || c.AccessToken == "" {
		return fmt.Errorf("grant requires a user and an access token: %w", models.ErrInvalidInput)
	}
	if c.Provider == "" {
		c.Provider = models.ProviderGoogle
	}
	c.UpdatedAt = s.clock()
	if err := s.repo.PutCredential(ctx, c); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	s.logger.Info("Stored calendar credential.", "userID", c.UserID, "provider", c.Provider, "hasRefreshToken", c.CanRefresh())
	return nil
}

// Refresh renews the access token of stale, the credential a caller just saw
// rejected. If another caller already replaced that access token, the stored
// credential is returned without contacting the provider.
//
// Concurrent callers for the same key share one refresh. The shared call is
// detached from any single caller's context; each caller stops waiting when
// its own ctx ends.
func (s *Store) Refresh(ctx context.Context, stale models.Credential) (models.Credential, error) {
	key := string(stale.Provider) + "|" + stale.UserID
	ch := s.group.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(rctx, stale)
	})
	select {
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}
		if res.Shared {
			s.logger.Debug("Shared in-flight credential refresh.", "userID", stale.UserID)
		}
		return res.Val.(models.Credential), nil
	}
}

func (s *Store) refresh(ctx context.Context, stale models.Credential) (models.Credential, error) {
	current, err := s.repo.GetCredential(ctx, stale.UserID, stale.Provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Credential{}, &models.AuthExpiredError{Err: err}
		}
		return models.Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if current.AccessToken != stale.AccessToken {
		return current, nil
	}
	if !current.CanRefresh() {
		return models.Credential{}, &models.AuthExpiredError{Err: errors.New("no refresh token on file")}
	}

	tok, err := s.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		s.logger.Warn("Credential refresh failed.", "userID", stale.UserID, "error", err)
		return models.Credential{}, err
	}
	if tok.AccessToken == "" {
		return models.Credential{}, &models.ProviderError{Err: errors.New("token endpoint returned no access token")}
	}

	next := current
	next.AccessToken = tok.AccessToken
	// Providers usually omit the refresh token on later refreshes; the old one stays valid.
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = tok.Expiry
	next.UpdatedAt = s.clock()
	if err := s.repo.PutCredential(ctx, next); err != nil {
		return models.Credential{}, fmt.Errorf("failed to store refreshed credential: %w", err)
	}
	s.logger.Info("Refreshed calendar credential.", "userID", next.UserID, "expiresAt", next.ExpiresAt)
	return next, nil
}
