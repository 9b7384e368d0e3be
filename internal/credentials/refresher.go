package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"kairos/internal/models"
)

// Refresher exchanges a refresh token for a new token at the provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher calls the provider token endpoint with grant_type=refresh_token.
type OAuthRefresher struct {
	Config     *oauth2.Config
	HTTPClient *http.Client // optional, used for the token request
}

// Refresh implements Refresher.
//
// A 400 or 401 from the token endpoint (revoked or invalid grant) is returned
// as AuthExpired. Anything else, including 408 and 429, is a provider error.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	// An empty access token forces the source to hit the token endpoint.
	src := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err == nil {
		return tok, nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, &models.AuthExpiredError{Err: fmt.Errorf("token endpoint rejected refresh (%s): %w", re.ErrorCode, err)}
		}
		return nil, &models.ProviderError{Status: status, Err: err}
	}
	return nil, &models.ProviderError{Err: err}
}
