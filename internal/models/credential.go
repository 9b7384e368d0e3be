package models

import "time"

// Provider identifies the calendar provider a credential belongs to.
type Provider string

// ProviderGoogle is the only supported provider.
const ProviderGoogle Provider = "google"

// Credential holds OAuth tokens for one (user, provider) pair.
type Credential struct {
	UserID       string
	Provider     Provider
	AccessToken  string
	RefreshToken string    // empty when the provider never issued one
	ExpiresAt    time.Time // zero when unknown
	UpdatedAt    time.Time
}

// CanRefresh reports whether an expired access token can be renewed without the user.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}
