package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator maps a request to the calling user.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}

// StaticTokens authenticates bearer tokens against a fixed table.
type StaticTokens struct {
	tokens map[string]string
}

// ParseTokens reads "token:user,token:user" as found in API_TOKENS.
func ParseTokens(s string) (*StaticTokens, error) {
	st := &StaticTokens{tokens: make(map[string]string)}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token entry %q, expected token:user", pair)
		}
		st.tokens[token] = user
	}
	return st, nil
}

// Len returns the number of configured tokens.
func (s *StaticTokens) Len() int { return len(s.tokens) }

func (s *StaticTokens) Authenticate(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	// Every entry is visited; no early return on a match.
	var user string
	for known, u := range s.tokens {
		if secureCompare(token, known) {
			user = u
		}
	}
	return user, user != ""
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
