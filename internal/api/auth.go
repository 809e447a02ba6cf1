package api

import (
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind an incoming request.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// TokenAuthenticator maps static bearer tokens to user ids. Suitable for
// service-to-service use where the caller already authenticated the end user.
type TokenAuthenticator struct {
	tokens map[string]string
}

func NewTokenAuthenticator(tokens map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

func (a *TokenAuthenticator) UserID(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrUnauthenticated
	}
	userID, ok := a.tokens[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}
