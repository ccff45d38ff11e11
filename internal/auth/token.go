package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuthentication means the caller credential is missing, malformed or was
// rejected by the flag store.
var ErrAuthentication = errors.New("authentication failed")

// ExtractBearerToken extracts the token from an Authorization header of the
// form "Bearer <token>". The scheme is case-insensitive.
func ExtractBearerToken(authHeader string) (string, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrAuthentication)
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("%w: Authorization header must be \"Bearer <token>\"", ErrAuthentication)
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", fmt.Errorf("%w: malformed bearer token", ErrAuthentication)
	}
	return token, nil
}

// Principal is the caller of a request. Token is passed through to the flag
// store on every call and never stored.
type Principal struct {
	Token    string
	Username string
	Name     string
}

// ID is the identifier used in ownership manifests and commit messages.
func (p Principal) ID() string {
	return "@" + p.Username
}
