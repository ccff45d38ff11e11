package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/store"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

// ContextKeyPrincipal is the context key for the authenticated Principal
const ContextKeyPrincipal contextKey = "principal"

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Authenticator resolves the bearer token of a request to a Principal by
// asking the flag store who owns it.
type Authenticator struct {
	files   store.FileStore
	logger  *zap.Logger
	onError ErrorWriter
}

// NewAuthenticator creates a new Authenticator. onError may be nil, in which
// case failures are written with http.Error.
func NewAuthenticator(files store.FileStore, logger *zap.Logger, onError ErrorWriter) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			status := http.StatusBadGateway
			if errors.Is(err, ErrAuthentication) {
				status = http.StatusUnauthorized
			}
			http.Error(w, err.Error(), status)
		}
	}
	return &Authenticator{files: files, logger: logger, onError: onError}
}

// Authenticate resolves authHeader to a Principal. Malformed headers fail
// before any remote call.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) (Principal, error) {
	token, err := ExtractBearerToken(authHeader)
	if err != nil {
		return Principal{}, err
	}
	user, err := a.files.WithToken(token).CurrentUser(ctx)
	if err != nil {
		var remote *store.RemoteError
		if errors.As(err, &remote) && (remote.StatusCode == http.StatusUnauthorized || remote.StatusCode == http.StatusForbidden) {
			return Principal{}, fmt.Errorf("%w: token rejected", ErrAuthentication)
		}
		return Principal{}, err
	}
	if user.Username == "" {
		return Principal{}, fmt.Errorf("%w: token has no username", ErrAuthentication)
	}
	return Principal{Token: token, Username: user.Username, Name: user.Name}, nil
}

// Middleware authenticates every request and stores the Principal in its
// context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug("authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			a.onError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// PrincipalFromContext extracts the Principal from the request context
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ContextKeyPrincipal).(Principal)
	return p, ok
}
