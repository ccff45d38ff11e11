// Package api is the HTTP surface of the gateway.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/repo"
	"github.com/TimurManjosov/flaggate/internal/store"
	"github.com/TimurManjosov/flaggate/internal/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultRateLimit      = 300
)

// Options configures a Server.
type Options struct {
	Repo  *repo.Repo
	Files store.FileStore // resolves caller tokens to users

	CORSAllowedOrigins []string
	RateLimitPerIP     int // requests per minute; 0 uses the default, <0 disables
	RequestTimeout     time.Duration
	Logger             *zap.Logger
}

type Server struct {
	repo   *repo.Repo
	auth   *auth.Authenticator
	opts   Options
	logger *zap.Logger
}

func NewServer(opts Options) (*Server, error) {
	if opts.Repo == nil || opts.Files == nil {
		return nil, errors.New("api: repo and files are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.RateLimitPerIP == 0 {
		opts.RateLimitPerIP = defaultRateLimit
	}
	logger := opts.Logger.Named("api")
	return &Server{
		repo:   opts.Repo,
		auth:   auth.NewAuthenticator(opts.Files, logger, writeStoreError),
		opts:   opts,
		logger: logger,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))
	if len(s.opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-None-Match"},
			ExposedHeaders:   []string{"ETag"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if s.opts.RateLimitPerIP > 0 {
		r.Use(httprate.Limit(s.opts.RateLimitPerIP, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(RateLimitedError),
		))
	}

	// health
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// everything else acts on behalf of the caller's token
	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{project}/envs", s.handleListEnvs)

		r.Get("/flags/{project}/{env}", s.handleGetFlags)
		r.Put("/flags/{project}/{env}", s.handleUpdateFlags)
		r.Post("/flags/{project}/{env}", s.handleUpdateFlags)

		r.Post("/flags/{project}", s.handleAddFlags)
		r.Post("/add/flags/{project}", s.handleAddFlags)
	})

	return r
}
