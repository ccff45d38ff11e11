// Package repo implements flag reads and conflict-safe flag writes on top of
// a store.FileStore, with an optional cluster backend for review
// environments.
//
// Every write runs under the lock of its resource key and performs one
// optimistic read-modify-write attempt. An attempt that loses the race on the
// revision marker is retried exactly once while the lock is still held.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/flagdoc"
	"github.com/TimurManjosov/flaggate/internal/lock"
	"github.com/TimurManjosov/flaggate/internal/owners"
	"github.com/TimurManjosov/flaggate/internal/store"
	"github.com/TimurManjosov/flaggate/internal/webhook"
)

// Backend names the store an environment lives in.
type Backend string

const (
	BackendFile    Backend = "file"
	BackendCluster Backend = "cluster"
)

// DefaultClusterMarker selects environments served by the cluster backend.
const DefaultClusterMarker = "review-mr"

// DefaultReservedMarkers hide environments from callers without full access.
var DefaultReservedMarkers = []string{"-alpha", "-beta", "-ci", "-nightly"}

const templateEnv = "_template"

// ClusterStore is the custom-resource flag store.
type ClusterStore interface {
	Read(ctx context.Context, project, env string) (map[string]flagdoc.Definition, error)
	Write(ctx context.Context, project, env string, updates map[string]flagdoc.Definition) error
}

// Notifier receives committed changes.
type Notifier interface {
	Dispatch(event webhook.Event)
}

// Options wires a Repo. Files, Owners and Locks are required.
type Options struct {
	Files           store.FileStore
	Owners          *owners.Resolver
	Locks           *lock.Registry
	Cluster         ClusterStore
	ClusterMarker   string
	ReservedMarkers []string
	Notifier        Notifier
	Logger          *zap.Logger
}

// Repo is the flag repository.
type Repo struct {
	files           store.FileStore
	owners          *owners.Resolver
	locks           *lock.Registry
	cluster         ClusterStore
	clusterMarker   string
	reservedMarkers []string
	notifier        Notifier
	logger          *zap.Logger
}

// Result describes a committed update.
type Result struct {
	Backend       Backend
	CommitMessage string
	Attempts      int
}

// New creates a Repo.
func New(opts Options) (*Repo, error) {
	if opts.Files == nil || opts.Owners == nil || opts.Locks == nil {
		return nil, errors.New("repo: files, owners and locks are required")
	}
	if opts.ClusterMarker == "" {
		opts.ClusterMarker = DefaultClusterMarker
	}
	if opts.ReservedMarkers == nil {
		opts.ReservedMarkers = DefaultReservedMarkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Repo{
		files:           opts.Files,
		owners:          opts.Owners,
		locks:           opts.Locks,
		cluster:         opts.Cluster,
		clusterMarker:   opts.ClusterMarker,
		reservedMarkers: opts.ReservedMarkers,
		notifier:        opts.Notifier,
		logger:          opts.Logger.Named("repo"),
	}, nil
}

// EnvPatchPath is the document environment writes go to.
func EnvPatchPath(project, env string) string {
	return project + "/" + env + "/feature-flags-patch.yaml"
}

// EnvFlagsPath is the document environment reads come from.
func EnvFlagsPath(project, env string) string {
	return project + "/" + env + "/feature-flags.yaml"
}

// ProjectFlagsPath is the project-root flags document.
func ProjectFlagsPath(project string) string {
	return project + "/flags.yaml"
}

// BackendFor reports which store serves env.
func (r *Repo) BackendFor(env string) Backend {
	if r.cluster != nil && r.clusterMarker != "" && strings.Contains(env, r.clusterMarker) {
		return BackendCluster
	}
	return BackendFile
}

// SafeUpdateFlags applies updates to an environment.
func (r *Repo) SafeUpdateFlags(ctx context.Context, p auth.Principal, project, env string, updates map[string]flagdoc.Definition) (Result, error) {
	backend := r.BackendFor(env)
	log := r.logger.With(
		zap.String("project", project),
		zap.String("env", env),
		zap.String("backend", string(backend)),
		zap.String("principal", p.ID()))

	var (
		res Result
		msg string
	)
	err := r.locked(ctx, lock.Key(project, env), func(ctx context.Context) error {
		var attempt attemptFunc
		if backend == BackendCluster {
			// no commit, but callers and webhooks get the same summary
			msg = UpdateMessage(p.Username, env, flagNames(updates))
			attempt = func(ctx context.Context) (Outcome, error) {
				return r.attemptClusterUpdate(ctx, project, env, updates)
			}
		} else {
			fs := r.files.WithToken(p.Token)
			attempt = func(ctx context.Context) (Outcome, error) {
				var out Outcome
				var err error
				out, msg, err = r.attemptEnvUpdate(ctx, fs, p, project, env, updates)
				return out, err
			}
		}
		n, err := retryOnce(ctx, backend, log, attempt)
		res = Result{Backend: backend, CommitMessage: msg, Attempts: n}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r.notify(webhook.NewEventBuilder(ctx).
		ForEnvironment(project, env).
		WithBackend(string(backend)).
		WithFlags(flagNames(updates)).
		WithActor(p.ID(), msg).
		Build())
	return res, nil
}

// SafeAddFlags applies updates to the project-root flags. The caller must be
// authorized for the project by the ownership manifest.
func (r *Repo) SafeAddFlags(ctx context.Context, p auth.Principal, project string, updates map[string]flagdoc.Definition) (Result, error) {
	log := r.logger.With(
		zap.String("project", project),
		zap.String("backend", string(BackendFile)),
		zap.String("principal", p.ID()))
	fs := r.files.WithToken(p.Token)

	var (
		res Result
		msg string
	)
	err := r.locked(ctx, lock.ProjectKey(project), func(ctx context.Context) error {
		n, err := retryOnce(ctx, BackendFile, log, func(ctx context.Context) (Outcome, error) {
			var out Outcome
			var err error
			out, msg, err = r.attemptProjectAdd(ctx, fs, p, project, updates)
			return out, err
		})
		res = Result{Backend: BackendFile, CommitMessage: msg, Attempts: n}
		return err
	})
	if err != nil {
		return Result{}, err
	}

	r.notify(webhook.NewEventBuilder(ctx).
		ForProject(project).
		WithBackend(string(BackendFile)).
		WithFlags(flagNames(updates)).
		WithActor(p.ID(), msg).
		Build())
	return res, nil
}

func (r *Repo) notify(event webhook.Event) {
	if r.notifier != nil {
		r.notifier.Dispatch(event)
	}
}

// ReadFlags returns the flags of an environment.
func (r *Repo) ReadFlags(ctx context.Context, p auth.Principal, project, env string) (map[string]flagdoc.Definition, error) {
	if r.BackendFor(env) == BackendCluster {
		return r.cluster.Read(ctx, project, env)
	}
	text, err := r.files.WithToken(p.Token).RawFile(ctx, EnvFlagsPath(project, env))
	if err != nil {
		return nil, err
	}
	return flagdoc.Extract(text, flagdoc.SchemaFlagSpec)
}

// ListProjects returns the top-level directories p may see, sorted.
func (r *Repo) ListProjects(ctx context.Context, p auth.Principal) ([]string, error) {
	fs := r.files.WithToken(p.Token)
	entries, err := fs.ListTree(ctx, "")
	if err != nil {
		return nil, err
	}
	manifest, err := r.owners.Resolve(ctx, fs)
	if err != nil {
		return nil, err
	}
	projects := []string{}
	for _, e := range entries {
		if e.Type != store.EntryTree || strings.HasPrefix(e.Name, ".") {
			continue
		}
		if manifest.CanSeeProject(p.ID(), e.Name) {
			projects = append(projects, e.Name)
		}
	}
	sort.Strings(projects)
	return projects, nil
}

// ListEnvs returns the environments of project visible to p, sorted. The
// template directory is never listed; reserved environments need full access.
func (r *Repo) ListEnvs(ctx context.Context, p auth.Principal, project string) ([]string, error) {
	fs := r.files.WithToken(p.Token)
	entries, err := fs.ListTree(ctx, project)
	if err != nil {
		return nil, err
	}
	manifest, err := r.owners.Resolve(ctx, fs)
	if err != nil {
		return nil, err
	}
	envs := []string{}
	for _, e := range entries {
		if e.Type == store.EntryTree && e.Name != templateEnv {
			envs = append(envs, e.Name)
		}
	}
	envs = manifest.VisibleEnvs(p.ID(), project, envs, r.reservedMarkers)
	sort.Strings(envs)
	return envs, nil
}

// locked runs fn under the lock for key and records how long the caller
// waited for it.
func (r *Repo) locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	timer := lockWaitTimer()
	release, err := r.locks.Acquire(ctx, key)
	timer.ObserveDuration()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer release()
	return fn(ctx)
}

func flagNames(updates map[string]flagdoc.Definition) []string {
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
