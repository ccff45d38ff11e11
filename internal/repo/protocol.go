package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/flagdoc"
	"github.com/TimurManjosov/flaggate/internal/store"
	"github.com/TimurManjosov/flaggate/internal/telemetry"
)

// Outcome is the result of one read-modify-write attempt that did not fail.
type Outcome int

const (
	// Committed means the write landed.
	Committed Outcome = iota + 1
	// Conflict means the revision marker went stale between read and write.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// maxAttempts is the first attempt plus the single retry.
const maxAttempts = 2

// commitSummaryLimit is how many flag names a commit message lists.
const commitSummaryLimit = 5

type attemptFunc func(ctx context.Context) (Outcome, error)

// retryOnce runs attempt, and once more if it reports a Conflict. It must be
// called with the resource lock held. A second Conflict is returned as
// store.ErrConflict; errors are returned as they are, without a retry.
func retryOnce(ctx context.Context, backend Backend, log *zap.Logger, attempt attemptFunc) (int, error) {
	for n := 1; n <= maxAttempts; n++ {
		telemetry.UpdateAttempts.WithLabelValues(string(backend)).Inc()
		out, err := attempt(ctx)
		if err != nil {
			telemetry.FlagUpdates.WithLabelValues(string(backend), outcomeLabel(err)).Inc()
			log.Warn("update failed", zap.Int("attempt", n), zap.Error(err))
			return n, err
		}
		if out == Committed {
			telemetry.FlagUpdates.WithLabelValues(string(backend), Committed.String()).Inc()
			log.Info("update committed", zap.Int("attempt", n), zap.Stringer("outcome", out))
			return n, nil
		}
		log.Info("revision conflict", zap.Int("attempt", n), zap.Stringer("outcome", out))
	}
	telemetry.FlagUpdates.WithLabelValues(string(backend), Conflict.String()).Inc()
	return maxAttempts, fmt.Errorf("still conflicting after %d attempts: %w", maxAttempts, store.ErrConflict)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, store.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// attemptEnvUpdate is one read-modify-write cycle on the environment patch
// document. It returns the commit message it used.
func (r *Repo) attemptEnvUpdate(ctx context.Context, fs store.FileStore, p auth.Principal, project, env string, updates map[string]flagdoc.Definition) (Outcome, string, error) {
	path := EnvPatchPath(project, env)
	meta, err := fs.FileMetadata(ctx, path)
	if err != nil {
		return 0, "", err
	}
	text, err := fs.RawFile(ctx, path)
	if err != nil {
		return 0, "", err
	}
	merged, err := flagdoc.Merge(text, updates, flagdoc.SchemaFlagSpec)
	if err != nil {
		return 0, "", err
	}

	subject := flagdoc.DocumentName(text)
	if subject == "" {
		subject = env
	}
	msg := UpdateMessage(p.Username, subject, flagNames(updates))
	out, err := write(ctx, fs, store.FileUpdate{
		Path:             path,
		Content:          merged,
		ExpectedRevision: meta.Revision,
		CommitMessage:    msg,
	})
	return out, msg, err
}

// attemptProjectAdd is one read-modify-write cycle on the project-root
// document. Ownership is checked first, so an unauthorized caller gets
// ErrForbidden whether or not the document exists and never reaches
// UpdateFile.
func (r *Repo) attemptProjectAdd(ctx context.Context, fs store.FileStore, p auth.Principal, project string, updates map[string]flagdoc.Definition) (Outcome, string, error) {
	path := ProjectFlagsPath(project)
	manifest, err := r.owners.Resolve(ctx, fs)
	if err != nil {
		return 0, "", err
	}
	if !manifest.IsAuthorized(p.ID(), project, path) {
		return 0, "", fmt.Errorf("%w: %s may not update flags in %s, ask a project owner or admin", store.ErrForbidden, p.ID(), project)
	}

	meta, err := fs.FileMetadata(ctx, path)
	if err != nil {
		return 0, "", err
	}
	text, err := fs.RawFile(ctx, path)
	if err != nil {
		return 0, "", err
	}
	merged, err := flagdoc.Merge(text, updates, flagdoc.SchemaRoot)
	if err != nil {
		return 0, "", err
	}

	msg := AddMessage(p.Username, flagNames(updates))
	out, err := write(ctx, fs, store.FileUpdate{
		Path:             path,
		Content:          merged,
		ExpectedRevision: meta.Revision,
		CommitMessage:    msg,
	})
	return out, msg, err
}

func (r *Repo) attemptClusterUpdate(ctx context.Context, project, env string, updates map[string]flagdoc.Definition) (Outcome, error) {
	err := r.cluster.Write(ctx, project, env, updates)
	if errors.Is(err, store.ErrConflict) {
		return Conflict, nil
	}
	if err != nil {
		return 0, err
	}
	return Committed, nil
}

// write issues the conditional write. A stale revision is a Conflict
// outcome, not an error.
func write(ctx context.Context, fs store.FileStore, update store.FileUpdate) (Outcome, error) {
	err := fs.UpdateFile(ctx, update)
	if errors.Is(err, store.ErrConflict) {
		return Conflict, nil
	}
	if err != nil {
		return 0, err
	}
	return Committed, nil
}

// UpdateMessage is the commit message of an environment update.
func UpdateMessage(username, subject string, names []string) string {
	return fmt.Sprintf("chore(@%s): %s updated %d flags (%s)", username, subject, len(names), summary(names))
}

// AddMessage is the commit message of a project-root update.
func AddMessage(username string, names []string) string {
	return fmt.Sprintf("chore(@%s): adds %d flags (%s)", username, len(names), summary(names))
}

// summary lists the first names, marking truncation with "...". names must
// be sorted.
func summary(names []string) string {
	if len(names) <= commitSummaryLimit {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:commitSummaryLimit], ", ") + "..."
}

func lockWaitTimer() *prometheus.Timer {
	return prometheus.NewTimer(telemetry.LockWait)
}
