package repo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TimurManjosov/flaggate/internal/auth"
	"github.com/TimurManjosov/flaggate/internal/flagdoc"
	"github.com/TimurManjosov/flaggate/internal/lock"
	"github.com/TimurManjosov/flaggate/internal/owners"
	"github.com/TimurManjosov/flaggate/internal/store"
	"github.com/TimurManjosov/flaggate/internal/webhook"
)

const (
	manifest = `# owners
* @admin
/billing/* @alice
/billing/prod @bob
`
	prodPatch = `apiVersion: core.openfeature.dev/v1beta1
kind: FeatureFlag
metadata:
  name: billing-prod
spec:
  flagSpec:
    flags:
      A: true
`
	prodFlags = "spec:\n  flagSpec:\n    flags:\n      A: true\n      B: false\n"
)

var (
	alice   = auth.Principal{Token: "tok-alice", Username: "alice"}
	bob     = auth.Principal{Token: "tok-bob", Username: "bob"}
	admin   = auth.Principal{Token: "tok-admin", Username: "admin"}
	mallory = auth.Principal{Token: "tok-mallory", Username: "mallory"}

	structured = flagdoc.Struct(flagdoc.Structured{
		Variants:       map[string]any{"on": true, "off": false},
		DefaultVariant: "on",
		State:          flagdoc.StateEnabled,
	})
)

// spy wraps a MemoryStore, counts conditional writes and can make another
// writer commit right before a write, which turns it into a real conflict.
type spy struct {
	mem *store.MemoryStore

	mu        sync.Mutex
	writes    int
	interfere int

	inWindow  int32
	maxWindow int32
}

type spyView struct {
	store.FileStore
	spy *spy
}

func (s *spy) view(token string) store.FileStore {
	return &spyView{FileStore: s.mem.WithToken(token), spy: s}
}

func (v *spyView) WithToken(token string) store.FileStore {
	return v.spy.view(token)
}

func (v *spyView) FileMetadata(ctx context.Context, path string) (store.FileMeta, error) {
	if strings.HasSuffix(path, "feature-flags-patch.yaml") {
		n := atomic.AddInt32(&v.spy.inWindow, 1)
		for {
			m := atomic.LoadInt32(&v.spy.maxWindow)
			if n <= m || atomic.CompareAndSwapInt32(&v.spy.maxWindow, m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	return v.FileStore.FileMetadata(ctx, path)
}

func (v *spyView) UpdateFile(ctx context.Context, update store.FileUpdate) error {
	if strings.HasSuffix(update.Path, "feature-flags-patch.yaml") {
		defer atomic.AddInt32(&v.spy.inWindow, -1)
	}
	v.spy.mu.Lock()
	v.spy.writes++
	n := v.spy.writes
	interfere := v.spy.interfere > 0
	if interfere {
		v.spy.interfere--
	}
	v.spy.mu.Unlock()

	if interfere {
		schema := flagdoc.SchemaFlagSpec
		if !strings.Contains(update.Path, "feature-flags") {
			schema = flagdoc.SchemaRoot
		}
		current, _ := v.spy.mem.File(update.Path)
		next, err := flagdoc.Merge(current, map[string]flagdoc.Definition{fmt.Sprintf("external-%d", n): flagdoc.Bool(true)}, schema)
		if err != nil {
			return err
		}
		v.spy.mem.PutFile(update.Path, next)
	}
	return v.FileStore.UpdateFile(ctx, update)
}

func (s *spy) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type fakeCluster struct {
	mu        sync.Mutex
	flags     map[string]flagdoc.Definition
	conflicts int
	writes    int
}

func (c *fakeCluster) Read(ctx context.Context, project, env string) (map[string]flagdoc.Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags == nil {
		return nil, store.ErrNotFound
	}
	out := make(map[string]flagdoc.Definition, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out, nil
}

func (c *fakeCluster) Write(ctx context.Context, project, env string, updates map[string]flagdoc.Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.conflicts > 0 {
		c.conflicts--
		return &store.ConflictError{Path: env}
	}
	if c.flags == nil {
		c.flags = map[string]flagdoc.Definition{}
	}
	for k, v := range updates {
		c.flags[k] = v
	}
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Event
}

func (n *recordingNotifier) Dispatch(event webhook.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type fixture struct {
	repo     *Repo
	spy      *spy
	mem      *store.MemoryStore
	cluster  *fakeCluster
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	for _, p := range []auth.Principal{alice, bob, admin, mallory} {
		mem.AddUser(p.Token, store.User{Username: p.Username})
	}
	mem.PutFile(owners.DefaultPath, manifest)
	mem.PutFile("billing/flags.yaml", "flags:\n  legacy: true\n")
	mem.PutFile("billing/prod/feature-flags-patch.yaml", prodPatch)
	mem.PutFile("billing/prod/feature-flags.yaml", prodFlags)
	mem.PutFile("billing/dev/feature-flags-patch.yaml", "")
	mem.PutFile("billing/prod-beta/feature-flags.yaml", "")
	mem.PutFile("billing/_template/feature-flags.yaml", "")
	mem.PutFile("search/prod/feature-flags.yaml", "")

	resolver, err := owners.NewResolver("")
	require.NoError(t, err)

	f := &fixture{
		spy:      &spy{mem: mem},
		mem:      mem,
		cluster:  &fakeCluster{},
		notifier: &recordingNotifier{},
	}
	f.repo, err = New(Options{
		Files:    f.spy.view(""),
		Owners:   resolver,
		Locks:    lock.NewRegistry(),
		Cluster:  f.cluster,
		Notifier: f.notifier,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) flags(t *testing.T, path string, schema flagdoc.Schema) map[string]flagdoc.Definition {
	t.Helper()
	content, ok := f.mem.File(path)
	require.True(t, ok, "missing %s", path)
	flags, err := flagdoc.Extract(content, schema)
	require.NoError(t, err)
	return flags
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSafeUpdateFlags_Commits(t *testing.T) {
	f := newFixture(t)

	res, err := f.repo.SafeUpdateFlags(context.Background(), alice, "billing", "prod", map[string]flagdoc.Definition{
		"C": flagdoc.Bool(false),
		"B": structured,
	})
	require.NoError(t, err)
	assert.Equal(t, BackendFile, res.Backend)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "chore(@alice): billing-prod updated 2 flags (B, C)", res.CommitMessage)

	flags := f.flags(t, EnvPatchPath("billing", "prod"), flagdoc.SchemaFlagSpec)
	assert.Len(t, flags, 3)
	assert.Equal(t, flagdoc.Bool(true), flags["A"])
	assert.Equal(t, "on", flags["B"].Structured.DefaultVariant)

	commits := f.mem.Commits()
	require.Len(t, commits, 1)
	assert.Equal(t, "alice", commits[0].Author)
	assert.Equal(t, res.CommitMessage, commits[0].Message)
}

func TestSafeUpdateFlags_EmptyDocumentUsesEnvName(t *testing.T) {
	f := newFixture(t)

	res, err := f.repo.SafeUpdateFlags(context.Background(), mallory, "billing", "dev", map[string]flagdoc.Definition{"X": flagdoc.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, "chore(@mallory): dev updated 1 flags (X)", res.CommitMessage)

	content, _ := f.mem.File(EnvPatchPath("billing", "dev"))
	assert.Equal(t, "spec:\n  flagSpec:\n    flags:\n      X: true\n", content)
}

func TestSafeUpdateFlags_RetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t)
	f.spy.interfere = 1

	res, err := f.repo.SafeUpdateFlags(context.Background(), alice, "billing", "prod", map[string]flagdoc.Definition{"B": structured})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, f.spy.writeCount())

	// The retry re-read the document, so the other writer's change survives.
	flags := f.flags(t, EnvPatchPath("billing", "prod"), flagdoc.SchemaFlagSpec)
	assert.Contains(t, flags, "external-1")
	assert.Contains(t, flags, "B")
	assert.Contains(t, flags, "A")
}

func TestSafeUpdateFlags_ConflictExhaustion(t *testing.T) {
	f := newFixture(t)
	f.spy.interfere = 5

	_, err := f.repo.SafeUpdateFlags(context.Background(), alice, "billing", "prod", map[string]flagdoc.Definition{"B": structured})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 2, f.spy.writeCount(), "exactly two attempts")
	assert.Empty(t, f.mem.Commits())
	assert.Empty(t, f.notifier.events)

	flags := f.flags(t, EnvPatchPath("billing", "prod"), flagdoc.SchemaFlagSpec)
	assert.NotContains(t, flags, "B")
}

func TestSafeUpdateFlags_MissingDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.SafeUpdateFlags(context.Background(), alice, "billing", "qa", map[string]flagdoc.Definition{"B": structured})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.spy.writeCount())
}

func TestSafeUpdateFlags_SerializesWriters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.repo.SafeUpdateFlags(ctx, alice, "billing", "prod", map[string]flagdoc.Definition{
				fmt.Sprintf("w%d", i): flagdoc.Bool(true),
			})
			if err == nil && res.Attempts != 1 {
				err = fmt.Errorf("writer %d needed %d attempts", i, res.Attempts)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.spy.maxWindow), "read-modify-write windows overlapped")
	flags := f.flags(t, EnvPatchPath("billing", "prod"), flagdoc.SchemaFlagSpec)
	assert.Len(t, flags, writers+1, "no update may be lost")
}

func TestSafeUpdateFlags_NotifiesOnCommit(t *testing.T) {
	f := newFixture(t)

	_, err := f.repo.SafeUpdateFlags(context.Background(), alice, "billing", "prod", map[string]flagdoc.Definition{
		"z": flagdoc.Bool(true),
		"a": flagdoc.Bool(false),
	})
	require.NoError(t, err)

	require.Len(t, f.notifier.events, 1)
	event := f.notifier.events[0]
	assert.Equal(t, webhook.EventFlagsUpdated, event.Type)
	assert.Equal(t, "billing", event.Project)
	assert.Equal(t, "prod", event.Environment)
	assert.Equal(t, []string{"a", "z"}, event.Flags)
	assert.Equal(t, "@alice", event.Actor)
	assert.Equal(t, "file", event.Backend)
}

func TestSafeUpdateFlags_ClusterEnvironment(t *testing.T) {
	f := newFixture(t)
	f.cluster.conflicts = 1
	ctx := context.Background()

	assert.Equal(t, BackendCluster, f.repo.BackendFor("review-mr-7"))
	res, err := f.repo.SafeUpdateFlags(ctx, alice, "billing", "review-mr-7", map[string]flagdoc.Definition{"B": structured})
	require.NoError(t, err)
	assert.Equal(t, BackendCluster, res.Backend)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "chore(@alice): review-mr-7 updated 1 flags (B)", res.CommitMessage)
	assert.Zero(t, f.spy.writeCount())
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, res.CommitMessage, f.notifier.events[0].CommitMessage)
	assert.Equal(t, "cluster", f.notifier.events[0].Backend)

	flags, err := f.repo.ReadFlags(ctx, alice, "billing", "review-mr-7")
	require.NoError(t, err)
	assert.Contains(t, flags, "B")

	f.cluster.conflicts = 2
	_, err = f.repo.SafeUpdateFlags(ctx, alice, "billing", "review-mr-7", map[string]flagdoc.Definition{"C": structured})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestBackendFor_WithoutCluster(t *testing.T) {
	resolver, err := owners.NewResolver("")
	require.NoError(t, err)
	r, err := New(Options{Files: store.NewMemoryStore().WithToken(""), Owners: resolver, Locks: lock.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, BackendFile, r.BackendFor("review-mr-7"))
}

func TestSafeAddFlags_Authorized(t *testing.T) {
	f := newFixture(t)

	updates := map[string]flagdoc.Definition{}
	for _, name := range []string{"f6", "f1", "f3", "f2", "f5", "f4"} {
		updates[name] = flagdoc.Bool(true)
	}
	res, err := f.repo.SafeAddFlags(context.Background(), alice, "billing", updates)
	require.NoError(t, err)
	assert.Equal(t, "chore(@alice): adds 6 flags (f1, f2, f3, f4, f5...)", res.CommitMessage)

	flags := f.flags(t, ProjectFlagsPath("billing"), flagdoc.SchemaRoot)
	assert.Len(t, flags, 7)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, webhook.EventFlagsAdded, f.notifier.events[0].Type)
}

func TestSafeAddFlags_GlobalGrant(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.SafeAddFlags(context.Background(), admin, "billing", map[string]flagdoc.Definition{"x": flagdoc.Bool(true)})
	assert.NoError(t, err)
}

func TestSafeAddFlags_ForbiddenWithoutWrite(t *testing.T) {
	for _, p := range []auth.Principal{mallory, bob} {
		t.Run(p.Username, func(t *testing.T) {
			f := newFixture(t)
			before, _ := f.mem.File(ProjectFlagsPath("billing"))

			_, err := f.repo.SafeAddFlags(context.Background(), p, "billing", map[string]flagdoc.Definition{"x": flagdoc.Bool(true)})
			require.ErrorIs(t, err, store.ErrForbidden)
			assert.Zero(t, f.spy.writeCount())
			assert.Empty(t, f.notifier.events)

			after, _ := f.mem.File(ProjectFlagsPath("billing"))
			assert.Equal(t, before, after)
		})
	}
}

func TestSafeAddFlags_ForbiddenBeforeLookingUpDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	updates := map[string]flagdoc.Definition{"x": flagdoc.Bool(true)}

	// search has no flags.yaml; ownership decides before the document does
	_, err := f.repo.SafeAddFlags(ctx, mallory, "search", updates)
	require.ErrorIs(t, err, store.ErrForbidden)
	assert.NotErrorIs(t, err, store.ErrNotFound)

	_, err = f.repo.SafeAddFlags(ctx, admin, "search", updates)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.spy.writeCount())
}

func TestSafeAddFlags_RetriesOnceOnConflict(t *testing.T) {
	f := newFixture(t)
	f.spy.interfere = 1

	res, err := f.repo.SafeAddFlags(context.Background(), alice, "billing", map[string]flagdoc.Definition{"x": flagdoc.Bool(true)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	flags := f.flags(t, ProjectFlagsPath("billing"), flagdoc.SchemaRoot)
	assert.Contains(t, flags, "external-1")
	assert.Contains(t, flags, "x")
}

func TestReadFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flags, err := f.repo.ReadFlags(ctx, mallory, "billing", "prod")
	require.NoError(t, err)
	assert.Equal(t, map[string]flagdoc.Definition{"A": flagdoc.Bool(true), "B": flagdoc.Bool(false)}, flags)

	_, err = f.repo.ReadFlags(ctx, alice, "billing", "qa")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListProjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.repo.ListProjects(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, got)

	got, err = f.repo.ListProjects(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "search"}, got)

	got, err = f.repo.ListProjects(ctx, mallory)
	require.NoError(t, err)
	assert.Equal(t, []string{}, got)
}

func TestListEnvs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.repo.ListEnvs(ctx, alice, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "prod", "prod-beta"}, got)

	got, err = f.repo.ListEnvs(ctx, bob, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "prod"}, got)

	_, err = f.repo.ListEnvs(ctx, alice, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommitMessages(t *testing.T) {
	assert.Equal(t, "chore(@a): prod updated 0 flags ()", UpdateMessage("a", "prod", nil))
	assert.Equal(t, "chore(@a): adds 5 flags (a, b, c, d, e)", AddMessage("a", []string{"a", "b", "c", "d", "e"}))
}
