package autoimport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmind/kbengine/pkg/errdefs"
	"github.com/classmind/kbengine/pkg/events"
	"github.com/classmind/kbengine/pkg/ingest"
	"github.com/classmind/kbengine/pkg/types"
)

type recordingUploader struct {
	mu      sync.Mutex
	uploads []string // "<user>/<file>"
	fail    map[string]error
}

func (r *recordingUploader) Upload(ctx context.Context, userID string, req *ingest.UploadRequest) (*types.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := userID + "/" + req.FileName
	if err, ok := r.fail[key]; ok {
		return nil, err
	}
	r.uploads = append(r.uploads, key)
	return &types.Document{ID: key, UserID: userID, FileName: req.FileName}, nil
}

func newImporterFixture(t *testing.T) (*Importer, *recordingUploader, string) {
	t.Helper()
	dir := t.TempDir()
	up := &recordingUploader{fail: map[string]error{}}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(nil, up, broker, dir, time.Minute), up, dir
}

func seedLibrary(t *testing.T, dir, user, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, user), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, user, name), []byte(content), 0o644))
}

func TestCycleImportsPerUser(t *testing.T) {
	im, up, dir := newImporterFixture(t)
	seedLibrary(t, dir, "u1", "notes.txt", "alpha")
	seedLibrary(t, dir, "u1", "draft.md", "beta")
	seedLibrary(t, dir, "u2", "syllabus.txt", "gamma")

	im.cycle()

	assert.ElementsMatch(t,
		[]string{"u1/notes.txt", "u1/draft.md", "u2/syllabus.txt"},
		up.uploads)
}

func TestCycleSkipsUnknownExtensions(t *testing.T) {
	im, up, dir := newImporterFixture(t)
	seedLibrary(t, dir, "u1", "notes.txt", "alpha")
	seedLibrary(t, dir, "u1", "movie.mp4", "not importable")

	im.cycle()

	assert.Equal(t, []string{"u1/notes.txt"}, up.uploads)
}

func TestCycleTreatsConflictAsAlreadyImported(t *testing.T) {
	im, up, dir := newImporterFixture(t)
	seedLibrary(t, dir, "u1", "notes.txt", "alpha")
	up.fail["u1/notes.txt"] = errdefs.E(errdefs.KindConflict, "document exists")

	im.cycle()

	assert.Empty(t, up.uploads)
}

func TestCycleMissingLibraryDir(t *testing.T) {
	up := &recordingUploader{}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	im := New(nil, up, broker, filepath.Join(t.TempDir(), "absent"), time.Minute)

	im.cycle()
	assert.Empty(t, up.uploads)
}

func TestNilRedisIsAlwaysLeader(t *testing.T) {
	im, _, _ := newImporterFixture(t)
	assert.True(t, im.acquire())
}

// lockStore fakes the Redis slice the leader lock uses: SetNX plus the
// compare-and-act scripts through Eval.
type lockStore struct {
	redis.Cmdable
	mu        sync.Mutex
	holder    string
	refreshes int
}

func (s *lockStore) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	if s.holder != "" {
		cmd.SetVal(false)
		return cmd
	}
	s.holder = fmt.Sprint(value)
	cmd.SetVal(true)
	return cmd
}

// noScriptErr satisfies redis.Error so Script.Run falls back to Eval.
type noScriptErr struct{}

func (noScriptErr) Error() string { return "NOSCRIPT No matching script" }
func (noScriptErr) RedisError()   {}

func (s *lockStore) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(noScriptErr{})
	return cmd
}

func (s *lockStore) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	if s.holder != fmt.Sprint(args[0]) {
		cmd.SetVal(int64(0))
		return cmd
	}
	if strings.Contains(script, "PEXPIRE") {
		s.refreshes++
	} else {
		s.holder = ""
	}
	cmd.SetVal(int64(1))
	return cmd
}

func newLockedImporter(t *testing.T, store *lockStore) *Importer {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	return New(store, &recordingUploader{}, broker, t.TempDir(), time.Minute)
}

func TestLeaderRefreshRequiresOwnership(t *testing.T) {
	store := &lockStore{}
	im := newLockedImporter(t, store)

	require.True(t, im.acquire(), "free lock is taken")
	assert.Equal(t, im.id, store.holder)

	require.True(t, im.acquire(), "held lock refreshes")
	assert.Equal(t, 1, store.refreshes)

	// Another instance took over after an expiry; the old leader must
	// not extend the new holder's lock.
	store.holder = "rival"
	assert.False(t, im.acquire())
	assert.Equal(t, "rival", store.holder)
	assert.Equal(t, 1, store.refreshes)
}

func TestReleaseLeavesRivalLockAlone(t *testing.T) {
	store := &lockStore{}
	im := newLockedImporter(t, store)
	rival := newLockedImporter(t, store)

	require.True(t, im.acquire())
	rival.release()
	assert.Equal(t, im.id, store.holder, "release without ownership is a no-op")

	im.release()
	assert.Empty(t, store.holder)
}

func TestCyclePublishesEvent(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(sub) })

	im := New(nil, up, broker, dir, time.Minute)
	seedLibrary(t, dir, "u1", "notes.txt", "alpha")
	im.cycle()

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventImportCycle, ev.Type)
		assert.Equal(t, "1", ev.Metadata["imported"])
	case <-time.After(time.Second):
		t.Fatal("import cycle event not published")
	}
}
