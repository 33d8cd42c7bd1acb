package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"collabsync/internal/config"
	"collabsync/internal/crdt"
	"collabsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory PageStore with save accounting and fault
// injection.
type fakeStore struct {
	mu       sync.Mutex
	pages    map[int64][]byte
	attempts map[int64]int
	saved    map[int64]int
	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pages:    make(map[int64][]byte),
		attempts: make(map[int64]int),
		saved:    make(map[int64]int),
	}
}

func (s *fakeStore) Load(_ context.Context, pageID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pages[pageID]...), nil
}

func (s *fakeStore) Save(_ context.Context, pageID int64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[pageID]++
	if s.failSave {
		return errors.New("store unavailable")
	}
	s.pages[pageID] = append([]byte(nil), content...)
	s.saved[pageID]++
	return nil
}

func (s *fakeStore) setFailing(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = fail
}

func (s *fakeStore) attemptCount(pageID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[pageID]
}

func (s *fakeStore) saveCount(pageID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[pageID]
}

func (s *fakeStore) content(pageID int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pages[pageID]...)
}

// fakePerms resolves configured levels; unknown users default to editor.
type fakePerms struct {
	levels map[string]models.PermissionLevel
}

func (p *fakePerms) PermissionLevel(_ context.Context, userID string, _ int64) (models.PermissionLevel, error) {
	if lvl, ok := p.levels[userID]; ok {
		return lvl, nil
	}
	return models.PermissionEditor, nil
}

// testConfig parks every timer far in the future so individual tests only
// see the behavior they configure.
func testConfig() *config.Config {
	return &config.Config{
		SaveDebounce:     time.Hour,
		SnapshotInterval: time.Hour,
		DocTTL:           time.Hour,
		MaxDocs:          8,
		MaxClientsPerDoc: 8,
		SavesPerMinute:   100,
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config, store PageStore, perms PermissionResolver) *Registry {
	t.Helper()
	if perms == nil {
		perms = &fakePerms{}
	}
	r := NewRegistry(cfg, store, perms)
	r.Start()
	t.Cleanup(r.Shutdown)
	return r
}

func newTestClient(userID string) *Client {
	return &Client{
		Sess: models.NewSession(userID),
		send: make(chan []byte, 64),
	}
}

func recvFrame(t *testing.T, cl *Client) *Message {
	t.Helper()
	select {
	case frame := <-cl.send:
		var msg Message
		require.NoError(t, json.Unmarshal(frame, &msg))
		return &msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, cl *Client) {
	t.Helper()
	select {
	case frame := <-cl.send:
		t.Fatalf("unexpected outbound frame: %s", frame)
	default:
	}
}

func TestJoinMakesDocumentResident(t *testing.T) {
	store := newFakeStore()
	store.pages[1] = crdt.EncodeUpdates([][]byte{[]byte("persisted delta")})
	r := newTestRegistry(t, testConfig(), store, nil)

	cl := newTestClient("alice")
	init, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)

	assert.Equal(t, store.pages[1], init.State, "joiner receives the loaded document state")
	assert.Equal(t, 1, init.UserCount)
	assert.Equal(t, models.PermissionEditor, init.Permission)
	assert.True(t, init.CanEdit)

	assert.Equal(t, "page-1", cl.Sess.DocumentID)
	assert.Equal(t, int64(1), cl.Sess.PageID)

	docs, sessions := r.Stats()
	assert.Equal(t, 1, docs)
	assert.Equal(t, 1, sessions)
}

func TestJoinDeniedWithoutAccess(t *testing.T) {
	perms := &fakePerms{levels: map[string]models.PermissionLevel{"eve": models.PermissionNone}}
	r := newTestRegistry(t, testConfig(), newFakeStore(), perms)

	cl := newTestClient("eve")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	assert.ErrorIs(t, err, ErrNoAccess)
	assert.False(t, cl.Sess.Joined())

	docs, _ := r.Stats()
	assert.Equal(t, 0, docs, "a denied join must not make the document resident")
}

func TestSecondJoinRejected(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)

	_, err = r.Join(context.Background(), cl, "page-2", 2)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoinRoomFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxClientsPerDoc = 1
	r := newTestRegistry(t, cfg, newFakeStore(), nil)

	_, err := r.Join(context.Background(), newTestClient("alice"), "page-1", 1)
	require.NoError(t, err)

	cl2 := newTestClient("bob")
	_, err = r.Join(context.Background(), cl2, "page-1", 1)
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.False(t, cl2.Sess.Joined())

	_, sessions := r.Stats()
	assert.Equal(t, 1, sessions)
}

func TestJoinRejectedWhenAllDocumentsActive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDocs = 1
	r := newTestRegistry(t, cfg, newFakeStore(), nil)

	_, err := r.Join(context.Background(), newTestClient("alice"), "page-1", 1)
	require.NoError(t, err)

	// page-1 still has a client, so nothing can be evicted.
	_, err = r.Join(context.Background(), newTestClient("bob"), "page-2", 2)
	assert.ErrorIs(t, err, ErrRegistryFull)

	docs, sessions := r.Stats()
	assert.Equal(t, 1, docs)
	assert.Equal(t, 1, sessions)
}

func TestEvictionPicksLeastRecentlyUsedIdleDocument(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDocs = 2
	store := newFakeStore()
	r := newTestRegistry(t, cfg, store, nil)

	// page-1 becomes idle first.
	cl1 := newTestClient("alice")
	_, err := r.Join(context.Background(), cl1, "page-1", 1)
	require.NoError(t, err)
	r.Leave(cl1)

	time.Sleep(10 * time.Millisecond)

	// page-2 stays active.
	cl2 := newTestClient("bob")
	_, err = r.Join(context.Background(), cl2, "page-2", 2)
	require.NoError(t, err)

	// page-3 needs a slot; the idle page-1 gets evicted, never the active
	// page-2.
	cl3 := newTestClient("carol")
	_, err = r.Join(context.Background(), cl3, "page-3", 3)
	require.NoError(t, err)

	docs, sessions := r.Stats()
	assert.Equal(t, 2, docs)
	assert.Equal(t, 2, sessions)

	// page-2 is still functional for its client.
	require.NoError(t, r.ApplyUpdate(cl2, "page-2", []byte("still alive")))
}

func TestRejoinAfterLeave(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)

	r.Leave(cl)
	assert.False(t, cl.Sess.Joined())

	init, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, init.UserCount)
}

func TestApplyUpdateBroadcastsVerbatim(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	cl1 := newTestClient("alice")
	cl2 := newTestClient("bob")
	_, err := r.Join(context.Background(), cl1, "page-1", 1)
	require.NoError(t, err)
	_, err = r.Join(context.Background(), cl2, "page-1", 1)
	require.NoError(t, err)

	delta := []byte{0x01, 0x02, 0xff, 0x00, 0x7f}
	require.NoError(t, r.ApplyUpdate(cl1, "page-1", delta))

	msg := recvFrame(t, cl2)
	assert.Equal(t, MessageTypeUpdate, msg.Type)
	assert.Equal(t, "page-1", msg.DocumentID)
	assert.Equal(t, delta, msg.Update, "relayed delta must be byte-for-byte identical")

	// The origin never receives its own update back.
	assertNoFrame(t, cl1)
}

func TestApplyUpdateRequiresMembership(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	// Never joined.
	outsider := newTestClient("mallory")
	assert.ErrorIs(t, r.ApplyUpdate(outsider, "page-1", []byte("x")), ErrNotJoined)

	// Joined, but to a different document.
	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, r.ApplyUpdate(cl, "page-2", []byte("x")), ErrNotJoined)
}

func TestViewerCannotEdit(t *testing.T) {
	perms := &fakePerms{levels: map[string]models.PermissionLevel{"bob": models.PermissionViewer}}
	store := newFakeStore()
	cfg := testConfig()
	cfg.SaveDebounce = 50 * time.Millisecond
	r := newTestRegistry(t, cfg, store, perms)

	cl1 := newTestClient("alice")
	_, err := r.Join(context.Background(), cl1, "page-1", 1)
	require.NoError(t, err)

	viewer := newTestClient("bob")
	init, err := r.Join(context.Background(), viewer, "page-1", 1)
	require.NoError(t, err, "viewers may join")
	assert.False(t, init.CanEdit)

	err = r.ApplyUpdate(viewer, "page-1", []byte("illegal edit"))
	assert.ErrorIs(t, err, ErrEditPermission)

	// Nothing was merged, broadcast or scheduled for persistence.
	assertNoFrame(t, cl1)
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, store.attemptCount(1))

	// Viewers still receive other people's updates.
	require.NoError(t, r.ApplyUpdate(cl1, "page-1", []byte("legal edit")))
	msg := recvFrame(t, viewer)
	assert.Equal(t, []byte("legal edit"), msg.Update)
}

func TestAwarenessRelayedNotPersisted(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	cfg.SaveDebounce = 50 * time.Millisecond
	r := newTestRegistry(t, cfg, store, nil)

	cl1 := newTestClient("alice")
	cl2 := newTestClient("bob")
	_, err := r.Join(context.Background(), cl1, "page-1", 1)
	require.NoError(t, err)
	_, err = r.Join(context.Background(), cl2, "page-1", 1)
	require.NoError(t, err)

	payload := []byte(`{"cursor":{"line":3,"col":14}}`)
	require.NoError(t, r.Awareness(cl1, "page-1", payload))

	msg := recvFrame(t, cl2)
	assert.Equal(t, MessageTypeAwareness, msg.Type)
	assert.Equal(t, payload, msg.Awareness)
	assert.Equal(t, cl1.Sess.ID, msg.SocketID, "awareness frames carry the origin socket id")
	assertNoFrame(t, cl1)

	// Awareness never dirties the document.
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, store.attemptCount(1))
}

func TestAwarenessRequiresMembership(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	outsider := newTestClient("mallory")
	assert.ErrorIs(t, r.Awareness(outsider, "page-1", []byte("x")), ErrNotJoined)
}

func TestManualSavePersistsImmediately(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, testConfig(), store, nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(cl, "page-1", []byte("alpha")))

	require.NoError(t, r.ManualSave(context.Background(), cl, "page-1"))

	assert.Equal(t, 1, store.saveCount(1))
	decoded, err := crdt.SplitUpdates(store.content(1))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("alpha")}, decoded)
}

func TestManualSaveOnCleanDocument(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, testConfig(), store, nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)

	// An explicit save request is honored even with nothing dirty.
	require.NoError(t, r.ManualSave(context.Background(), cl, "page-1"))
	assert.Equal(t, 1, store.saveCount(1))
}

func TestManualSaveRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SavesPerMinute = 1
	store := newFakeStore()
	r := newTestRegistry(t, cfg, store, nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)

	require.NoError(t, r.ManualSave(context.Background(), cl, "page-1"))
	err = r.ManualSave(context.Background(), cl, "page-1")
	assert.ErrorIs(t, err, ErrSaveRateLimited)
	assert.Equal(t, 1, store.saveCount(1))
}

func TestManualSaveRequiresEditPermission(t *testing.T) {
	perms := &fakePerms{levels: map[string]models.PermissionLevel{"bob": models.PermissionViewer}}
	store := newFakeStore()
	r := newTestRegistry(t, testConfig(), store, perms)

	viewer := newTestClient("bob")
	_, err := r.Join(context.Background(), viewer, "page-1", 1)
	require.NoError(t, err)

	err = r.ManualSave(context.Background(), viewer, "page-1")
	assert.ErrorIs(t, err, ErrEditPermission)
	assert.Zero(t, store.attemptCount(1))
}

func TestManualSaveRequiresMembership(t *testing.T) {
	r := newTestRegistry(t, testConfig(), newFakeStore(), nil)

	outsider := newTestClient("mallory")
	err := r.ManualSave(context.Background(), outsider, "page-1")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestShutdownWithConcurrentOperations(t *testing.T) {
	r := NewRegistry(testConfig(), newFakeStore(), &fakePerms{})
	r.Start()

	// Hammer the event loop from many goroutines while shutdown races
	// them; every accepted operation must complete and no caller may
	// hang.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _ = r.Stats()
			}
		}()
	}
	go r.Shutdown()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("registry callers hung during shutdown")
	}
	r.Shutdown()
}

func TestShutdownSavesDirtyDocuments(t *testing.T) {
	store := newFakeStore()
	r := newTestRegistry(t, testConfig(), store, nil)

	cl := newTestClient("alice")
	_, err := r.Join(context.Background(), cl, "page-1", 1)
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(cl, "page-1", []byte("unsaved work")))

	r.Shutdown()

	assert.Equal(t, 1, store.saveCount(1))
	decoded, err := crdt.SplitUpdates(store.content(1))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("unsaved work")}, decoded)
}
