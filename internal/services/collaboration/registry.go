package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabsync/internal/config"
	"collabsync/internal/crdt"
	"collabsync/internal/metrics"
	"collabsync/internal/models"
	"collabsync/internal/ratelimit"
)

/*
REGISTRY EVENT LOOP

All registry and resident-document state is mutated by closures executed
one at a time on a single goroutine. Handlers for different documents
interleave on that loop but never run simultaneously, so no per-document
locking is needed. I/O (store loads/saves, permission resolution) runs
on caller goroutines or dedicated save goroutines and re-enters the loop
with a posted closure, so a slow save on one document never stalls
another.
*/

var ErrShuttingDown = errors.New("sync engine is shutting down")

// PageStore is what the registry needs from durable page storage.
// Interface declared here, at the consumer.
type PageStore interface {
	Load(ctx context.Context, pageID int64) ([]byte, error)
	Save(ctx context.Context, pageID int64, content []byte) error
}

// PermissionResolver is what the registry needs from access control.
type PermissionResolver interface {
	PermissionLevel(ctx context.Context, userID string, pageID int64) (models.PermissionLevel, error)
}

// Registry owns every resident document and coordinates joins, updates,
// persistence scheduling and teardown.
type Registry struct {
	cfg   *config.Config
	store PageStore
	perms PermissionResolver

	docs map[string]*ResidentDoc

	ops chan func()

	// submitMu guards closed; nothing is enqueued once closed is set,
	// which lets the loop drain ops completely before exiting.
	submitMu sync.Mutex
	closed   bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. Call Start before use.
func NewRegistry(cfg *config.Config, store PageStore, perms PermissionResolver) *Registry {
	return &Registry{
		cfg:   cfg,
		store: store,
		perms: perms,
		docs:  make(map[string]*ResidentDoc),
		ops:   make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Start begins the registry event loop.
func (r *Registry) Start() {
	log.Println("🔄 Starting document registry...")
	r.wg.Add(1)
	go r.run()
}

func (r *Registry) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			// Run anything accepted before shutdown so no exec caller
			// is left waiting on a completion that never comes.
			for {
				select {
				case op := <-r.ops:
					op()
				default:
					return
				}
			}
		case op := <-r.ops:
			op()
		}
	}
}

// submit enqueues an op unless the registry has shut down. Every
// accepted op runs: shutdown marks closed before signaling the loop,
// and the loop drains the queue before exiting.
func (r *Registry) submit(op func()) bool {
	r.submitMu.Lock()
	defer r.submitMu.Unlock()
	if r.closed {
		return false
	}
	r.ops <- op
	return true
}

// exec runs fn on the event loop and waits for it to complete.
func (r *Registry) exec(fn func()) error {
	done := make(chan struct{})
	if !r.submit(func() { fn(); close(done) }) {
		return ErrShuttingDown
	}
	<-done
	return nil
}

// post schedules fn on the event loop without waiting. Used by timer
// callbacks and save completions.
func (r *Registry) post(fn func()) {
	r.submit(fn)
}

// Join resolves the session's permission, makes the document resident
// if needed and adds the session to its room. Returns the initial state
// the gateway relays to the client.
func (r *Registry) Join(ctx context.Context, cl *Client, documentID string, pageID int64) (*InitState, error) {
	sess := cl.Sess
	if sess.Joined() {
		return nil, ErrAlreadyJoined
	}

	// Permission resolution and page loading are I/O boundaries; both
	// happen off the event loop.
	level, err := r.perms.PermissionLevel(ctx, sess.UserID, pageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocNotLoaded, err)
	}
	if level == models.PermissionNone {
		return nil, ErrNoAccess
	}

	var (
		init    *InitState
		joinErr error
		handled bool
	)

	// Fast path: document already resident.
	if err := r.exec(func() {
		doc, ok := r.docs[documentID]
		if !ok {
			return
		}
		handled = true
		init, joinErr = r.joinLocked(doc, cl, level)
	}); err != nil {
		return nil, err
	}
	if handled {
		return init, joinErr
	}

	content, err := r.store.Load(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocNotLoaded, err)
	}

	if err := r.exec(func() {
		doc, ok := r.docs[documentID]
		if !ok {
			doc, joinErr = r.createLocked(documentID, pageID, content)
			if joinErr != nil {
				return
			}
		}
		init, joinErr = r.joinLocked(doc, cl, level)
	}); err != nil {
		return nil, err
	}

	return init, joinErr
}

// createLocked makes a page resident, enforcing the registry capacity.
func (r *Registry) createLocked(documentID string, pageID int64, content []byte) (*ResidentDoc, error) {
	if len(r.docs) >= r.cfg.MaxDocs {
		if err := r.evictLocked(); err != nil {
			return nil, err
		}
	}

	replica := crdt.NewReplica()
	if len(content) > 0 {
		if err := replica.LoadState(content); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDocNotLoaded, err)
		}
	}

	doc := &ResidentDoc{
		ID:           documentID,
		PageID:       pageID,
		replica:      replica,
		clients:      make(map[string]*Client),
		lastAccessAt: time.Now(),
		savedLen:     replica.Len(),
		saveWindow:   ratelimit.NewWindow(r.cfg.SavesPerMinute, time.Minute),
	}

	r.docs[documentID] = doc
	metrics.SetResidentDocs(len(r.docs))
	log.Printf("  Document %s loaded (resident: %d)", documentID, len(r.docs))

	return doc, nil
}

// evictLocked removes the least-recently-used idle document to make
// room. An active document is never evicted.
func (r *Registry) evictLocked() error {
	var victim *ResidentDoc
	for _, doc := range r.docs {
		if len(doc.clients) > 0 {
			continue
		}
		if victim == nil || doc.lastAccessAt.Before(victim.lastAccessAt) {
			victim = doc
		}
	}

	if victim == nil {
		return ErrRegistryFull
	}

	log.Printf("  Evicting idle document %s (last access %s ago)",
		victim.ID, time.Since(victim.lastAccessAt).Round(time.Millisecond))
	r.unloadLocked(victim, UnloadReasonEviction)
	return nil
}

// joinLocked adds a session to a resident document's room.
func (r *Registry) joinLocked(doc *ResidentDoc, cl *Client, level models.PermissionLevel) (*InitState, error) {
	if len(doc.clients) >= r.cfg.MaxClientsPerDoc {
		return nil, ErrRoomFull
	}

	sess := cl.Sess
	sess.DocumentID = doc.ID
	sess.PageID = doc.PageID
	sess.Permission = level
	sess.CanEdit = level.CanEdit()

	r.cancelTTLLocked(doc)
	doc.clients[sess.ID] = cl
	doc.touch()
	r.startIntervalLocked(doc)

	log.Printf("  Session %s joined document %s (total: %d users)",
		sess.ID, doc.ID, len(doc.clients))

	return &InitState{
		StateVector: doc.replica.StateVector(),
		State:       doc.replica.EncodeState(),
		UserCount:   len(doc.clients),
		Permission:  level,
		CanEdit:     sess.CanEdit,
	}, nil
}

// Leave removes the session from its document, arming the TTL-unload
// timer if the room becomes empty.
func (r *Registry) Leave(cl *Client) {
	_ = r.exec(func() {
		r.leaveLocked(cl)
	})
}

func (r *Registry) leaveLocked(cl *Client) {
	sess := cl.Sess
	if !sess.Joined() {
		return
	}

	doc, ok := r.docs[sess.DocumentID]
	if !ok {
		sess.DocumentID = ""
		return
	}

	delete(doc.clients, sess.ID)
	doc.touch()
	sess.DocumentID = ""

	log.Printf("  Session %s left document %s (remaining: %d users)",
		sess.ID, doc.ID, len(doc.clients))

	if len(doc.clients) == 0 {
		r.stopIntervalLocked(doc)
		r.armTTLLocked(doc)
	}
}

// ApplyUpdate merges a delta from a session into its document and
// rebroadcasts the identical bytes to every other room member.
func (r *Registry) ApplyUpdate(cl *Client, documentID string, delta []byte) error {
	var opErr error
	if err := r.exec(func() {
		sess := cl.Sess
		doc, ok := r.docs[documentID]
		if !ok || sess.DocumentID != documentID {
			opErr = ErrNotJoined
			return
		}
		if _, member := doc.clients[sess.ID]; !member {
			opErr = ErrNotJoined
			return
		}
		if !sess.CanEdit {
			opErr = ErrEditPermission
			return
		}

		if err := doc.replica.ApplyDelta(delta, sess.ID); err != nil {
			opErr = fmt.Errorf("failed to apply delta: %w", err)
			return
		}

		doc.touch()
		sess.LastActiveAt = time.Now()
		r.markDirtyLocked(doc)

		// The delta is relayed verbatim; merge correctness is the
		// CRDT's job, not ours.
		frame, err := json.Marshal(&Message{
			Type:       MessageTypeUpdate,
			DocumentID: documentID,
			Update:     delta,
		})
		if err != nil {
			opErr = fmt.Errorf("failed to encode update frame: %w", err)
			return
		}

		r.broadcastLocked(doc, frame, sess.ID)
		metrics.RecordBroadcast("update")
	}); err != nil {
		return err
	}
	return opErr
}

// Awareness relays ephemeral presence state to the other room members.
// Never persisted, never marks the document dirty.
func (r *Registry) Awareness(cl *Client, documentID string, payload []byte) error {
	var opErr error
	if err := r.exec(func() {
		sess := cl.Sess
		doc, ok := r.docs[documentID]
		if !ok || sess.DocumentID != documentID {
			opErr = ErrNotJoined
			return
		}
		if _, member := doc.clients[sess.ID]; !member {
			opErr = ErrNotJoined
			return
		}

		frame, err := json.Marshal(&Message{
			Type:       MessageTypeAwareness,
			DocumentID: documentID,
			SocketID:   sess.ID,
			Awareness:  payload,
		})
		if err != nil {
			opErr = fmt.Errorf("failed to encode awareness frame: %w", err)
			return
		}

		r.broadcastLocked(doc, frame, sess.ID)
		metrics.RecordBroadcast("awareness")
	}); err != nil {
		return err
	}
	return opErr
}

// broadcastLocked queues a frame to every room member except the origin.
func (r *Registry) broadcastLocked(doc *ResidentDoc, frame []byte, excludeSessionID string) {
	for id, cl := range doc.clients {
		if id == excludeSessionID {
			continue
		}
		if !cl.enqueue(frame) {
			log.Printf("⚠️  Session %s buffer full, dropping frame for document %s", id, doc.ID)
		}
	}
}

// ManualSave persists a document on explicit client request. Unlike the
// timer-driven saves it runs synchronously and reports the outcome, but
// it still counts against the per-document save window.
func (r *Registry) ManualSave(ctx context.Context, cl *Client, documentID string) error {
	var (
		opErr    error
		snapshot []byte
		length   int
		pageID   int64
	)

	if err := r.exec(func() {
		sess := cl.Sess
		doc, ok := r.docs[documentID]
		if !ok || sess.DocumentID != documentID {
			opErr = ErrNotJoined
			return
		}
		if _, member := doc.clients[sess.ID]; !member {
			opErr = ErrNotJoined
			return
		}
		if !sess.CanEdit {
			opErr = ErrEditPermission
			return
		}
		if !doc.saveWindow.Allow() {
			metrics.RecordSave(string(SaveReasonManual), "skipped", 0)
			opErr = ErrSaveRateLimited
			return
		}

		doc.stats.Attempted++
		snapshot = doc.replica.EncodeState()
		length = doc.replica.Len()
		pageID = doc.PageID
	}); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	start := time.Now()
	saveErr := r.store.Save(ctx, pageID, snapshot)
	duration := time.Since(start)

	r.post(func() {
		doc, ok := r.docs[documentID]
		if !ok {
			return
		}
		r.finishSaveLocked(doc, SaveReasonManual, length, duration, saveErr)
	})

	if saveErr != nil {
		return fmt.Errorf("save failed: %w", saveErr)
	}
	return nil
}

// Stats returns a snapshot of resident documents and connected sessions.
func (r *Registry) Stats() (docs int, sessions int) {
	_ = r.exec(func() {
		docs = len(r.docs)
		for _, doc := range r.docs {
			sessions += len(doc.clients)
		}
	})
	return docs, sessions
}

// Shutdown tears the registry down, attempting a final synchronous save
// for every dirty document before the process exits. Safe to call more
// than once.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(r.shutdown)
}

func (r *Registry) shutdown() {
	log.Println("🛑 Shutting down document registry...")

	type pendingSave struct {
		pageID int64
		state  []byte
	}
	var saves []pendingSave

	_ = r.exec(func() {
		for id, doc := range r.docs {
			r.stopTimersLocked(doc)
			if doc.dirty {
				saves = append(saves, pendingSave{doc.PageID, doc.replica.EncodeState()})
			}
			doc.replica.Destroy()
			delete(r.docs, id)
			metrics.RecordUnload(string(UnloadReasonShutdown))
		}
		metrics.SetResidentDocs(0)
	})

	for _, p := range saves {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		start := time.Now()
		if err := r.store.Save(ctx, p.pageID, p.state); err != nil {
			log.Printf("⚠️  Final save failed for page %d: %v", p.pageID, err)
			metrics.RecordSave(string(SaveReasonShutdown), "failed", time.Since(start).Seconds())
		} else {
			metrics.RecordSave(string(SaveReasonShutdown), "success", time.Since(start).Seconds())
		}
		cancel()
	}

	r.submitMu.Lock()
	r.closed = true
	r.submitMu.Unlock()
	close(r.done)
	r.wg.Wait()
	log.Println("✓ Document registry shutdown complete")
}
