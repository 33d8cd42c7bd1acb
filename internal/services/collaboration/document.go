package collaboration

import (
	"time"

	"collabsync/internal/crdt"
	"collabsync/internal/models"
	"collabsync/internal/ratelimit"

	"github.com/gorilla/websocket"
)

// SaveReason tags what triggered a persistence attempt.
type SaveReason string

const (
	SaveReasonDebounce SaveReason = "debounce"
	SaveReasonInterval SaveReason = "interval"
	SaveReasonManual   SaveReason = "manual"
	SaveReasonTTL      SaveReason = "ttl"
	SaveReasonEviction SaveReason = "eviction"
	SaveReasonShutdown SaveReason = "shutdown"
)

// UnloadReason tags why a resident document left memory.
type UnloadReason string

const (
	UnloadReasonTTL      UnloadReason = "ttl"
	UnloadReasonEviction UnloadReason = "eviction"
	UnloadReasonShutdown UnloadReason = "shutdown"
)

// saveStats is per-document persistence bookkeeping.
type saveStats struct {
	Attempted    int
	Succeeded    int
	Failed       int
	LastSaveAt   time.Time
	LastReason   SaveReason
	LastDuration time.Duration
}

// ResidentDoc is one document held in memory with an active CRDT
// replica. All fields are owned by the registry's event loop; nothing
// else reads or mutates them.
type ResidentDoc struct {
	ID     string // external key, "page-<pageID>"
	PageID int64

	replica      *crdt.Replica
	clients      map[string]*Client // session id -> connection
	lastAccessAt time.Time
	dirty        bool

	// At most one pending instance of each timer. A nil handle means
	// the timer is not armed.
	debounceTimer *time.Timer
	intervalTimer *time.Timer
	ttlTimer      *time.Timer

	// savedLen is the replica length covered by the last successful
	// save; a save completion only clears dirty when no further deltas
	// arrived while the store call was in flight.
	savedLen int

	saveWindow *ratelimit.Window
	stats      saveStats
}

func (d *ResidentDoc) touch() {
	d.lastAccessAt = time.Now()
}

// InitState is what a joining session receives once it is a room member.
type InitState struct {
	StateVector []byte
	State       []byte // full encoded document for initial sync
	UserCount   int
	Permission  models.PermissionLevel
	CanEdit     bool
}

// Client is one websocket connection attached to the registry. The
// registry only touches Sess and the send queue; the gateway owns the
// connection itself.
type Client struct {
	Sess   *models.Session
	conn   *websocket.Conn
	send   chan []byte // buffered outbound queue drained by the write pump
	pageID int64       // page the connection URL is scoped to; joins must match
}

// enqueue queues an outbound frame without blocking the event loop. A
// full buffer means the connection is slow or dead; the frame is
// dropped and the read pump's ping/pong handling will reap the
// connection.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
