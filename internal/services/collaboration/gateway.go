package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"collabsync/internal/auth"
	"collabsync/internal/config"
	"collabsync/internal/metrics"
	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin properly
		return true
	},
}

// Gateway upgrades connections, authenticates them and routes protocol
// messages into the registry. Each connection gets a read pump and a
// write pump; a session's messages are processed strictly in the order
// received.
type Gateway struct {
	cfg      *config.Config
	registry *Registry

	updateGuard    *ratelimit.KeyedWindows
	awarenessGuard *ratelimit.KeyedWindows
}

// NewGateway creates a new session gateway
func NewGateway(cfg *config.Config, registry *Registry) *Gateway {
	return &Gateway{
		cfg:            cfg,
		registry:       registry,
		updateGuard:    ratelimit.NewKeyedWindows(cfg.UpdateRatePerSec, time.Second),
		awarenessGuard: ratelimit.NewKeyedWindows(cfg.AwarenessRatePerSec, time.Second),
	}
}

// Stop releases the gateway's rate-limiter bookkeeping.
func (g *Gateway) Stop() {
	g.updateGuard.Stop()
	g.awarenessGuard.Stop()
}

// HandleConnection handles a websocket connection for collaboration.
// When auth is required the credential is checked before the upgrade;
// a missing or invalid token refuses the handshake outright.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pageID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || pageID <= 0 {
		http.Error(w, "page id must be a positive integer", http.StatusBadRequest)
		return
	}

	var userID string
	if g.cfg.AuthRequired {
		uid, err := auth.ResolveUserID(auth.TokenFromRequest(r), g.cfg.JWTSecret)
		if err != nil {
			log.Printf("⚠️  Rejected unauthenticated connection: %v", err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		userID = uid
	} else {
		userID = r.URL.Query().Get("user_id")
		if userID == "" {
			userID = "anon-" + uuid.NewString()
		}
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("user.id", userID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	sess := models.NewSession(userID)
	cl := &Client{
		Sess:   sess,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		pageID: pageID,
	}

	metrics.SessionOpened()
	log.Printf("✓ WebSocket connection established (session: %s, user: %s)", sess.ID, userID)

	// The request context is canceled as soon as this handler returns;
	// registry I/O issued from the pumps needs a context tied to the
	// connection instead.
	connCtx, cancel := context.WithCancel(trace.ContextWithSpan(context.Background(), span))

	go g.writePump(cl)
	go g.readPump(connCtx, cancel, cl)
}

// readPump reads messages from the connection and processes them one at
// a time, preserving per-connection FIFO ordering.
func (g *Gateway) readPump(ctx context.Context, cancel context.CancelFunc, cl *Client) {
	defer func() {
		cancel()
		g.registry.Leave(cl)
		g.updateGuard.Remove(cl.Sess.ID)
		g.awarenessGuard.Remove(cl.Sess.ID)
		metrics.SessionClosed()
		cl.conn.Close()
		close(cl.send)
		log.Printf("  Session %s disconnected", cl.Sess.ID)
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.Sess.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		cl.Sess.LastActiveAt = time.Now()

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.send(cl, &Message{
				Type:    MessageTypeError,
				Message: "malformed message",
				Code:    CodeInvalidMessage,
			})
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", cl.Sess.ID),
			attribute.String("message.type", string(msg.Type)),
			attribute.Int("message.size", len(raw)),
		)
		g.handleMessage(msgCtx, cl, &msg)
		span.End()
	}
}

func (g *Gateway) handleMessage(ctx context.Context, cl *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeJoin:
		g.handleJoin(ctx, cl, msg)
	case MessageTypeUpdate:
		g.handleUpdate(ctx, cl, msg)
	case MessageTypeAwareness:
		g.handleAwareness(cl, msg)
	case MessageTypeSave:
		g.handleSave(ctx, cl, msg)
	default:
		g.send(cl, &Message{
			Type:    MessageTypeError,
			Message: "unknown message type",
			Code:    CodeInvalidMessage,
		})
	}
}

func (g *Gateway) handleJoin(ctx context.Context, cl *Client, msg *Message) {
	if code, err := validateTarget(msg.DocumentID, msg.PageID); err != nil {
		g.send(cl, errorMessage(msg.DocumentID, code, err))
		return
	}

	// The connection URL scopes the session to one page; a join for any
	// other page is rejected.
	if msg.PageID != cl.pageID {
		g.send(cl, errorMessage(msg.DocumentID, CodePageMismatch,
			fmt.Errorf("connection is scoped to page %d, cannot join page %d", cl.pageID, msg.PageID)))
		return
	}

	// With auth disabled a client may declare its own identity at join.
	if !g.cfg.AuthRequired && msg.UserID != "" && !cl.Sess.Joined() {
		cl.Sess.UserID = msg.UserID
	}

	init, err := g.registry.Join(ctx, cl, msg.DocumentID, msg.PageID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		g.send(cl, errorMessage(msg.DocumentID, codeForError(err), err))
		return
	}

	g.send(cl, &Message{
		Type:        MessageTypeInit,
		DocumentID:  msg.DocumentID,
		StateVector: init.StateVector,
		UserCount:   init.UserCount,
		Permission:  string(init.Permission),
		CanEdit:     init.CanEdit,
	})

	// Initial sync: the full encoded document rides as a regular update
	// so the client's replica can reconstruct state.
	if len(init.State) > 0 {
		g.send(cl, &Message{
			Type:       MessageTypeUpdate,
			DocumentID: msg.DocumentID,
			Update:     init.State,
		})
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, cl *Client, msg *Message) {
	if _, err := ParseDocumentID(msg.DocumentID); err != nil {
		g.send(cl, errorMessage(msg.DocumentID, CodeInvalidDocumentID, err))
		return
	}
	if len(msg.Update) == 0 {
		g.send(cl, &Message{
			Type:       MessageTypeError,
			DocumentID: msg.DocumentID,
			Message:    "update payload is empty",
			Code:       CodeInvalidMessage,
		})
		return
	}

	// Over-limit updates are dropped silently: soft backpressure, no
	// disconnect, no error frame.
	if !g.updateGuard.Allow(cl.Sess.ID) {
		metrics.RecordRateLimitDrop("update")
		return
	}

	if err := g.registry.ApplyUpdate(cl, msg.DocumentID, msg.Update); err != nil {
		middleware.AddSpanError(ctx, err)
		g.send(cl, errorMessage(msg.DocumentID, codeForError(err), err))
	}
}

func (g *Gateway) handleAwareness(cl *Client, msg *Message) {
	if _, err := ParseDocumentID(msg.DocumentID); err != nil {
		g.send(cl, errorMessage(msg.DocumentID, CodeInvalidDocumentID, err))
		return
	}

	if !g.awarenessGuard.Allow(cl.Sess.ID) {
		metrics.RecordRateLimitDrop("awareness")
		return
	}

	if err := g.registry.Awareness(cl, msg.DocumentID, msg.Awareness); err != nil {
		g.send(cl, errorMessage(msg.DocumentID, codeForError(err), err))
	}
}

func (g *Gateway) handleSave(ctx context.Context, cl *Client, msg *Message) {
	if code, err := validateTarget(msg.DocumentID, msg.PageID); err != nil {
		g.send(cl, errorMessage(msg.DocumentID, code, err))
		return
	}

	err := g.registry.ManualSave(ctx, cl, msg.DocumentID)
	if errors.Is(err, ErrNotJoined) || errors.Is(err, ErrEditPermission) {
		g.send(cl, errorMessage(msg.DocumentID, codeForError(err), err))
		return
	}

	saved := &Message{
		Type:       MessageTypeSaved,
		DocumentID: msg.DocumentID,
		Success:    err == nil,
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		saved.Error = string(codeForError(err))
	}
	g.send(cl, saved)
}

// send marshals and queues a frame for the client's write pump.
func (g *Gateway) send(cl *Client, msg *Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to encode frame for session %s: %v", cl.Sess.ID, err)
		return
	}
	if !cl.enqueue(frame) {
		log.Printf("⚠️  Session %s buffer full, dropping %s frame", cl.Sess.ID, msg.Type)
	}
}

// writePump writes queued frames to the connection. A separate goroutine
// per connection prevents a slow client from blocking the event loop.
func (g *Gateway) writePump(cl *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := cl.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
