package models

import (
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents one connection's collaboration state.
//
// Permission and CanEdit are resolved once at join time and trusted for
// the lifetime of the session; a revocation takes effect on reconnect.
type Session struct {
	ID           string          `json:"id"` // also the socket id relayed in awareness messages
	UserID       string          `json:"user_id,omitempty"`
	DocumentID   string          `json:"document_id,omitempty"` // at most one joined document
	PageID       int64           `json:"page_id,omitempty"`
	Permission   PermissionLevel `json:"permission"`
	CanEdit      bool            `json:"can_edit"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
}

// Joined reports whether the session is currently a member of a document.
func (s *Session) Joined() bool {
	return s.DocumentID != ""
}

// IsAnonymous reports whether a user id belongs to an unauthenticated
// session. Anonymous ids only exist when auth is disabled.
func IsAnonymous(userID string) bool {
	return userID == "" || strings.HasPrefix(userID, "anon-")
}

func NewSession(userID string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		UserID:       userID,
		Permission:   PermissionNone,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
