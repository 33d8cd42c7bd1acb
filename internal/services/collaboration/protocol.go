package collaboration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// MessageType identifies a frame in the collaboration protocol.
type MessageType string

const (
	MessageTypeJoin      MessageType = "join"
	MessageTypeInit      MessageType = "init"
	MessageTypeUpdate    MessageType = "update"
	MessageTypeAwareness MessageType = "awareness"
	MessageTypeSave      MessageType = "save"
	MessageTypeSaved     MessageType = "saved"
	MessageTypeError     MessageType = "error"
)

// ErrorCode identifies a rejected message.
type ErrorCode string

const (
	CodeNotJoined         ErrorCode = "NOT_JOINED"
	CodeEditPermission    ErrorCode = "EDIT_PERMISSION_REQUIRED"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeInvalidDocumentID ErrorCode = "INVALID_DOCUMENT_ID"
	CodePageMismatch      ErrorCode = "PAGE_MISMATCH"
	CodeDocNotLoaded      ErrorCode = "DOC_NOT_LOADED"
	CodeRoomFull          ErrorCode = "ROOM_FULL"
	CodeRegistryFull      ErrorCode = "REGISTRY_FULL"
	CodeAlreadyJoined     ErrorCode = "ALREADY_JOINED"
	CodeSaveRateLimited   ErrorCode = "SAVE_RATE_LIMITED"
	CodeInvalidMessage    ErrorCode = "INVALID_MESSAGE"
	CodeInternal          ErrorCode = "INTERNAL"
)

// Sentinel errors raised by the registry, mapped to wire codes at the
// gateway boundary.
var (
	ErrNotJoined       = errors.New("session is not joined to this document")
	ErrEditPermission  = errors.New("edit permission required")
	ErrNoAccess        = errors.New("no access to this document")
	ErrRoomFull        = errors.New("document room is full")
	ErrRegistryFull    = errors.New("no capacity for another resident document")
	ErrDocNotLoaded    = errors.New("document could not be loaded")
	ErrAlreadyJoined   = errors.New("session already joined a document")
	ErrSaveRateLimited = errors.New("save rate limit exceeded")
)

// Message is the JSON envelope for every client/server frame. Binary
// fields ([]byte) ride as base64 per encoding/json.
type Message struct {
	Type       MessageType `json:"type"`
	DocumentID string      `json:"documentId,omitempty"`
	PageID     int64       `json:"pageId,omitempty"`
	UserID     string      `json:"userId,omitempty"`

	// update / init payloads
	Update      []byte `json:"update,omitempty"`
	StateVector []byte `json:"stateVector,omitempty"`
	UserCount   int    `json:"userCount,omitempty"`
	Permission  string `json:"permission,omitempty"`
	CanEdit     bool   `json:"canEdit,omitempty"`

	// awareness payload
	Awareness []byte `json:"awarenessUpdate,omitempty"`
	SocketID  string `json:"socketId,omitempty"`

	// saved payload
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// error payload
	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

var documentIDPattern = regexp.MustCompile(`^page-([0-9]+)$`)

// ParseDocumentID validates the external document key and extracts the
// owning page id.
func ParseDocumentID(documentID string) (int64, error) {
	m := documentIDPattern.FindStringSubmatch(documentID)
	if m == nil {
		return 0, fmt.Errorf("malformed document id %q", documentID)
	}

	pageID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || pageID <= 0 {
		return 0, fmt.Errorf("document id %q has no valid page id", documentID)
	}

	return pageID, nil
}

// DocumentIDFor builds the external key for a page.
func DocumentIDFor(pageID int64) string {
	return fmt.Sprintf("page-%d", pageID)
}

// validateTarget checks the (documentId, pageId) pair every document
// message carries.
func validateTarget(documentID string, pageID int64) (ErrorCode, error) {
	parsed, err := ParseDocumentID(documentID)
	if err != nil {
		return CodeInvalidDocumentID, err
	}
	if pageID <= 0 {
		return CodePageMismatch, fmt.Errorf("page id must be a positive integer, got %d", pageID)
	}
	if pageID != parsed {
		return CodePageMismatch, fmt.Errorf("page id %d does not match document %s", pageID, documentID)
	}
	return "", nil
}

// codeForError maps registry sentinels to wire codes.
func codeForError(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrEditPermission):
		return CodeEditPermission
	case errors.Is(err, ErrNoAccess):
		return CodePermissionDenied
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrRegistryFull):
		return CodeRegistryFull
	case errors.Is(err, ErrDocNotLoaded):
		return CodeDocNotLoaded
	case errors.Is(err, ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, ErrSaveRateLimited):
		return CodeSaveRateLimited
	default:
		return CodeInternal
	}
}

func errorMessage(documentID string, code ErrorCode, err error) *Message {
	return &Message{
		Type:       MessageTypeError,
		DocumentID: documentID,
		Message:    err.Error(),
		Code:       code,
	}
}
