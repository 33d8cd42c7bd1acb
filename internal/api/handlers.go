package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"collabsync/internal/middleware"
	"collabsync/internal/models"
	"collabsync/internal/repository"

	"github.com/gorilla/mux"
)

// Handler carries the dependencies for the HTTP boundary. The
// collaborative sync itself happens over the websocket endpoint; these
// handlers only cover what clients need around it: creating pages,
// fetching metadata and introspecting the engine.
type Handler struct {
	pages PageService
	perms PermissionService
	sync  SyncEngine
	ws    http.HandlerFunc
}

// NewHandler creates the API handler with dependency injection
func NewHandler(pages PageService, perms PermissionService, sync SyncEngine, ws http.HandlerFunc) *Handler {
	return &Handler{
		pages: pages,
		perms: perms,
		sync:  sync,
		ws:    ws,
	}
}

// CreatePage handles POST /api/pages
func (h *Handler) CreatePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var create models.PageCreate
	if err := json.NewDecoder(r.Body).Decode(&create); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if create.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	page, err := h.pages.Create(ctx, &create)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to create page")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"page":        page,
		"document_id": page.DocumentID(),
	})
}

// GetPage handles GET /api/pages/{id}
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pageID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || pageID <= 0 {
		writeError(w, http.StatusBadRequest, "page id must be a positive integer")
		return
	}

	page, err := h.pages.GetByID(ctx, pageID)
	if errors.Is(err, repository.ErrPageNotFound) {
		writeError(w, http.StatusNotFound, "page not found")
		return
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to get page")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":        page,
		"document_id": page.DocumentID(),
	})
}

type permissionGrant struct {
	UserID string `json:"user_id"`
	Level  string `json:"level"`
}

// GrantPermission handles POST /api/pages/{id}/permissions
func (h *Handler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pageID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || pageID <= 0 {
		writeError(w, http.StatusBadRequest, "page id must be a positive integer")
		return
	}

	var grant permissionGrant
	if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if grant.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	level, ok := models.ParsePermissionLevel(grant.Level)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown permission level")
		return
	}

	if _, err := h.pages.GetByID(ctx, pageID); err != nil {
		if errors.Is(err, repository.ErrPageNotFound) {
			writeError(w, http.StatusNotFound, "page not found")
			return
		}
		middleware.AddSpanError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to get page")
		return
	}

	if err := h.perms.Grant(ctx, grant.UserID, pageID, level); err != nil {
		middleware.AddSpanError(ctx, err)
		writeError(w, http.StatusInternalServerError, "failed to grant permission")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"page_id": pageID,
		"user_id": grant.UserID,
		"level":   level,
	})
}

// SyncStats handles GET /api/sync/stats
func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	docs, sessions := h.sync.Stats()
	writeJSON(w, http.StatusOK, map[string]int{
		"resident_documents": docs,
		"active_sessions":    sessions,
	})
}

// HandlePageWebSocket handles the collaboration websocket endpoint
func (h *Handler) HandlePageWebSocket(w http.ResponseWriter, r *http.Request) {
	h.ws(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
