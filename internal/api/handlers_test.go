package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"collabsync/internal/models"
	"collabsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePages struct {
	pages map[int64]*models.Page
}

func (f *fakePages) Create(_ context.Context, create *models.PageCreate) (*models.Page, error) {
	page := &models.Page{ID: int64(len(f.pages) + 1), Title: create.Title, OwnerID: create.OwnerID}
	f.pages[page.ID] = page
	return page, nil
}

func (f *fakePages) GetByID(_ context.Context, pageID int64) (*models.Page, error) {
	page, ok := f.pages[pageID]
	if !ok {
		return nil, repository.ErrPageNotFound
	}
	return page, nil
}

type grantCall struct {
	userID string
	pageID int64
	level  models.PermissionLevel
}

type fakePermSvc struct {
	grants []grantCall
}

func (f *fakePermSvc) Grant(_ context.Context, userID string, pageID int64, level models.PermissionLevel) error {
	f.grants = append(f.grants, grantCall{userID, pageID, level})
	return nil
}

type fakeSync struct{}

func (fakeSync) Stats() (int, int) { return 0, 0 }

func newTestRouter(pages *fakePages, perms *fakePermSvc) http.Handler {
	handler := NewHandler(pages, perms, fakeSync{}, func(w http.ResponseWriter, r *http.Request) {})
	return SetupRoutes(handler)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGrantPermission(t *testing.T) {
	pages := &fakePages{pages: map[int64]*models.Page{7: {ID: 7, Title: "doc", OwnerID: "alice"}}}
	perms := &fakePermSvc{}
	router := newTestRouter(pages, perms)

	rec := doJSON(t, router, "POST", "/api/pages/7/permissions", map[string]string{
		"user_id": "bob",
		"level":   "viewer",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, perms.grants, 1)
	assert.Equal(t, grantCall{"bob", 7, models.PermissionViewer}, perms.grants[0])
}

func TestGrantPermissionRejectsBadRequests(t *testing.T) {
	pages := &fakePages{pages: map[int64]*models.Page{7: {ID: 7, Title: "doc"}}}
	perms := &fakePermSvc{}
	router := newTestRouter(pages, perms)

	// Unknown level.
	rec := doJSON(t, router, "POST", "/api/pages/7/permissions", map[string]string{
		"user_id": "bob",
		"level":   "superuser",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing user.
	rec = doJSON(t, router, "POST", "/api/pages/7/permissions", map[string]string{
		"level": "viewer",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown page.
	rec = doJSON(t, router, "POST", "/api/pages/99/permissions", map[string]string{
		"user_id": "bob",
		"level":   "viewer",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Empty(t, perms.grants)
}

func TestGetPage(t *testing.T) {
	pages := &fakePages{pages: map[int64]*models.Page{3: {ID: 3, Title: "notes"}}}
	router := newTestRouter(pages, &fakePermSvc{})

	rec := doJSON(t, router, "GET", "/api/pages/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DocumentID string `json:"document_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "page-3", resp.DocumentID)

	rec = doJSON(t, router, "GET", "/api/pages/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
