package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermissionCanEdit(t *testing.T) {
	assert.True(t, PermissionOwner.CanEdit())
	assert.True(t, PermissionEditor.CanEdit())
	assert.False(t, PermissionCommenter.CanEdit())
	assert.False(t, PermissionViewer.CanEdit())
	assert.False(t, PermissionNone.CanEdit())
}

func TestPermissionAtLeast(t *testing.T) {
	assert.True(t, PermissionOwner.AtLeast(PermissionEditor))
	assert.True(t, PermissionEditor.AtLeast(PermissionViewer))
	assert.False(t, PermissionViewer.AtLeast(PermissionEditor))
	assert.True(t, PermissionViewer.AtLeast(PermissionViewer))
	assert.False(t, PermissionNone.AtLeast(PermissionViewer))
}

func TestParsePermissionLevel(t *testing.T) {
	level, ok := ParsePermissionLevel("editor")
	assert.True(t, ok)
	assert.Equal(t, PermissionEditor, level)

	_, ok = ParsePermissionLevel("superuser")
	assert.False(t, ok)

	_, ok = ParsePermissionLevel("")
	assert.False(t, ok)
}

func TestIsAnonymous(t *testing.T) {
	assert.True(t, IsAnonymous(""))
	assert.True(t, IsAnonymous("anon-9f3c0a"))
	assert.False(t, IsAnonymous("user-123"))
}

func TestNewSession(t *testing.T) {
	s := NewSession("user-1")
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user-1", s.UserID)
	assert.False(t, s.Joined())

	s.DocumentID = "page-1"
	assert.True(t, s.Joined())
}
