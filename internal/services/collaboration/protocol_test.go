package collaboration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocumentID(t *testing.T) {
	pageID, err := ParseDocumentID("page-42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), pageID)

	for _, bad := range []string{
		"",
		"page-",
		"page-0",
		"page-abc",
		"page--1",
		"doc-42",
		"PAGE-42",
		"page-42x",
		" page-42",
	} {
		_, err := ParseDocumentID(bad)
		assert.Error(t, err, "document id %q should be rejected", bad)
	}
}

func TestDocumentIDForRoundTrip(t *testing.T) {
	id := DocumentIDFor(7)
	assert.Equal(t, "page-7", id)

	pageID, err := ParseDocumentID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pageID)
}

func TestValidateTarget(t *testing.T) {
	code, err := validateTarget("page-5", 5)
	assert.NoError(t, err)
	assert.Empty(t, code)

	code, err = validateTarget("not-a-doc", 5)
	assert.Error(t, err)
	assert.Equal(t, CodeInvalidDocumentID, code)

	code, err = validateTarget("page-5", 6)
	assert.Error(t, err)
	assert.Equal(t, CodePageMismatch, code)

	code, err = validateTarget("page-5", 0)
	assert.Error(t, err)
	assert.Equal(t, CodePageMismatch, code)
}

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		code ErrorCode
	}{
		{ErrNotJoined, CodeNotJoined},
		{ErrEditPermission, CodeEditPermission},
		{ErrNoAccess, CodePermissionDenied},
		{ErrRoomFull, CodeRoomFull},
		{ErrRegistryFull, CodeRegistryFull},
		{ErrDocNotLoaded, CodeDocNotLoaded},
		{ErrAlreadyJoined, CodeAlreadyJoined},
		{ErrSaveRateLimited, CodeSaveRateLimited},
		{errors.New("something else"), CodeInternal},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.code, codeForError(tc.err), "for %v", tc.err)
	}
}

func TestCodeForWrappedError(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), ErrDocNotLoaded)
	assert.Equal(t, CodeDocNotLoaded, codeForError(wrapped))
}
