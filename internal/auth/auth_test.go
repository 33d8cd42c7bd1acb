package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestResolveUserID(t *testing.T) {
	signed := signToken(t, "secret", "user-123")

	userID, err := ResolveUserID(signed, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-123", userID)
}

func TestResolveUserIDRejectsBadInput(t *testing.T) {
	_, err := ResolveUserID("", "secret")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = ResolveUserID("not-a-jwt", "secret")
	assert.Error(t, err)

	// Signed with a different secret.
	signed := signToken(t, "other-secret", "user-123")
	_, err = ResolveUserID(signed, "secret")
	assert.Error(t, err)

	// No subject claim.
	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signedNoSub, err := noSub.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ResolveUserID(signedNoSub, "secret")
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/pages/1", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/pages/1?token=query456", nil)
	assert.Equal(t, "query456", TokenFromRequest(r))

	// Header wins over the query parameter.
	r = httptest.NewRequest("GET", "/ws/pages/1?token=query456", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws/pages/1", nil)
	assert.Empty(t, TokenFromRequest(r))
}
