package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth, err := NewAuthenticator([]byte("secret"))
	require.NoError(t, err)

	tok, err := auth.IssueToken("ops-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	p, err := auth.parse(tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "ops-1", Role: RoleAdmin}, p)
	assert.True(t, p.CanAccess("anyone"))
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth, err := NewAuthenticator([]byte("secret"))
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, c jwt.Claims) string {
		tok, err := jwt.NewWithClaims(method, c).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name string
		raw  string
	}{
		{"no expiry", sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Subject: "u"})},
		{"no subject", sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{ExpiresAt: exp})},
		{"unknown role", sign(jwt.SigningMethodHS256, []byte("secret"), claims{Role: "root",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u", ExpiresAt: exp}})},
		{"other algorithm", sign(jwt.SigningMethodHS512, []byte("secret"), jwt.RegisteredClaims{Subject: "u", ExpiresAt: exp})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.parse(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestAuthenticator_DefaultsToUserRole(t *testing.T) {
	auth, _ := NewAuthenticator([]byte("secret"))
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	p, err := auth.parse(raw)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, p.Role)
	assert.False(t, p.CanAccess("user-2"))
}

func TestNewAuthenticator_EmptySecret(t *testing.T) {
	_, err := NewAuthenticator(nil)
	assert.Error(t, err)
}

func TestRequireAdmin(t *testing.T) {
	auth, _ := NewAuthenticator([]byte("secret"))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := auth.Middleware(RequireAdmin(ok))

	for role, want := range map[string]int{RoleAdmin: http.StatusNoContent, RoleUser: http.StatusForbidden} {
		tok, err := auth.IssueToken("x", role, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}
}
