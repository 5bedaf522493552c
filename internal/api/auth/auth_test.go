package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator("secret", "is_staff")

	tests := []struct {
		name   string
		userID string
		admin  bool
	}{
		{"regular user", "user-1", false},
		{"administrator", "admin-1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := a.IssueToken(tt.userID, tt.admin, time.Hour)
			require.NoError(t, err)

			caller, err := a.ParseToken(token)
			require.NoError(t, err)
			assert.Equal(t, Caller{UserID: tt.userID, Admin: tt.admin}, caller)
		})
	}
}

func TestAuthenticator_ParseTokenErrors(t *testing.T) {
	a := NewAuthenticator("secret", "is_staff")

	expired, err := a.IssueToken("user-1", false, -time.Minute)
	require.NoError(t, err)

	foreign, err := NewAuthenticator("other", "is_staff").IssueToken("user-1", true, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub": "user-1",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{"empty", "", "token string is empty"},
		{"garbage", "not.a.token", "malformed token"},
		{"expired", expired, "token expired"},
		{"wrong secret", foreign, "invalid token signature"},
		{"no subject", noSubject, "token has no subject"},
		{"no expiry", noExpiry, "failed to parse token"},
		{"other algorithm", hs512, "invalid token signature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseToken(tt.token)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("secret", "is_staff")
	userToken, err := a.IssueToken("user-1", false, time.Hour)
	require.NoError(t, err)
	adminToken, err := a.IssueToken("admin-1", true, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.Use(a.Middleware())
	r.GET("/whoami", func(c *gin.Context) {
		caller := CallerFrom(c)
		c.JSON(http.StatusOK, gin.H{"user": caller.UserID, "admin": caller.Admin})
	})
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantBody string
	}{
		{"anonymous", "/whoami", "", http.StatusOK, `{"admin":false,"user":""}`},
		{"user", "/whoami", "Bearer " + userToken, http.StatusOK, `{"admin":false,"user":"user-1"}`},
		{"lowercase scheme", "/whoami", "bearer " + adminToken, http.StatusOK, `{"admin":true,"user":"admin-1"}`},
		{"bad scheme", "/whoami", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "/whoami", "Bearer nope", http.StatusUnauthorized, ""},
		{"admin route anonymous", "/admin", "", http.StatusUnauthorized, ""},
		{"admin route user", "/admin", "Bearer " + userToken, http.StatusForbidden, ""},
		{"admin route admin", "/admin", "Bearer " + adminToken, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestCaller_Actor(t *testing.T) {
	assert.Equal(t, "user", Caller{UserID: "u"}.Actor())
	assert.Equal(t, "administrator", Caller{UserID: "a", Admin: true}.Actor())
	assert.True(t, Caller{}.Anonymous())
}
