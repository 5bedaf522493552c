// Package auth resolves the caller of an API request from a bearer token.
// Requests without a token are served as anonymous callers.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const callerKey = "caller"

// Caller is the identity a request acts as
type Caller struct {
	UserID string
	Admin  bool
}

// Anonymous reports whether the request carried no identity
func (c Caller) Anonymous() bool {
	return c.UserID == ""
}

// Actor names the caller in cancellation reasons
func (c Caller) Actor() string {
	if c.Admin {
		return "administrator"
	}
	return "user"
}

// Authenticator validates HS256 tokens signed with a shared secret
type Authenticator struct {
	secret     []byte
	adminClaim string
}

// NewAuthenticator creates an Authenticator. adminClaim names the boolean
// claim that grants administrator rights.
func NewAuthenticator(secret, adminClaim string) *Authenticator {
	return &Authenticator{secret: []byte(secret), adminClaim: adminClaim}
}

// IssueToken signs a token for userID
func (a *Authenticator) IssueToken(userID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        userID,
		"iat":        jwt.NewNumericDate(now),
		"exp":        jwt.NewNumericDate(now.Add(ttl)),
		a.adminClaim: admin,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ParseToken validates tokenString and returns the caller it names
func (a *Authenticator) ParseToken(tokenString string) (Caller, error) {
	if tokenString == "" {
		return Caller{}, errors.New("token string is empty")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Caller{}, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Caller{}, fmt.Errorf("invalid token signature: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Caller{}, fmt.Errorf("malformed token: %w", err)
		}
		return Caller{}, fmt.Errorf("failed to parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Caller{}, errors.New("token has no subject")
	}

	admin, _ := claims[a.adminClaim].(bool)
	return Caller{UserID: sub, Admin: admin}, nil
}

// Middleware resolves the caller of every request. A missing Authorization
// header yields an anonymous caller; an invalid token is rejected with 401.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Set(callerKey, Caller{})
			c.Next()
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		caller, err := a.ParseToken(strings.TrimSpace(token))
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// RequireAdmin rejects anonymous callers with 401 and other non-admins with 403
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := CallerFrom(c)
		switch {
		case caller.Anonymous():
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		case !caller.Admin:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		default:
			c.Next()
		}
	}
}

// CallerFrom returns the caller resolved by Middleware, anonymous if none
func CallerFrom(c *gin.Context) Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(Caller); ok {
			return caller
		}
	}
	return Caller{}
}
