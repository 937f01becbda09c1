package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ──────────────────────────────────────────────────────────────────
// Authentication
//
// Players: HS256 bearer JWTs signed with JWT_SECRET, subject = account
// id. Tokens are minted at registration and verified on every player
// route and on the websocket AUTH frame.
//
// Operators: the shared ADMIN_API_KEY in the X-Admin-Key header,
// compared in constant time. With no key configured the admin surface
// is disabled outright.
// ──────────────────────────────────────────────────────────────────

const (
	tokenIssuer  = "arena-engine"
	tokenTTL     = 24 * time.Hour
	ctxAccountID = "accountID"
)

// IssueToken mints the player bearer token returned at registration.
func IssueToken(secret []byte, accountID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies a player token and returns its account id. Only HS256
// is accepted; tokens signed with any other method fail closed.
func ParseToken(secret []byte, token string) (uuid.UUID, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return uuid.Nil, err
	}
	if !parsed.Valid {
		return uuid.Nil, errors.New("token validation failed")
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject is not an account id: %v", err)
	}
	return id, nil
}

// PlayerAuth enforces bearer-JWT authentication and stores the account id on
// the request context.
func PlayerAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Missing Authorization header")
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid Authorization header format")
			c.Abort()
			return
		}

		accountID, err := ParseToken(secret, parts[1])
		if err != nil {
			writeError(c, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ctxAccountID, accountID)
		c.Next()
	}
}

// AccountID returns the authenticated account set by PlayerAuth.
func AccountID(c *gin.Context) uuid.UUID {
	v, _ := c.Get(ctxAccountID)
	id, _ := v.(uuid.UUID)
	return id
}

// AdminAuth guards operator routes. Uses constant-time comparison to prevent
// timing-based key enumeration.
func AdminAuth(adminKey string) gin.HandlerFunc {
	if adminKey == "" {
		log.Println("[SECURITY WARNING] ADMIN_API_KEY is not set. " +
			"Admin endpoints (lobby creation, KYC updates) will reject all requests. " +
			"Set ADMIN_API_KEY in your environment to enable them.")
	}

	return func(c *gin.Context) {
		if adminKey == "" {
			writeError(c, http.StatusForbidden, CodeForbidden, "Admin surface is not configured")
			c.Abort()
			return
		}
		got := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
			writeError(c, http.StatusForbidden, CodeForbidden, "Invalid admin key")
			c.Abort()
			return
		}
		c.Next()
	}
}
