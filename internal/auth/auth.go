// Package auth implements admin authentication: password-based login
// issuing a bearer JWT, and gin middleware verifying it, per spec.md §4.12.
package auth

import (
	"crypto/subtle"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mantonx/aln-orchestrator/internal/apperr"
)

// claims is the admin JWT payload.
type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Issuer mints and verifies admin bearer tokens.
type Issuer struct {
	password string
	secret   []byte
	ttl      time.Duration
}

// New constructs an Issuer from configuration.
func New(password, secret string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Issuer{password: password, secret: []byte(secret), ttl: ttl}
}

// Login verifies the supplied password and mints a bearer token, per the
// POST /api/admin/auth contract in spec.md §6.
func (i *Issuer) Login(password string) (token string, expiresIn int64, err *apperr.Error) {
	if subtle.ConstantTimeCompare([]byte(password), []byte(i.password)) != 1 {
		return "", 0, apperr.AuthRequired("invalid admin password")
	}

	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Role: "admin",
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, signErr := t.SignedString(i.secret)
	if signErr != nil {
		return "", 0, apperr.Internal("failed to sign admin token", signErr)
	}
	return signed, int64(i.ttl.Seconds()), nil
}

// Verify parses and validates a bearer token string.
func (i *Issuer) Verify(tokenStr string) bool {
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

// RequireAdmin is gin middleware gating admin-only routes behind a
// `Authorization: Bearer <token>` header, per spec.md §4.12.
func (i *Issuer) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			apperr.AuthRequired("missing admin bearer token").RespondJSON(c)
			c.Abort()
			return
		}
		token := header[len(prefix):]
		if !i.Verify(token) {
			apperr.AuthRequired("invalid or expired admin token").RespondJSON(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// VerifyWSToken is used by the GM Gateway handshake, per spec.md §4.9,
// which accepts the same bearer token issued over HTTP.
func (i *Issuer) VerifyWSToken(token string) bool {
	if token == "" {
		return false
	}
	return i.Verify(token)
}
