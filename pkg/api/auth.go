package api

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TokenCookieName is the cookie the browser flow stores the JWT in. The
// same token works as a bearer header for API clients.
const TokenCookieName = "tarsy_token"

// Authenticator validates RS256 JWTs from the Authorization header or
// the session cookie.
type Authenticator struct {
	publicKey *rsa.PublicKey
}

// NewAuthenticator parses a PEM-encoded RSA public key.
func NewAuthenticator(publicKeyPEM []byte) (*Authenticator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse auth public key: %w", err)
	}
	return &Authenticator{publicKey: key}, nil
}

// Middleware rejects requests without a valid token. The verified
// subject is stored on the context for handlers that attribute actions.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := tokenFromRequest(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return a.publicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
		return ""
	}
	if cookie, err := c.Cookie(TokenCookieName); err == nil {
		return cookie
	}
	return ""
}
