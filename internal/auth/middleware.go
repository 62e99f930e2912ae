package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *Claims after authentication.
const ClaimsKey = "auth_claims"

// Middleware authenticates requests against a Service. A nil Service
// disables authentication.
type Middleware struct {
	svc *Service
}

func NewMiddleware(svc *Service) *Middleware { return &Middleware{svc: svc} }

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool { return m != nil && m.svc != nil }

// GinAuth rejects requests without a valid token with 401.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		tok := tokenFromRequest(c.Request)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		claims, err := m.svc.Validate(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// HandleToken serves the secret-for-token exchange.
func (m *Middleware) HandleToken(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication disabled"})
		return
	}
	var body struct {
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret required"})
		return
	}
	tok, err := m.svc.Issue(body.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

// tokenFromRequest reads a Bearer header, falling back to the access_token
// query parameter because browsers cannot set headers on WebSocket upgrades.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("access_token")
}
