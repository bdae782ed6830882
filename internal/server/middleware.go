package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const operatorChallenge = `Bearer realm="sealvault-operator"`

// CORS lets the configured portal origins call the verification and
// operator endpoints from a browser. Other origins get no CORS headers.
func CORS(origins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		c.Writer.Header().Add("Vary", "Origin")
		origin := c.GetHeader("Origin")
		if _, ok := allowed[strings.TrimRight(origin, "/")]; origin == "" || !ok {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AdminAuth guards the operator API with the static SEALVAULT_ADMIN_TOKEN.
// The scheme name is matched case-insensitively, the token in constant time.
func AdminAuth(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if auth == "" {
			rejectOperator(c, "operator token required")
			return
		}
		scheme, presented, _ := strings.Cut(auth, " ")
		if !strings.EqualFold(scheme, "Bearer") {
			rejectOperator(c, "operator token must use the Bearer scheme")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), expected) != 1 {
			rejectOperator(c, "invalid operator token")
			return
		}
		c.Next()
	}
}

func rejectOperator(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", operatorChallenge)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
