package handler

import (
	"net/http"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/gin-gonic/gin"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch vaulterr.KindOf(err) {
	case vaulterr.ErrInvalidRequest:
		return http.StatusBadRequest
	case vaulterr.ErrAuthentication:
		return http.StatusUnauthorized
	case vaulterr.ErrDownstream:
		return http.StatusBadGateway
	case vaulterr.ErrStorage:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Client errors carry their message;
// server errors are logged and answered with msg only.
func respondError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logx.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
