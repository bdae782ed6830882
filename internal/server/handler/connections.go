package handler

import (
	"net/http"

	"github.com/aspect-build/sealvault/internal/connection"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/gin-gonic/gin"
)

// HandleListConnections handles GET /v1/connections.
func HandleListConnections(mgr *connection.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		conns, err := mgr.ListConnections(c.Request.Context(), c.Query("user_id"))
		if err != nil {
			respondError(c, err, "failed to list connections")
			return
		}
		if conns == nil {
			conns = []db.Connection{}
		}
		c.JSON(http.StatusOK, conns)
	}
}

// HandleDeleteConnection handles DELETE /v1/connections/:id.
func HandleDeleteConnection(mgr *connection.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		deleted, err := mgr.DeleteConnection(c.Request.Context(), id)
		if err != nil {
			respondError(c, err, "failed to delete connection")
			return
		}
		if !deleted {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	}
}
