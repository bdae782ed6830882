package server

import (
	"net/http"

	"github.com/aspect-build/sealvault/internal/server/handler"
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(app *App) *gin.Engine {
	cfg := app.Config
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		if err := app.Store.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "database unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	// Platform-facing: authenticated by OAuth state and webhook signatures.
	r.GET("/oauth/:provider/callback", handler.HandleOAuthCallback(app.Connections, cfg.CompletionURL))
	r.POST("/webhooks/:provider", handler.HandleWebhook(app.Webhooks, app.Registry))

	// Public verification.
	r.GET("/verify-hash", handler.HandleVerifyHash(app.Verifier))
	r.POST("/verify", handler.HandleVerifyFile(app.Verifier))

	admin := AdminAuth(cfg.AdminToken)

	v1 := r.Group("/v1", admin)
	{
		// Connections
		v1.POST("/connections/:provider/authorize", handler.HandleAuthorize(app.Connections, app.Registry))
		v1.GET("/connections", handler.HandleListConnections(app.Connections))
		v1.DELETE("/connections/:id", handler.HandleDeleteConnection(app.Connections))

		// Documents
		v1.GET("/documents", handler.HandleListDocuments(app.Store))
		v1.GET("/documents/:id", handler.HandleGetDocument(app.Store))
		v1.GET("/documents/:id/integrity", handler.HandleDocumentIntegrity(app.Verifier))
		v1.POST("/documents/:id/retry", handler.HandleRetryDocument(app.Store, app.Pool))
	}

	return r
}
