package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/webhook"
	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// HandleWebhook handles POST /webhooks/:provider. It answers once the
// delivery is authenticated, parsed and claimed.
func HandleWebhook(recv *webhook.Receiver, registry provider.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := enabledProvider(c, registry)
		if !ok {
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		res, err := recv.Receive(c.Request.Context(), p, body, c.Request.Header, c.Request.URL.Query())
		if err != nil {
			respondError(c, err, "failed to record delivery")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": res.Outcome})
	}
}
