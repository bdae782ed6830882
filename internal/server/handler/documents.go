package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/verify"
	"github.com/aspect-build/sealvault/internal/webhook"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// HandleListDocuments handles GET /v1/documents?status=&limit=. With
// provider and external_id it looks up the single document of that platform
// identity instead.
func HandleListDocuments(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ext := c.Query("external_id"); ext != "" {
			listByExternalID(c, store, c.Query("provider"), ext)
			return
		}

		var status db.DocumentStatus
		if s := c.Query("status"); s != "" {
			st, ok := db.ParseStatus(s)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + strconv.Quote(s)})
				return
			}
			status = st
		}
		limit := defaultListLimit
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > maxListLimit {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
				return
			}
			limit = n
		}

		docs, err := store.ListDocuments(c.Request.Context(), status, limit)
		if err != nil {
			respondError(c, err, "failed to list documents")
			return
		}
		if docs == nil {
			docs = []db.VaultedDocument{}
		}
		c.JSON(http.StatusOK, docs)
	}
}

func listByExternalID(c *gin.Context, store *db.Store, prov, ext string) {
	p, err := provider.Parse(prov)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := store.GetDocumentByExternalID(c.Request.Context(), p, ext)
	if err != nil {
		respondError(c, err, "failed to list documents")
		return
	}
	docs := []db.VaultedDocument{}
	if d != nil {
		docs = append(docs, *d)
	}
	c.JSON(http.StatusOK, docs)
}

// HandleGetDocument handles GET /v1/documents/:id.
func HandleGetDocument(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := store.GetDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err, "failed to retrieve document")
			return
		}
		if d == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// HandleDocumentIntegrity handles GET /v1/documents/:id/integrity. It
// re-reads the stored object and recomputes its hash.
func HandleDocumentIntegrity(svc *verify.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.VerifyStored(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, verify.ErrDocumentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			respondError(c, err, "integrity check failed")
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// HandleRetryDocument handles POST /v1/documents/:id/retry. Only failed
// documents can be retried.
func HandleRetryDocument(store *db.Store, queue webhook.Enqueuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		ok, err := store.RetryDocument(ctx, id)
		if err != nil {
			respondError(c, err, "failed to retry document")
			return
		}
		if !ok {
			d, err := store.GetDocument(ctx, id)
			if err != nil {
				respondError(c, err, "failed to retry document")
				return
			}
			if d == nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
				return
			}
			c.JSON(http.StatusConflict, gin.H{"error": "only failed documents can be retried", "status": d.Status})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": db.StatusPending, "queued": queue.Enqueue(id)})
	}
}
