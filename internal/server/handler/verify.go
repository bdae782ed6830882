package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/aspect-build/sealvault/internal/verify"
	"github.com/gin-gonic/gin"
)

const maxVerifyUpload = 64 << 20

// HandleVerifyHash handles GET /verify-hash?hash=.
func HandleVerifyHash(svc *verify.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := c.Query("hash")
		if hash == "" {
			c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "hash query parameter is required"})
			return
		}

		res, err := svc.VerifyByHash(c.Request.Context(), hash)
		if err != nil {
			respondError(c, err, "verification failed")
			return
		}
		if !res.Valid {
			c.JSON(http.StatusNotFound, gin.H{"valid": false, "reason": res.Reason})
			return
		}
		resp := gin.H{
			"valid":       true,
			"created_at":  res.RegisteredAt,
			"document_id": res.DocumentID,
			"provider":    res.Provider,
		}
		if res.AnchorRef != "" {
			resp["txid"] = res.AnchorRef
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleVerifyFile handles POST /verify with a multipart "file" and an
// optional "documentId".
func HandleVerifyFile(svc *verify.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxVerifyUpload)
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
			return
		}

		res, err := svc.VerifyByFile(c.Request.Context(), data, c.PostForm("documentId"))
		if err != nil {
			if errors.Is(err, verify.ErrDocumentNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"valid": false, "reason": "document not found"})
				return
			}
			respondError(c, err, "verification failed")
			return
		}

		resp := gin.H{"valid": res.Valid, "computedHash": res.ComputedHash}
		if res.StoredHash != "" {
			resp["storedHash"] = res.StoredHash
		}
		if res.DocumentID != "" {
			resp["documentId"] = res.DocumentID
		}
		if res.Reason != "" {
			resp["reason"] = res.Reason
		}
		c.JSON(http.StatusOK, resp)
	}
}
