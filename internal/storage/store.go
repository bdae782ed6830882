// Package storage holds signed document bytes at deterministic,
// content-addressed locations.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// OpTimeout bounds a single storage operation.
const OpTimeout = 60 * time.Second

// ErrNotFound is returned by Get when no object exists at the path.
var ErrNotFound = vaulterr.E(vaulterr.ErrStorage, "storage.Get", errors.New("object not found"))

// Store is implemented by every backend. Put overwrites an existing object
// and returns the SHA-256 hex digest of exactly the bytes written.
type Store interface {
	Put(ctx context.Context, path string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// ObjectPath is the only path scheme: {provider}/{escaped id}.pdf.
func ObjectPath(p provider.Provider, externalDocumentID string) string {
	return p.String() + "/" + url.PathEscape(externalDocumentID) + ".pdf"
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, OpTimeout)
}
