// Package verify answers whether a hash or a file matches a vaulted document.
package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// ErrDocumentNotFound is returned when a document id does not exist.
var ErrDocumentNotFound = vaulterr.E(vaulterr.ErrInvalidRequest, "verify", errors.New("document not found"))

// Reasons reported with a negative result.
const (
	ReasonNoMatch       = "no registered document carries this hash"
	ReasonHashMismatch  = "hash does not match the registered document"
	ReasonNotRegistered = "document is not registered"
	ReasonObjectMissing = "stored object is missing"
)

// HashResult is the outcome of VerifyByHash.
type HashResult struct {
	Valid        bool              `json:"valid"`
	DocumentID   string            `json:"document_id,omitempty"`
	Provider     provider.Provider `json:"provider,omitempty"`
	RegisteredAt *time.Time        `json:"registered_at,omitempty"`
	AnchorRef    string            `json:"anchor_ref,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// FileResult is the outcome of VerifyByFile and VerifyStored.
type FileResult struct {
	Valid        bool       `json:"valid"`
	ComputedHash string     `json:"computed_hash"`
	StoredHash   string     `json:"stored_hash,omitempty"`
	DocumentID   string     `json:"document_id,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

type Service struct {
	store   *db.Store
	objects storage.Store
}

func New(store *db.Store, objects storage.Store) *Service {
	return &Service{store: store, objects: objects}
}

// NormalizeHash lowercases a SHA-256 hex digest and rejects anything else.
func NormalizeHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if len(h) != 64 {
		return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "verify.Hash", "hash must be 64 hex characters")
	}
	if _, err := hex.DecodeString(h); err != nil {
		return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "verify.Hash", "hash is not hex")
	}
	return h, nil
}

// VerifyByHash reports whether a registered document carries exactly hash.
func (s *Service) VerifyByHash(ctx context.Context, hash string) (*HashResult, error) {
	h, err := NormalizeHash(hash)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.FindRegisteredByHash(ctx, h)
	if err != nil {
		return nil, vaulterr.E(vaulterr.ErrStorage, "verify.Hash", err)
	}
	if doc == nil {
		return &HashResult{Valid: false, Reason: ReasonNoMatch}, nil
	}
	return &HashResult{
		Valid:        true,
		DocumentID:   doc.ID,
		Provider:     doc.Provider,
		RegisteredAt: doc.RegisteredAt,
		AnchorRef:    doc.AnchorRef,
	}, nil
}

// VerifyByFile hashes data and compares it with the registered hash of
// documentID, or with any registered document when documentID is empty. A
// mismatch is a negative result, not an error.
func (s *Service) VerifyByFile(ctx context.Context, data []byte, documentID string) (*FileResult, error) {
	if len(data) == 0 {
		return nil, vaulterr.Errorf(vaulterr.ErrInvalidRequest, "verify.File", "file is empty")
	}
	computed := storage.Hash(data)

	if documentID == "" {
		doc, err := s.store.FindRegisteredByHash(ctx, computed)
		if err != nil {
			return nil, vaulterr.E(vaulterr.ErrStorage, "verify.File", err)
		}
		if doc == nil {
			return &FileResult{ComputedHash: computed, Reason: ReasonNoMatch}, nil
		}
		return &FileResult{
			Valid:        true,
			ComputedHash: computed,
			StoredHash:   doc.ContentHash,
			DocumentID:   doc.ID,
			RegisteredAt: doc.RegisteredAt,
		}, nil
	}

	doc, err := s.lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	res := &FileResult{ComputedHash: computed, DocumentID: documentID}
	if doc.Status != db.StatusRegistered {
		res.Reason = ReasonNotRegistered
		return res, nil
	}
	res.StoredHash = doc.ContentHash
	res.RegisteredAt = doc.RegisteredAt
	res.Valid = computed == doc.ContentHash
	if !res.Valid {
		res.Reason = ReasonHashMismatch
	}
	return res, nil
}

// VerifyStored re-reads a registered document's object from storage and
// checks it still hashes to the registered value.
func (s *Service) VerifyStored(ctx context.Context, documentID string) (*FileResult, error) {
	doc, err := s.lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	res := &FileResult{DocumentID: documentID}
	if doc.Status != db.StatusRegistered {
		res.Reason = ReasonNotRegistered
		return res, nil
	}
	res.StoredHash = doc.ContentHash
	res.RegisteredAt = doc.RegisteredAt

	data, err := s.objects.Get(ctx, doc.StoragePath)
	if errors.Is(err, storage.ErrNotFound) {
		res.Reason = ReasonObjectMissing
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.ComputedHash = storage.Hash(data)
	res.Valid = res.ComputedHash == doc.ContentHash
	if !res.Valid {
		res.Reason = ReasonHashMismatch
	}
	return res, nil
}

func (s *Service) lookup(ctx context.Context, documentID string) (*db.VaultedDocument, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, vaulterr.E(vaulterr.ErrStorage, "verify.Document", err)
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}
