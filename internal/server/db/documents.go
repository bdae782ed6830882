package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
)

const documentColumns = `id, provider, external_document_id, external_account_id, connection_id,
	storage_path, content_hash, status, attempts, failure_reason, anchor_ref,
	created_at, updated_at, registered_at`

// ClaimDocument takes the ingestion claim on (provider, external document id).
// A new row is inserted as pending; an existing failed row is reset to
// pending. Any other existing row is left untouched and claimed is false.
// On a claim d.ID is set to the id of the claimed row.
func (s *Store) ClaimDocument(ctx context.Context, d *VaultedDocument) (bool, error) {
	now := s.now()
	var id string
	found, err := s.get(ctx, &id,
		`INSERT INTO vaulted_documents
		 (id, provider, external_document_id, external_account_id, storage_path, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (provider, external_document_id) DO UPDATE
		 SET status = excluded.status, failure_reason = '', content_hash = '',
		     external_account_id = excluded.external_account_id, updated_at = excluded.updated_at
		 WHERE vaulted_documents.status = 'failed'
		 RETURNING id`,
		d.ID, d.Provider, d.ExternalDocumentID, d.ExternalAccountID, d.StoragePath, StatusPending, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("claim document: %w", err)
	}
	if !found {
		return false, nil
	}
	d.ID = id
	d.Status = StatusPending
	d.UpdatedAt = now
	return true, nil
}

// GetDocument retrieves a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*VaultedDocument, error) {
	d := &VaultedDocument{}
	found, err := s.get(ctx, d, `SELECT `+documentColumns+` FROM vaulted_documents WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if !found {
		return nil, nil
	}
	return d, nil
}

// GetDocumentByExternalID retrieves a document by its idempotency key.
func (s *Store) GetDocumentByExternalID(ctx context.Context, p provider.Provider, externalDocumentID string) (*VaultedDocument, error) {
	d := &VaultedDocument{}
	found, err := s.get(ctx, d,
		`SELECT `+documentColumns+` FROM vaulted_documents
		 WHERE provider = ? AND external_document_id = ?`, p, externalDocumentID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if !found {
		return nil, nil
	}
	return d, nil
}

// FindRegisteredByHash returns the earliest registered document with the
// exact content hash.
func (s *Store) FindRegisteredByHash(ctx context.Context, hash string) (*VaultedDocument, error) {
	d := &VaultedDocument{}
	found, err := s.get(ctx, d,
		`SELECT `+documentColumns+` FROM vaulted_documents
		 WHERE content_hash = ? AND status = ?
		 ORDER BY registered_at LIMIT 1`, hash, StatusRegistered)
	if err != nil {
		return nil, fmt.Errorf("find document by hash: %w", err)
	}
	if !found {
		return nil, nil
	}
	return d, nil
}

// ListDocuments returns documents in the given status, oldest update first.
// An empty status lists everything. limit <= 0 means no limit.
func (s *Store) ListDocuments(ctx context.Context, status DocumentStatus, limit int) ([]VaultedDocument, error) {
	q := `SELECT ` + documentColumns + ` FROM vaulted_documents`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY updated_at`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var docs []VaultedDocument
	if err := s.db.SelectContext(ctx, &docs, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// StartDownload moves a pending document to downloading and bumps its attempt
// counter. It returns the new attempt number, or 0 if the document was not
// pending. The attempt number fences every later transition.
func (s *Store) StartDownload(ctx context.Context, id string) (int, error) {
	d, err := s.GetDocument(ctx, id)
	if err != nil || d == nil || d.Status != StatusPending {
		return 0, err
	}
	n, err := s.exec(ctx,
		`UPDATE vaulted_documents SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		StatusDownloading, s.now(), id, StatusPending, d.Attempts,
	)
	if err != nil {
		return 0, fmt.Errorf("start download: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	return d.Attempts + 1, nil
}

// MarkUploaded records the stored object's hash and the connection used.
func (s *Store) MarkUploaded(ctx context.Context, id string, attempt int, connectionID, hash string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE vaulted_documents SET status = ?, connection_id = ?, content_hash = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ?`,
		StatusUploaded, connectionID, hash, s.now(), id, StatusDownloading, attempt,
	)
	if err != nil {
		return false, fmt.Errorf("mark uploaded: %w", err)
	}
	return n > 0, nil
}

// MarkRegistered is the terminal transition. After it the row is never
// updated again.
func (s *Store) MarkRegistered(ctx context.Context, id string, attempt int) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx,
		`UPDATE vaulted_documents SET status = ?, registered_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempts = ? AND content_hash <> ''`,
		StatusRegistered, now, now, id, StatusUploaded, attempt,
	)
	if err != nil {
		return false, fmt.Errorf("mark registered: %w", err)
	}
	return n > 0, nil
}

// MarkFailed records why an in-flight attempt failed.
func (s *Store) MarkFailed(ctx context.Context, id string, attempt int, reason string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE vaulted_documents SET status = ?, failure_reason = ?, content_hash = '', updated_at = ?
		 WHERE id = ? AND attempts = ? AND status IN (?, ?, ?)`,
		StatusFailed, truncateReason(reason), s.now(), id, attempt,
		StatusPending, StatusDownloading, StatusUploaded,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return n > 0, nil
}

// RetryDocument resets a failed document to pending.
func (s *Store) RetryDocument(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE vaulted_documents SET status = ?, failure_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusPending, s.now(), id, StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("retry document: %w", err)
	}
	return n > 0, nil
}

// ResetStaleDocuments returns documents stuck in downloading or uploaded since
// before cutoff to pending, and returns the ones it reset. A row whose attempt
// moved on in the meantime is left alone.
func (s *Store) ResetStaleDocuments(ctx context.Context, cutoff time.Time) ([]VaultedDocument, error) {
	var stale []VaultedDocument
	err := s.db.SelectContext(ctx, &stale, s.db.Rebind(
		`SELECT `+documentColumns+` FROM vaulted_documents
		 WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`),
		StatusDownloading, StatusUploaded, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale documents: %w", err)
	}

	var reset []VaultedDocument
	for _, d := range stale {
		n, err := s.exec(ctx,
			`UPDATE vaulted_documents SET status = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND attempts = ?`,
			StatusPending, s.now(), d.ID, d.Status, d.Attempts,
		)
		if err != nil {
			return reset, fmt.Errorf("reset stale document: %w", err)
		}
		if n > 0 {
			d.Status = StatusPending
			reset = append(reset, d)
		}
	}
	return reset, nil
}

const maxReasonLen = 1024

func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		return strings.ToValidUTF8(reason[:maxReasonLen], "")
	}
	return reason
}
