package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// errSuperseded means the row moved on to a newer attempt while this one ran.
var errSuperseded = errors.New("attempt superseded")

const finalizeTimeout = 10 * time.Second

// Process runs one ingestion attempt for a pending document. It returns nil
// when the document was not pending. Failures are recorded on the row.
func (p *Pool) Process(ctx context.Context, documentID string) error {
	unlock := p.locks.Lock(documentID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	attempt, err := p.store.StartDownload(ctx, documentID)
	if err != nil {
		return vaulterr.E(vaulterr.ErrStorage, "ingest.Process", err)
	}
	if attempt == 0 {
		p.log.Debugw("document not pending, skipping", "document_id", documentID)
		return nil
	}
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil || doc == nil {
		return vaulterr.Errorf(vaulterr.ErrStorage, "ingest.Process", "reload document %s: %v", documentID, err)
	}

	log := p.log.With("document_id", doc.ID, "provider", doc.Provider,
		"external_document_id", doc.ExternalDocumentID, "attempt", attempt)

	err = p.run(ctx, doc, attempt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSuperseded):
		log.Warnw("ingestion attempt superseded")
		return nil
	}

	// The job context may be spent; record the outcome regardless.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer fcancel()
	if _, merr := p.store.MarkFailed(fctx, doc.ID, attempt, err.Error()); merr != nil {
		log.Errorw("could not record ingestion failure", "error", merr, "cause", err)
	}
	log.Warnw("ingestion failed", "error", err)
	return err
}

func (p *Pool) run(ctx context.Context, doc *db.VaultedDocument, attempt int) error {
	adapter, err := p.registry.Get(doc.Provider)
	if err != nil {
		return err
	}
	conn, err := p.resolveConnection(ctx, doc)
	if err != nil {
		return err
	}

	data, err := p.download(ctx, adapter, conn, doc)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if len(data) == 0 {
		return vaulterr.Errorf(vaulterr.ErrDownstream, "ingest.Download", "%s returned an empty document", doc.Provider)
	}

	hash, err := p.objects.Put(ctx, doc.StoragePath, data)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	ok, err := p.store.MarkUploaded(ctx, doc.ID, attempt, conn.ID, hash)
	if err != nil {
		p.discard(doc.StoragePath)
		return vaulterr.E(vaulterr.ErrStorage, "ingest.MarkUploaded", err)
	}
	if !ok {
		return errSuperseded
	}

	ok, err = p.store.MarkRegistered(ctx, doc.ID, attempt)
	if err != nil {
		p.discard(doc.StoragePath)
		return vaulterr.E(vaulterr.ErrStorage, "ingest.MarkRegistered", err)
	}
	if !ok {
		return errSuperseded
	}
	p.log.Infow("document registered", "document_id", doc.ID, "provider", doc.Provider,
		"external_document_id", doc.ExternalDocumentID, "content_hash", hash, "bytes", len(data))
	return nil
}

// resolveConnection picks the connection of the account named in the
// event, falling back to the most recently updated one of the provider.
func (p *Pool) resolveConnection(ctx context.Context, doc *db.VaultedDocument) (*db.Connection, error) {
	var (
		conn *db.Connection
		err  error
	)
	if doc.ExternalAccountID != "" {
		conn, err = p.store.FindConnectionByAccount(ctx, doc.Provider, doc.ExternalAccountID)
		if err != nil {
			return nil, vaulterr.E(vaulterr.ErrStorage, "ingest.Connection", err)
		}
	}
	if conn == nil {
		conn, err = p.store.LatestConnection(ctx, doc.Provider)
		if err != nil {
			return nil, vaulterr.E(vaulterr.ErrStorage, "ingest.Connection", err)
		}
	}
	if conn == nil {
		return nil, vaulterr.Errorf(vaulterr.ErrInvalidRequest, "ingest.Connection", "no %s connection available", doc.Provider)
	}
	return conn, nil
}

// download fetches the signed document, refreshing the token once if the
// platform answers 401.
func (p *Pool) download(ctx context.Context, adapter provider.Adapter, conn *db.Connection, doc *db.VaultedDocument) ([]byte, error) {
	token, err := p.tokens.GetValidAccessToken(ctx, conn)
	if err != nil {
		return nil, err
	}
	account := doc.ExternalAccountID
	if account == "" {
		account = conn.ExternalAccountID
	}
	ref := provider.DocumentRef{
		ExternalDocumentID: doc.ExternalDocumentID,
		ExternalAccountID:  account,
		BaseURI:            conn.BaseURI,
	}

	data, err := adapter.DownloadSignedDocument(ctx, token, ref)
	if !provider.IsUnauthorized(err) {
		return data, err
	}
	p.log.Infow("download unauthorized, refreshing token", "document_id", doc.ID, "connection_id", conn.ID)
	token, err = p.tokens.ForceRefresh(ctx, conn, token)
	if err != nil {
		return nil, err
	}
	return adapter.DownloadSignedDocument(ctx, token, ref)
}

// discard removes an object whose registration did not complete.
func (p *Pool) discard(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := p.objects.Delete(ctx, path); err != nil {
		p.log.Errorw("could not remove unregistered object", "path", path, "error", err)
	}
}
