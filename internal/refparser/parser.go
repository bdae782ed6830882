package refparser

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aspect-build/sealvault/internal/provider"
)

const refPrefix = "sealvault://"

// DocumentRef names a vaulted document by its platform identity rather than
// by vault id.
//
//	sealvault://<provider>/<external_document_id>
//
// The external id is path-escaped when it contains a slash.
type DocumentRef struct {
	Provider           provider.Provider
	ExternalDocumentID string
	Raw                string
}

// IsRef returns true if value starts with "sealvault://".
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// Parse parses a sealvault://<provider>/<external_document_id> reference.
func Parse(ref string) (DocumentRef, error) {
	if !IsRef(ref) {
		return DocumentRef{}, fmt.Errorf("not a sealvault reference: %q", ref)
	}

	body := strings.TrimPrefix(ref, refPrefix)
	parts := strings.Split(body, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return DocumentRef{}, fmt.Errorf("invalid sealvault reference %q: expected sealvault://<provider>/<external_document_id>", ref)
	}

	p, err := provider.Parse(parts[0])
	if err != nil {
		return DocumentRef{}, fmt.Errorf("invalid sealvault reference %q: %w", ref, err)
	}
	id, err := url.PathUnescape(parts[1])
	if err != nil {
		return DocumentRef{}, fmt.Errorf("invalid sealvault reference %q: %w", ref, err)
	}
	return DocumentRef{Provider: p, ExternalDocumentID: id, Raw: ref}, nil
}

// Format is the inverse of Parse.
func Format(p provider.Provider, externalDocumentID string) string {
	return refPrefix + p.String() + "/" + url.PathEscape(externalDocumentID)
}
