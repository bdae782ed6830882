// Package provider implements the eSignature platform adapters. Every platform
// satisfies the same Adapter contract; the Provider tag carried on requests
// and records selects the implementation from a Registry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// Provider identifies an eSignature platform.
type Provider string

const (
	DocuSign Provider = "docusign"
	SignNow  Provider = "signnow"
	PandaDoc Provider = "pandadoc"
)

// All lists the supported providers in a stable order.
func All() []Provider {
	return []Provider{DocuSign, SignNow, PandaDoc}
}

// Parse validates a provider tag taken from a URL or record.
func Parse(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All() {
		if p == known {
			return p, nil
		}
	}
	return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, "provider.Parse", "unknown provider %q", s)
}

func (p Provider) String() string { return string(p) }

// TokenSet is the result of a code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Profile is the external account behind an access token.
type Profile struct {
	ExternalID  string
	Email       string
	DisplayName string
	// BaseURI is the account-specific API base, when the platform has one.
	BaseURI string
}

// DocumentRef addresses a signed document on the platform.
type DocumentRef struct {
	ExternalDocumentID string
	ExternalAccountID  string
	BaseURI            string
}

// WebhookEvent is a parsed inbound notification. It is not persisted.
type WebhookEvent struct {
	Provider           Provider
	EventType          string
	Status             string
	ExternalDocumentID string
	ExternalAccountID  string
	RawPayload         []byte
	ReceivedAt         time.Time
}

// Adapter is the per-platform capability set.
type Adapter interface {
	Provider() Provider
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
	DownloadSignedDocument(ctx context.Context, accessToken string, ref DocumentRef) ([]byte, error)
	ParseWebhook(body []byte) ([]WebhookEvent, error)
	IsCompleted(ev WebhookEvent) bool
	Signature() SignatureScheme
}

// Registry maps provider tags to configured adapters.
type Registry map[Provider]Adapter

// NewRegistry indexes adapters by their provider tag.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p, or an InvalidRequest error when p is not configured.
func (r Registry) Get(p Provider) (Adapter, error) {
	a, ok := r[p]
	if !ok {
		return nil, vaulterr.Errorf(vaulterr.ErrInvalidRequest, "provider.Get", "provider %q is not configured", p)
	}
	return a, nil
}

// ErrInvalidPayload is returned by ParseWebhook for structurally invalid bodies.
var ErrInvalidPayload = vaulterr.E(vaulterr.ErrInvalidRequest, "webhook", errors.New("invalid payload"))

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// TokenExchangeError reports a failed code exchange or refresh. Body is
// redacted of the client credentials before it is stored here.
type TokenExchangeError struct {
	Provider Provider
	Status   int
	Body     string
	Err      error
}

func (e *TokenExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s token exchange failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s token exchange failed: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *TokenExchangeError) Is(target error) bool { return target == vaulterr.ErrDownstream }
func (e *TokenExchangeError) Unwrap() error { return e.Err }

// DownloadError reports a non-2xx answer while fetching a document or profile.
type DownloadError struct {
	Provider Provider
	Status   int
	Body     string
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *DownloadError) Is(target error) bool { return target == vaulterr.ErrDownstream }
func (e *DownloadError) Unwrap() error { return e.Err }

// IsUnauthorized reports whether the platform rejected the access token.
func (e *DownloadError) IsUnauthorized() bool { return e.Status == http.StatusUnauthorized }

// IsUnauthorized reports whether err is a DownloadError carrying a 401.
func IsUnauthorized(err error) bool {
	var de *DownloadError
	return errors.As(err, &de) && de.IsUnauthorized()
}
