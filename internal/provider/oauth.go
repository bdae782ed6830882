package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/redact"
	"github.com/aspect-build/sealvault/internal/version"
	"golang.org/x/oauth2"
)

const (
	defaultTokenLifetime = time.Hour
	maxErrorBody         = 4 << 10
	// MaxDocumentBytes bounds a single signed-document download.
	MaxDocumentBytes = 100 << 20
)

// Config is the per-platform client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL is the OAuth authorization server base (DocuSign account server,
	// SignNow/PandaDoc web app).
	AuthURL string
	// APIURL is the REST API base.
	APIURL     string
	Scopes     []string
	HTTPClient *http.Client
}

// base carries the wire plumbing shared by every adapter.
type base struct {
	provider Provider
	oauth    *oauth2.Config
	client   *http.Client
	apiURL   string
	authURL  string
}

func newBase(p Provider, cfg Config, endpoint oauth2.Endpoint, defaultScopes []string) base {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return base{
		provider: p,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		client:  client,
		apiURL:  strings.TrimRight(cfg.APIURL, "/"),
		authURL: strings.TrimRight(cfg.AuthURL, "/"),
	}
}

func (b *base) Provider() Provider { return b.provider }

func (b *base) AuthCodeURL(state string) string {
	return b.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (b *base) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.client)
}

func (b *base) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	tok, err := b.oauth.Exchange(b.ctx(ctx), code)
	if err != nil {
		return nil, b.tokenError(err, code)
	}
	return toTokenSet(tok, ""), nil
}

func (b *base) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := b.oauth.TokenSource(b.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, b.tokenError(err, refreshToken)
	}
	return toTokenSet(tok, refreshToken), nil
}

// tokenError converts an oauth2 failure, masking the client secret and the
// grant value that was sent.
func (b *base) tokenError(err error, grant string) error {
	r := redact.New(b.oauth.ClientSecret, grant)
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &TokenExchangeError{
			Provider: b.provider,
			Status:   re.Response.StatusCode,
			Body:     r.String(truncate(string(re.Body))),
		}
	}
	return &TokenExchangeError{Provider: b.provider, Err: errors.New(r.String(err.Error()))}
}

func toTokenSet(tok *oauth2.Token, previousRefresh string) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    defaultTokenLifetime,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = previousRefresh
	}
	if !tok.Expiry.IsZero() {
		ts.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	return ts
}

// get issues an authenticated GET and returns the raw body on 2xx.
func (b *base) get(ctx context.Context, accessToken, url, accept string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", version.UserAgent())
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &DownloadError{Provider: b.provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		r := redact.New(accessToken, b.oauth.ClientSecret)
		return nil, &DownloadError{Provider: b.provider, Status: resp.StatusCode, Body: r.String(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &DownloadError{Provider: b.provider, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(data)) > limit {
		return nil, &DownloadError{Provider: b.provider, Status: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", limit)}
	}
	return data, nil
}

func (b *base) getJSON(ctx context.Context, accessToken, url string, out any) error {
	data, err := b.get(ctx, accessToken, url, "application/json", 1<<20)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DownloadError{Provider: b.provider, Status: http.StatusOK, Err: fmt.Errorf("decode profile: %w", err)}
	}
	return nil
}

func (b *base) download(ctx context.Context, accessToken, url string) ([]byte, error) {
	return b.get(ctx, accessToken, url, "application/pdf", MaxDocumentBytes)
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}

func joinName(first, last string) string {
	return strings.TrimSpace(first + " " + last)
}
