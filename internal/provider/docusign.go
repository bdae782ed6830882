package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/vaulterr"
	"golang.org/x/oauth2"
)

const (
	docuSignDefaultAuthURL = "https://account-d.docusign.com"
	docuSignDefaultAPIURL  = "https://demo.docusign.net"
)

// DocuSignAdapter talks to the DocuSign eSignature REST API v2.1.
type DocuSignAdapter struct {
	base
}

// NewDocuSign configures a DocuSign adapter. AuthURL is the account server
// (account-d.docusign.com for the developer sandbox).
func NewDocuSign(cfg Config) *DocuSignAdapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = docuSignDefaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = docuSignDefaultAPIURL
	}
	auth := strings.TrimRight(cfg.AuthURL, "/")
	endpoint := oauth2.Endpoint{
		AuthURL:   auth + "/oauth/auth",
		TokenURL:  auth + "/oauth/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	return &DocuSignAdapter{base: newBase(DocuSign, cfg, endpoint, []string{"signature", "extended"})}
}

type docuSignUserInfo struct {
	Sub      string `json:"sub"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Accounts []struct {
		AccountID string `json:"account_id"`
		IsDefault bool   `json:"is_default"`
		BaseURI   string `json:"base_uri"`
	} `json:"accounts"`
}

// FetchProfile resolves the default account of the authorizing user. The
// account id is what DocuSign Connect reports as data.accountId.
func (d *DocuSignAdapter) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var info docuSignUserInfo
	if err := d.getJSON(ctx, accessToken, d.authURL+"/oauth/userinfo", &info); err != nil {
		return nil, err
	}
	if len(info.Accounts) == 0 {
		return nil, &DownloadError{Provider: DocuSign, Status: 200, Err: fmt.Errorf("userinfo for %s lists no accounts", info.Sub)}
	}
	acct := info.Accounts[0]
	for _, a := range info.Accounts {
		if a.IsDefault {
			acct = a
			break
		}
	}
	return &Profile{
		ExternalID:  acct.AccountID,
		Email:       info.Email,
		DisplayName: info.Name,
		BaseURI:     strings.TrimRight(acct.BaseURI, "/"),
	}, nil
}

// DownloadSignedDocument fetches the combined PDF of a completed envelope.
func (d *DocuSignAdapter) DownloadSignedDocument(ctx context.Context, accessToken string, ref DocumentRef) ([]byte, error) {
	if ref.ExternalAccountID == "" {
		return nil, vaulterr.Errorf(vaulterr.ErrInvalidRequest, "docusign.Download", "envelope %s: account id is required", ref.ExternalDocumentID)
	}
	baseURI := ref.BaseURI
	if baseURI == "" {
		baseURI = d.apiURL
	}
	u := fmt.Sprintf("%s/restapi/v2.1/accounts/%s/envelopes/%s/documents/combined",
		strings.TrimRight(baseURI, "/"), url.PathEscape(ref.ExternalAccountID), url.PathEscape(ref.ExternalDocumentID))
	return d.download(ctx, accessToken, u)
}

type docuSignEvent struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	Data  struct {
		AccountID  string `json:"accountId"`
		EnvelopeID string `json:"envelopeId"`
		DocumentID string `json:"documentId"`
	} `json:"data"`
}

// ParseWebhook parses a DocuSign Connect JSON (SIM) notification.
func (d *DocuSignAdapter) ParseWebhook(body []byte) ([]WebhookEvent, error) {
	var p docuSignEvent
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, invalidPayload("decode docusign event: %v", err)
	}
	event := firstNonEmpty(p.Event, p.Type)
	if event == "" {
		return nil, invalidPayload("missing event")
	}
	docID := firstNonEmpty(p.Data.EnvelopeID, p.Data.DocumentID)
	if docID == "" {
		return nil, invalidPayload("missing data.envelopeId")
	}
	return []WebhookEvent{{
		Provider:           DocuSign,
		EventType:          event,
		ExternalDocumentID: docID,
		ExternalAccountID:  p.Data.AccountID,
		RawPayload:         body,
		ReceivedAt:         time.Now().UTC(),
	}}, nil
}

func (d *DocuSignAdapter) IsCompleted(ev WebhookEvent) bool {
	switch ev.EventType {
	case "envelope-completed", "envelope.completed":
		return true
	}
	return false
}

func (d *DocuSignAdapter) Signature() SignatureScheme {
	return SignatureScheme{Header: "X-DocuSign-Signature-1", Encoding: EncodingBase64}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
