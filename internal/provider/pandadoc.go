package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	pandaDocDefaultAuthURL = "https://app.pandadoc.com"
	pandaDocDefaultAPIURL  = "https://api.pandadoc.com"
	pandaDocCompleted      = "document.completed"
)

// PandaDocAdapter talks to the PandaDoc public API v1.
type PandaDocAdapter struct {
	base
}

func NewPandaDoc(cfg Config) *PandaDocAdapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = pandaDocDefaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = pandaDocDefaultAPIURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   strings.TrimRight(cfg.AuthURL, "/") + "/oauth2/authorize",
		TokenURL:  strings.TrimRight(cfg.APIURL, "/") + "/oauth2/access_token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return &PandaDocAdapter{base: newBase(PandaDoc, cfg, endpoint, []string{"read", "write"})}
}

type pandaDocMember struct {
	UserID       string `json:"user_id"`
	MembershipID string `json:"membership_id"`
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
}

func (p *PandaDocAdapter) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var m pandaDocMember
	if err := p.getJSON(ctx, accessToken, p.apiURL+"/public/v1/members/current/", &m); err != nil {
		return nil, err
	}
	return &Profile{
		ExternalID:  firstNonEmpty(m.UserID, m.MembershipID),
		Email:       m.Email,
		DisplayName: joinName(m.FirstName, m.LastName),
	}, nil
}

func (p *PandaDocAdapter) DownloadSignedDocument(ctx context.Context, accessToken string, ref DocumentRef) ([]byte, error) {
	u := fmt.Sprintf("%s/public/v1/documents/%s/download", p.apiURL, url.PathEscape(ref.ExternalDocumentID))
	return p.download(ctx, accessToken, u)
}

type pandaDocEvent struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	Data  struct {
		ID         string `json:"id"`
		DocumentID string `json:"documentId"`
		Status     string `json:"status"`
	} `json:"data"`
}

// ParseWebhook accepts PandaDoc's batched array form and a single event
// object. Every element must be well formed.
func (p *PandaDocAdapter) ParseWebhook(body []byte) ([]WebhookEvent, error) {
	var items []pandaDocEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, invalidPayload("decode pandadoc events: %v", err)
		}
		if len(items) == 0 {
			return nil, invalidPayload("empty event batch")
		}
	} else {
		var one pandaDocEvent
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, invalidPayload("decode pandadoc event: %v", err)
		}
		items = []pandaDocEvent{one}
	}

	now := time.Now().UTC()
	events := make([]WebhookEvent, 0, len(items))
	for i, it := range items {
		event := firstNonEmpty(it.Event, it.Type)
		if event == "" {
			return nil, invalidPayload("event %d: missing event", i)
		}
		docID := firstNonEmpty(it.Data.ID, it.Data.DocumentID)
		if docID == "" {
			return nil, invalidPayload("event %d: missing data.id", i)
		}
		events = append(events, WebhookEvent{
			Provider:           PandaDoc,
			EventType:          event,
			Status:             it.Data.Status,
			ExternalDocumentID: docID,
			RawPayload:         body,
			ReceivedAt:         now,
		})
	}
	return events, nil
}

func (p *PandaDocAdapter) IsCompleted(ev WebhookEvent) bool {
	switch ev.EventType {
	case pandaDocCompleted:
		return true
	case "document_state_changed":
		return ev.Status == pandaDocCompleted
	}
	return false
}

func (p *PandaDocAdapter) Signature() SignatureScheme {
	return SignatureScheme{Query: "signature", Encoding: EncodingHex}
}
