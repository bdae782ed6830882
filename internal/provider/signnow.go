package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	signNowDefaultAuthURL = "https://app.signnow.com"
	signNowDefaultAPIURL  = "https://api.signnow.com"
)

// SignNowAdapter talks to the SignNow REST API.
type SignNowAdapter struct {
	base
}

func NewSignNow(cfg Config) *SignNowAdapter {
	if cfg.AuthURL == "" {
		cfg.AuthURL = signNowDefaultAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = signNowDefaultAPIURL
	}
	endpoint := oauth2.Endpoint{
		AuthURL:   strings.TrimRight(cfg.AuthURL, "/") + "/authorize",
		TokenURL:  strings.TrimRight(cfg.APIURL, "/") + "/oauth2/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	return &SignNowAdapter{base: newBase(SignNow, cfg, endpoint, []string{"*"})}
}

type signNowUser struct {
	ID           string   `json:"id"`
	PrimaryEmail string   `json:"primary_email"`
	Emails       []string `json:"emails"`
	FirstName    string   `json:"first_name"`
	LastName     string   `json:"last_name"`
}

func (s *SignNowAdapter) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var u signNowUser
	if err := s.getJSON(ctx, accessToken, s.apiURL+"/user", &u); err != nil {
		return nil, err
	}
	email := u.PrimaryEmail
	if email == "" && len(u.Emails) > 0 {
		email = u.Emails[0]
	}
	return &Profile{
		ExternalID:  u.ID,
		Email:       email,
		DisplayName: joinName(u.FirstName, u.LastName),
	}, nil
}

// DownloadSignedDocument fetches the flattened ("collapsed") PDF.
func (s *SignNowAdapter) DownloadSignedDocument(ctx context.Context, accessToken string, ref DocumentRef) ([]byte, error) {
	u := fmt.Sprintf("%s/document/%s/download?type=collapsed", s.apiURL, url.PathEscape(ref.ExternalDocumentID))
	return s.download(ctx, accessToken, u)
}

// signNowEvent accepts both the v2 callback shape (meta/content) and the
// flat event/data shape.
type signNowEvent struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	Meta  struct {
		Event string `json:"event"`
	} `json:"meta"`
	Content struct {
		DocumentID string `json:"document_id"`
		UserID     string `json:"user_id"`
	} `json:"content"`
	Data struct {
		DocumentID string `json:"documentId"`
		UserID     string `json:"userId"`
	} `json:"data"`
}

func (s *SignNowAdapter) ParseWebhook(body []byte) ([]WebhookEvent, error) {
	var p signNowEvent
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, invalidPayload("decode signnow event: %v", err)
	}
	event := firstNonEmpty(p.Meta.Event, p.Event, p.Type)
	if event == "" {
		return nil, invalidPayload("missing event")
	}
	docID := firstNonEmpty(p.Content.DocumentID, p.Data.DocumentID)
	if docID == "" {
		return nil, invalidPayload("missing document id")
	}
	return []WebhookEvent{{
		Provider:           SignNow,
		EventType:          event,
		ExternalDocumentID: docID,
		ExternalAccountID:  firstNonEmpty(p.Content.UserID, p.Data.UserID),
		RawPayload:         body,
		ReceivedAt:         time.Now().UTC(),
	}}, nil
}

func (s *SignNowAdapter) IsCompleted(ev WebhookEvent) bool {
	switch ev.EventType {
	case "document.complete", "document.completed", "document_complete":
		return true
	}
	return false
}

func (s *SignNowAdapter) Signature() SignatureScheme {
	return SignatureScheme{Header: "X-SignNow-Signature", Encoding: EncodingHex}
}
