package db

import (
	"time"

	"github.com/aspect-build/sealvault/internal/provider"
)

// OAuthState is a pending authorization request. It is consumed by the
// first callback that presents it.
type OAuthState struct {
	State     string            `db:"state" json:"-"`
	Provider  provider.Provider `db:"provider" json:"provider"`
	UserID    string            `db:"user_id" json:"user_id"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// Connection is a user's long-lived link to a platform account. Tokens are
// sealed at rest and never serialized.
type Connection struct {
	ID                    string            `db:"id" json:"id"`
	Provider              provider.Provider `db:"provider" json:"provider"`
	UserID                string            `db:"user_id" json:"user_id"`
	ExternalAccountID     string            `db:"external_account_id" json:"external_account_id"`
	AccessTokenEncrypted  []byte            `db:"access_token_encrypted" json:"-"`
	RefreshTokenEncrypted []byte            `db:"refresh_token_encrypted" json:"-"`
	ExpiresAt             time.Time         `db:"expires_at" json:"expires_at"`
	Email                 string            `db:"email" json:"email"`
	DisplayName           string            `db:"display_name" json:"display_name"`
	BaseURI               string            `db:"base_uri" json:"base_uri,omitempty"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at" json:"updated_at"`
}

// DocumentStatus is the ingestion state of a vaulted document.
type DocumentStatus string

const (
	StatusPending     DocumentStatus = "pending"
	StatusDownloading DocumentStatus = "downloading"
	StatusUploaded    DocumentStatus = "uploaded"
	StatusRegistered  DocumentStatus = "registered"
	StatusFailed      DocumentStatus = "failed"
)

// ParseStatus validates a status filter.
func ParseStatus(s string) (DocumentStatus, bool) {
	switch st := DocumentStatus(s); st {
	case StatusPending, StatusDownloading, StatusUploaded, StatusRegistered, StatusFailed:
		return st, true
	}
	return "", false
}

// VaultedDocument is both the durable ingestion job and, once registered,
// the integrity record of the stored copy.
type VaultedDocument struct {
	ID                 string            `db:"id" json:"id"`
	Provider           provider.Provider `db:"provider" json:"provider"`
	ExternalDocumentID string            `db:"external_document_id" json:"external_document_id"`
	ExternalAccountID  string            `db:"external_account_id" json:"external_account_id,omitempty"`
	ConnectionID       string            `db:"connection_id" json:"connection_id,omitempty"`
	StoragePath        string            `db:"storage_path" json:"storage_path"`
	ContentHash        string            `db:"content_hash" json:"content_hash,omitempty"`
	Status             DocumentStatus    `db:"status" json:"status"`
	Attempts           int               `db:"attempts" json:"attempts"`
	FailureReason      string            `db:"failure_reason" json:"failure_reason,omitempty"`
	AnchorRef          string            `db:"anchor_ref" json:"anchor_ref,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
	RegisteredAt       *time.Time        `db:"registered_at" json:"registered_at,omitempty"`
}
