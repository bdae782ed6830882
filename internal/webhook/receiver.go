// Package webhook authenticates, parses and dispatches platform notifications.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/storage"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Policy decides what a missing or bad signature does.
type Policy string

const (
	PolicyEnforce Policy = "enforce"
	PolicyWarn    Policy = "warn"
)

// ParsePolicy reads a policy name. Empty means enforce.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyEnforce, nil
	case PolicyEnforce, PolicyWarn:
		return p, nil
	}
	return "", fmt.Errorf("unknown webhook policy %q (want enforce or warn)", s)
}

// ProviderConfig is the signing setup of one platform.
type ProviderConfig struct {
	Secret string
	Policy Policy
}

// Outcome is reported back to the platform in the acknowledgement.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// ErrSignature rejects a delivery under the enforce policy.
var ErrSignature = vaulterr.E(vaulterr.ErrAuthentication, "webhook", errors.New("missing or invalid webhook signature"))

// Enqueuer schedules an ingestion job without blocking.
type Enqueuer interface {
	Enqueue(documentID string) bool
}

// Result summarizes one delivery.
type Result struct {
	Outcome     Outcome
	DocumentIDs []string
}

type Receiver struct {
	registry provider.Registry
	store    *db.Store
	queue    Enqueuer
	configs  map[provider.Provider]ProviderConfig
	log      *zap.SugaredLogger
}

func NewReceiver(registry provider.Registry, store *db.Store, queue Enqueuer, configs map[provider.Provider]ProviderConfig) *Receiver {
	r := &Receiver{
		registry: registry,
		store:    store,
		queue:    queue,
		configs:  configs,
		log:      logx.With("component", "webhook"),
	}
	for p := range registry {
		if configs[p].Secret == "" {
			r.log.Warnw("no webhook secret configured, signatures are not checked", "provider", p)
		}
	}
	return r
}

// Receive runs a delivery up to acknowledgement: authenticate, parse, and
// for completed events claim the document and enqueue it. Download and
// upload happen later on the ingestion pool.
func (r *Receiver) Receive(ctx context.Context, p provider.Provider, body []byte, h http.Header, q url.Values) (*Result, error) {
	adapter, err := r.registry.Get(p)
	if err != nil {
		return nil, err
	}
	if err := r.authenticate(adapter, body, h, q); err != nil {
		return nil, err
	}

	events, err := adapter.ParseWebhook(body)
	if err != nil {
		r.log.Infow("rejected webhook payload", "provider", p, "error", err)
		return nil, err
	}

	res := &Result{Outcome: OutcomeIgnored}
	for _, ev := range events {
		if !adapter.IsCompleted(ev) {
			r.log.Debugw("ignoring non-terminal event", "provider", p, "event", ev.EventType,
				"external_document_id", ev.ExternalDocumentID)
			continue
		}
		id, claimed, err := r.claim(ctx, ev)
		if err != nil {
			return nil, err
		}
		if !claimed {
			if res.Outcome == OutcomeIgnored {
				res.Outcome = OutcomeDuplicate
			}
			continue
		}
		res.Outcome = OutcomeAccepted
		res.DocumentIDs = append(res.DocumentIDs, id)
		if !r.queue.Enqueue(id) {
			r.log.Warnw("document left pending for recovery sweep", "document_id", id)
		}
	}
	return res, nil
}

func (r *Receiver) authenticate(adapter provider.Adapter, body []byte, h http.Header, q url.Values) error {
	p := adapter.Provider()
	cfg := r.configs[p]
	if cfg.Secret == "" {
		return nil
	}
	scheme := adapter.Signature()
	if scheme.Verify(body, scheme.Extract(h, q), cfg.Secret) {
		return nil
	}
	if cfg.Policy == PolicyWarn {
		r.log.Warnw("webhook signature check failed, accepting under warn policy", "provider", p)
		return nil
	}
	r.log.Warnw("webhook signature check failed", "provider", p)
	return ErrSignature
}

func (r *Receiver) claim(ctx context.Context, ev provider.WebhookEvent) (string, bool, error) {
	d := &db.VaultedDocument{
		ID:                 uuid.NewString(),
		Provider:           ev.Provider,
		ExternalDocumentID: ev.ExternalDocumentID,
		ExternalAccountID:  ev.ExternalAccountID,
		StoragePath:        storage.ObjectPath(ev.Provider, ev.ExternalDocumentID),
	}
	claimed, err := r.store.ClaimDocument(ctx, d)
	if err != nil {
		return "", false, vaulterr.E(vaulterr.ErrStorage, "webhook.Claim", err)
	}
	if claimed {
		r.log.Infow("ingestion claimed", "document_id", d.ID, "provider", ev.Provider,
			"external_document_id", ev.ExternalDocumentID, "event", ev.EventType)
	} else {
		r.log.Debugw("duplicate delivery", "provider", ev.Provider, "external_document_id", ev.ExternalDocumentID)
	}
	return d.ID, claimed, nil
}
