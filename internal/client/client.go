// Package client is the HTTP client of the sealvault-server API used by the
// operator CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/sealvault/internal/logx"
	"github.com/aspect-build/sealvault/internal/refparser"
	"github.com/aspect-build/sealvault/internal/server/db"
	"github.com/aspect-build/sealvault/internal/verify"
	"github.com/aspect-build/sealvault/internal/version"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// HashVerdict is the answer of GET /verify-hash.
type HashVerdict struct {
	Valid      bool       `json:"valid"`
	DocumentID string     `json:"document_id,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
	TxID       string     `json:"txid,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// FileVerdict is the answer of POST /verify.
type FileVerdict struct {
	Valid        bool   `json:"valid"`
	ComputedHash string `json:"computedHash"`
	StoredHash   string `json:"storedHash,omitempty"`
	DocumentID   string `json:"documentId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Authorization is the answer of POST /v1/connections/:provider/authorize.
type Authorization struct {
	URL   string `json:"authorization_url"`
	State string `json:"state"`
}

// RetryResult is the answer of POST /v1/documents/:id/retry.
type RetryResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Queued bool   `json:"queued"`
}

type Client struct {
	baseURL    string
	adminToken string
	http       *http.Client
}

// New returns a client for serverURL. Plain HTTP is refused unless
// allowInsecure is set.
func New(serverURL, adminToken string, allowInsecure bool) (*Client, error) {
	serverURL = strings.TrimRight(serverURL, "/")
	if serverURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(serverURL, "https://") {
		if !allowInsecure {
			return nil, fmt.Errorf("server URL %q is not HTTPS; use --insecure to allow plaintext HTTP", serverURL)
		}
		fmt.Fprintf(os.Stderr, "sealvault: WARNING: communicating over plaintext HTTP (%s)\n", serverURL)
	}
	return &Client{
		baseURL:    serverURL,
		adminToken: adminToken,
		http:       &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// VerifyHash asks whether a registered document carries hash. A negative
// answer is a verdict, not an error.
func (c *Client) VerifyHash(ctx context.Context, hash string) (*HashVerdict, error) {
	var v HashVerdict
	err := c.do(ctx, http.MethodGet, "/verify-hash?hash="+url.QueryEscape(hash), nil, "", false, &v, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// VerifyFile uploads the file at path, optionally against one document.
func (c *Client) VerifyFile(ctx context.Context, path, documentID string) (*FileVerdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if documentID != "" {
		if err := mw.WriteField("documentId", documentID); err != nil {
			return nil, fmt.Errorf("build upload: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	var v FileVerdict
	if err := c.do(ctx, http.MethodPost, "/verify", &body, mw.FormDataContentType(), false, &v, http.StatusNotFound); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListDocuments lists vaulted documents, optionally filtered by status.
func (c *Client) ListDocuments(ctx context.Context, status string, limit int) ([]db.VaultedDocument, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/documents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var docs []db.VaultedDocument
	if err := c.do(ctx, http.MethodGet, path, nil, "", true, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// FindDocument looks a document up by its platform identity. It returns
// nil when there is none.
func (c *Client) FindDocument(ctx context.Context, ref refparser.DocumentRef) (*db.VaultedDocument, error) {
	q := url.Values{"provider": {ref.Provider.String()}, "external_id": {ref.ExternalDocumentID}}
	var docs []db.VaultedDocument
	if err := c.do(ctx, http.MethodGet, "/v1/documents?"+q.Encode(), nil, "", true, &docs); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*db.VaultedDocument, error) {
	var d db.VaultedDocument
	if err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id), nil, "", true, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CheckIntegrity has the server re-read and re-hash a stored document.
func (c *Client) CheckIntegrity(ctx context.Context, id string) (*verify.FileResult, error) {
	var r verify.FileResult
	if err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(id)+"/integrity", nil, "", true, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) RetryDocument(ctx context.Context, id string) (*RetryResult, error) {
	var r RetryResult
	if err := c.do(ctx, http.MethodPost, "/v1/documents/"+url.PathEscape(id)+"/retry", nil, "", true, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Authorize starts an OAuth connection for userID and returns the URL the
// user must open.
func (c *Client) Authorize(ctx context.Context, provider, userID string) (*Authorization, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}
	var a Authorization
	path := "/v1/connections/" + url.PathEscape(provider) + "/authorize"
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", true, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListConnections(ctx context.Context, userID string) ([]db.Connection, error) {
	path := "/v1/connections"
	if userID != "" {
		path += "?user_id=" + url.QueryEscape(userID)
	}
	var conns []db.Connection
	if err := c.do(ctx, http.MethodGet, path, nil, "", true, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

func (c *Client) DeleteConnection(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/connections/"+url.PathEscape(id), nil, "", true, nil)
}

// do sends a request and decodes a JSON answer into out. Statuses listed in
// accept are decoded like 2xx.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, admin bool, out any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if admin {
		if c.adminToken == "" {
			return fmt.Errorf("admin token required: use --token or set SEALVAULT_ADMIN_TOKEN")
		}
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	logx.Debugf("%s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range accept {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
