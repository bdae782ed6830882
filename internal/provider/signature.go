package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// SignatureEncoding is how a platform encodes its HMAC-SHA256 digest.
type SignatureEncoding int

const (
	EncodingHex SignatureEncoding = iota
	EncodingBase64
)

// SignatureScheme describes where a platform puts its webhook signature.
// Exactly one of Header and Query is set.
type SignatureScheme struct {
	Header   string
	Query    string
	Encoding SignatureEncoding
}

// Extract returns the signature presented with a request, or "".
func (s SignatureScheme) Extract(h http.Header, q url.Values) string {
	if s.Header != "" {
		return strings.TrimSpace(h.Get(s.Header))
	}
	if s.Query != "" {
		return strings.TrimSpace(q.Get(s.Query))
	}
	return ""
}

// Sign computes the expected signature for body.
func (s SignatureScheme) Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)
	if s.Encoding == EncodingBase64 {
		return base64.StdEncoding.EncodeToString(sum)
	}
	return hex.EncodeToString(sum)
}

// Verify compares the presented signature against the expected one in constant time.
func (s SignatureScheme) Verify(body []byte, presented, secret string) bool {
	if presented == "" || secret == "" {
		return false
	}
	expected := s.Sign(body, secret)
	if s.Encoding == EncodingHex {
		presented = strings.ToLower(presented)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
