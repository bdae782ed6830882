package refparser

import (
	"testing"

	"github.com/aspect-build/sealvault/internal/provider"
)

func TestParse_Valid(t *testing.T) {
	ref, err := Parse("sealvault://docusign/4f2c1d9a-env")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Provider != provider.DocuSign {
		t.Errorf("Provider = %q, want %q", ref.Provider, provider.DocuSign)
	}
	if ref.ExternalDocumentID != "4f2c1d9a-env" {
		t.Errorf("ExternalDocumentID = %q", ref.ExternalDocumentID)
	}
	if ref.Raw != "sealvault://docusign/4f2c1d9a-env" {
		t.Errorf("Raw = %q", ref.Raw)
	}
}

func TestParse_AllProviders(t *testing.T) {
	tests := []struct {
		ref  string
		prov provider.Provider
		id   string
	}{
		{"sealvault://signnow/0a1b2c", provider.SignNow, "0a1b2c"},
		{"sealvault://pandadoc/msFYActMfJHqNTKH8YSvF1", provider.PandaDoc, "msFYActMfJHqNTKH8YSvF1"},
		{"sealvault://docusign/a%2Fb", provider.DocuSign, "a/b"},
	}
	for _, tt := range tests {
		r, err := Parse(tt.ref)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.ref, err)
			continue
		}
		if r.Provider != tt.prov || r.ExternalDocumentID != tt.id {
			t.Errorf("Parse(%q) = {%q, %q}, want {%q, %q}", tt.ref, r.Provider, r.ExternalDocumentID, tt.prov, tt.id)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	invalids := []string{
		"",
		"not-a-ref",
		"sealvault://",
		"sealvault://docusign",
		"sealvault://docusign/",
		"sealvault:///env-1",
		"sealvault://docusign/a/b",
		"sealvault://hellosign/env-1",
		"sealvault://docusign/%zz",
	}
	for _, ref := range invalids {
		_, err := Parse(ref)
		if err == nil {
			t.Errorf("Parse(%q) should fail", ref)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	raw := Format(provider.DocuSign, "a/b c")
	ref, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q): %v", raw, err)
	}
	if ref.ExternalDocumentID != "a/b c" {
		t.Errorf("ExternalDocumentID = %q", ref.ExternalDocumentID)
	}
}

func TestIsRef(t *testing.T) {
	if !IsRef("sealvault://docusign/env-1") {
		t.Error("expected true for sealvault:// prefix")
	}
	if IsRef("https://foo/bar") {
		t.Error("expected false for non-sealvault prefix")
	}
	if IsRef("") {
		t.Error("expected false for empty string")
	}
}
