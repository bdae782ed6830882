package redact

import (
	"bytes"
	"testing"
)

func TestString(t *testing.T) {
	r := New("client-secret-1", "tok_ABC")
	got := r.String(`{"error":"invalid_client","client_secret":"client-secret-1","token":"tok_ABC"}`)
	want := `{"error":"invalid_client","client_secret":"[REDACTED]","token":"[REDACTED]"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestString_NoSecrets(t *testing.T) {
	r := New("", "")
	if got := r.String("passthrough"); got != "passthrough" {
		t.Fatalf("got %q", got)
	}
	var nilR *Redactor
	if got := nilR.String("x"); got != "x" {
		t.Fatalf("nil redactor got %q", got)
	}
}

func TestWriter_ChunkBoundary(t *testing.T) {
	var buf bytes.Buffer
	mw := New("MYSECRET").Writer(&buf)

	mw.Write([]byte("prefix MYSE"))
	mw.Write([]byte("CRET suffix"))
	mw.Flush()

	if got, want := buf.String(), "prefix [REDACTED] suffix"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriter_MultipleMatches(t *testing.T) {
	var buf bytes.Buffer
	mw := New("AAA", "BBB").Writer(&buf)

	mw.Write([]byte("AAA and BBB and AAA"))
	mw.Flush()

	want := "[REDACTED] and [REDACTED] and [REDACTED]"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWriter_Passthrough(t *testing.T) {
	var buf bytes.Buffer
	mw := New().Writer(&buf)
	mw.Write([]byte("plain"))
	mw.Flush()
	if got := buf.String(); got != "plain" {
		t.Fatalf("got %q", got)
	}
}
