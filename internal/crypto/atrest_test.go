package crypto

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func randomMasterKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestAtRest_RoundTrip(t *testing.T) {
	key := randomMasterKey(t)
	plaintext := []byte("sensitive data")

	ct, err := EncryptAtRest(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	got, err := DecryptAtRest(key, ct)
	if err != nil {
		t.Fatalf("DecryptAtRest: %v", err)
	}

	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestAtRest_WrongKey(t *testing.T) {
	key := randomMasterKey(t)
	wrongKey := randomMasterKey(t)

	ct, err := EncryptAtRest(key, []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptAtRest: %v", err)
	}

	if _, err := DecryptAtRest(wrongKey, ct); err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
}

func TestAtRest_ShortData(t *testing.T) {
	key := randomMasterKey(t)
	if _, err := DecryptAtRest(key, []byte("short")); err == nil {
		t.Fatal("expected error for short data")
	}
}

func TestParseMasterKey(t *testing.T) {
	good := strings.Repeat("ab", 32)
	key, err := ParseMasterKey(good)
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if key[0] != 0xab || key[31] != 0xab {
		t.Fatalf("unexpected key bytes %x", key)
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := ParseMasterKey(bad); err == nil {
			t.Errorf("ParseMasterKey(%q): expected error", bad)
		}
	}
}

func TestDeriveKey_PurposeSeparation(t *testing.T) {
	master := randomMasterKey(t)
	a, err := DeriveKey(master, "connection-tokens")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(master, "other")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	again, _ := DeriveKey(master, "connection-tokens")
	if a == b {
		t.Fatal("different purposes produced the same key")
	}
	if a != again {
		t.Fatal("derivation is not deterministic")
	}
	if bytes.Equal(a[:], master[:]) {
		t.Fatal("derived key equals master key")
	}
}

func TestTokenSealer(t *testing.T) {
	s, err := NewTokenSealer(randomMasterKey(t))
	if err != nil {
		t.Fatalf("NewTokenSealer: %v", err)
	}

	sealed, err := s.Seal("refresh-abc")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("refresh-abc")) {
		t.Fatal("sealed token contains plaintext")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "refresh-abc" {
		t.Fatalf("Open = %q", got)
	}

	empty, err := s.Seal("")
	if err != nil || empty != nil {
		t.Fatalf("Seal(\"\") = %v, %v", empty, err)
	}
	if got, err := s.Open(nil); err != nil || got != "" {
		t.Fatalf("Open(nil) = %q, %v", got, err)
	}
}
