package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/aspect-build/sealvault/internal/provider"
	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "docusign/env-1.pdf", ObjectPath(provider.DocuSign, "env-1"))
	assert.Equal(t, "signnow/a%2Fb.pdf", ObjectPath(provider.SignNow, "a/b"))
	assert.Equal(t, "pandadoc/..%2F..%2Fetc.pdf", ObjectPath(provider.PandaDoc, "../../etc"))
	// Pure function of its inputs.
	assert.Equal(t, ObjectPath(provider.PandaDoc, "x"), ObjectPath(provider.PandaDoc, "x"))
}

func TestHash(t *testing.T) {
	data := []byte("%PDF-1.7 signed")
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), Hash(data))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
}

func TestFSStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	path := ObjectPath(provider.DocuSign, "env-1")
	data := []byte("%PDF first")
	hash, err := s.Put(ctx, path, data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)

	got, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, hash, Hash(got))

	// Overwrite keyed by path.
	hash2, err := s.Put(ctx, path, []byte("%PDF second"))
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
	got, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF second", string(got))

	entries, err := os.ReadDir(filepath.Join(root, "docusign"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not remain")

	require.NoError(t, s.Delete(ctx, path))
	_, err = s.Get(ctx, path)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, vaulterr.ErrStorage)

	// Deleting twice is fine.
	require.NoError(t, s.Delete(ctx, path))
}

func TestFSStore_RejectsEscapingPaths(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"", "../outside.pdf", "/etc/passwd", "a/../../b"} {
		_, err := s.Put(context.Background(), p, []byte("x"))
		assert.ErrorIs(t, err, vaulterr.ErrInvalidRequest, p)
	}
}

func TestFSStore_CanceledContext(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Put(ctx, "docusign/x.pdf", []byte("x"))
	assert.ErrorIs(t, err, vaulterr.ErrStorage)
}
