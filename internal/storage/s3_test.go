package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aspect-build/sealvault/internal/vaulterr"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style, in-memory bucket. failPuts makes the next N PUTs
// answer 503.
type fakeS3 struct {
	mu       sync.Mutex
	bucket   string
	objects  map[string][]byte
	puts     int
	failPuts int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.bucket + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, prefix)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		f.puts++
		if f.failPuts > 0 {
			f.failPuts--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>SlowDown</Code><Message>try later</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeS3) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func newTestS3(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "vault", objects: map[string][]byte{}}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:     "vault",
		Region:     "us-east-1",
		Endpoint:   ts.URL,
		AccessKey:  "minio",
		SecretKey:  "minio-secret",
		HTTPClient: ts.Client(),
	})
	require.NoError(t, err)
	s.backoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
	return s, fake
}

func TestS3Store_RoundTrip(t *testing.T) {
	s, fake := newTestS3(t)
	ctx := context.Background()
	data := []byte("%PDF-1.7 combined")

	hash, err := s.Put(ctx, "docusign/env-1.pdf", data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)
	assert.Equal(t, data, fake.object("docusign/env-1.pdf"))

	got, err := s.Get(ctx, "docusign/env-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, "docusign/env-1.pdf"))
	_, err = s.Get(ctx, "docusign/env-1.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_RetriesTransientPut(t *testing.T) {
	s, fake := newTestS3(t)
	fake.failPuts = 2

	_, err := s.Put(context.Background(), "signnow/d1.pdf", []byte("pdf"))
	require.NoError(t, err)
	assert.Equal(t, 3, fake.putCount())
}

func TestS3Store_GivesUpAfterMaxRetries(t *testing.T) {
	s, fake := newTestS3(t)
	fake.failPuts = 10

	_, err := s.Put(context.Background(), "signnow/d1.pdf", []byte("pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, vaulterr.ErrStorage)
	assert.Equal(t, 3, fake.putCount())
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	assert.Error(t, err)
}
