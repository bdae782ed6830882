// Package redact strips credential values out of text before it is logged or
// attached to an error. Matching is multi-pattern Aho-Corasick.
package redact

import (
	"io"
	"sync"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

const Placeholder = "[REDACTED]"

// Redactor replaces a fixed set of secret values.
type Redactor struct {
	matcher aho.AhoCorasick
	secrets []string
	maxLen  int
}

// New builds a Redactor. Empty values are ignored.
func New(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		r.secrets = append(r.secrets, s)
		if len(s) > r.maxLen {
			r.maxLen = len(s)
		}
	}
	if len(r.secrets) > 0 {
		builder := aho.NewAhoCorasickBuilder(aho.Opts{})
		r.matcher = builder.Build(r.secrets)
	}
	return r
}

// String returns s with every secret replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if r == nil || len(r.secrets) == 0 {
		return s
	}
	out, _ := r.mask([]byte(s), len(s))
	return string(out)
}

// mask masks buf up to safeEnd and returns the emitted bytes plus the index
// of the first byte that was not consumed. Matches starting before safeEnd
// are consumed entirely even when they extend past it.
func (r *Redactor) mask(buf []byte, safeEnd int) ([]byte, int) {
	var result []byte
	pos := 0
	consumed := safeEnd
	for _, m := range r.matcher.FindAll(string(buf)) {
		start, end := m.Start(), m.End()
		if start < pos {
			continue
		}
		if start >= safeEnd {
			break
		}
		result = append(result, buf[pos:start]...)
		result = append(result, Placeholder...)
		pos = end
		if end > consumed {
			consumed = end
		}
	}
	if pos < safeEnd {
		result = append(result, buf[pos:safeEnd]...)
	}
	return result, consumed
}

// Writer wraps out so that secrets never reach it, including secrets split
// across Write calls. Call Flush when done.
func (r *Redactor) Writer(out io.Writer) *MaskingWriter {
	return &MaskingWriter{out: out, r: r}
}

// MaskingWriter is the io.Writer returned by Redactor.Writer.
type MaskingWriter struct {
	mu  sync.Mutex
	out io.Writer
	r   *Redactor
	buf []byte
}

// Write implements io.Writer. Data may be buffered to handle cross-boundary matches.
func (mw *MaskingWriter) Write(p []byte) (int, error) {
	if len(mw.r.secrets) == 0 {
		return mw.out.Write(p)
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()

	mw.buf = append(mw.buf, p...)
	if err := mw.process(false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush writes any remaining buffered data, performing final masking.
func (mw *MaskingWriter) Flush() error {
	if len(mw.r.secrets) == 0 {
		return nil
	}

	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.process(true)
}

func (mw *MaskingWriter) process(all bool) error {
	if len(mw.buf) == 0 {
		return nil
	}

	// Keep maxLen-1 bytes back so a secret split across writes still matches.
	safeEnd := len(mw.buf)
	if !all {
		safeEnd = len(mw.buf) - (mw.r.maxLen - 1)
		if safeEnd <= 0 {
			return nil
		}
	}

	result, consumed := mw.r.mask(mw.buf, safeEnd)
	if len(result) > 0 {
		if _, err := mw.out.Write(result); err != nil {
			return err
		}
	}

	remaining := make([]byte, len(mw.buf)-consumed)
	copy(remaining, mw.buf[consumed:])
	mw.buf = remaining
	return nil
}
