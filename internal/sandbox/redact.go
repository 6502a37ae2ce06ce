package sandbox

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const redactedPlaceholder = "[REDACTED]"

// RedactingWriter wraps an io.Writer and guarantees that none of a fixed set
// of secret substrings ever reaches the underlying writer. Every code path
// that can emit guest output or a result artifact routes through one of
// these — redaction is implemented once, as a wrapping writer, not
// per-callsite, per the launcher's credential-handling invariant.
//
// Writes are buffered to the last newline so a secret split across two
// Write calls is still caught.
type RedactingWriter struct {
	dst     io.Writer
	secrets []string

	mu  sync.Mutex
	buf bytes.Buffer

	tailMu sync.Mutex
	tail   []string
	tailN  int
}

// NewRedactingWriter creates a writer that redacts the given secret values
// before forwarding lines to dst, and retains the last tailN lines
// (post-redaction) for inclusion in a JobResult.
func NewRedactingWriter(dst io.Writer, secrets []string, tailN int) *RedactingWriter {
	filtered := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			filtered = append(filtered, s)
		}
	}
	return &RedactingWriter{dst: dst, secrets: filtered, tailN: tailN}
}

func (w *RedactingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	w.buf.Write(p)

	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		w.buf.Next(idx + 1)
		if err := w.emit(line); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Flush writes out any partial line left in the buffer (no trailing
// newline). Call once after the source process exits.
func (w *RedactingWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := w.buf.String()
	w.buf.Reset()
	return w.emit(line)
}

func (w *RedactingWriter) emit(line string) error {
	redacted := Redact(line, w.secrets)

	w.tailMu.Lock()
	w.tail = append(w.tail, redacted)
	if w.tailN > 0 && len(w.tail) > w.tailN {
		w.tail = w.tail[len(w.tail)-w.tailN:]
	}
	w.tailMu.Unlock()

	_, err := w.dst.Write([]byte(redacted + "\n"))
	return err
}

// Tail returns a snapshot of the most recent lines written, redacted.
func (w *RedactingWriter) Tail() []string {
	w.tailMu.Lock()
	defer w.tailMu.Unlock()
	out := make([]string, len(w.tail))
	copy(out, w.tail)
	return out
}

// Redact replaces every occurrence of every non-empty secret in line with a
// fixed placeholder.
func Redact(line string, secrets []string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		line = strings.ReplaceAll(line, s, redactedPlaceholder)
	}
	return line
}
