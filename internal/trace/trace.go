// Package trace renders wire bytes for debug logs.
package trace

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/chronologos/gpuwire/internal/logging"
)

// LineWidth is the column at which Escape wraps its output.
const LineWidth = 80

// Escape formats p for a log line. Printable ASCII other than space and
// double quote is kept; whitespace and quotes become \n \t \r \s \";
// everything else becomes \xHH. A newline is inserted every LineWidth
// output columns.
func Escape(p []byte) string {
	var b strings.Builder
	b.Grow(len(p) + len(p)/4)
	col := 0
	emit := func(s string) {
		if col >= LineWidth {
			b.WriteByte('\n')
			col = 0
		}
		b.WriteString(s)
		col += len(s)
	}
	for _, c := range p {
		switch {
		case c == '\t':
			emit(`\t`)
		case c == '\n':
			emit(`\n`)
		case c == '\r':
			emit(`\r`)
		case c == ' ':
			emit(`\s`)
		case c == '"':
			emit(`\"`)
		case c > ' ' && c < 0x7f:
			emit(string(c))
		default:
			emit(fmt.Sprintf(`\x%02X`, c))
		}
	}
	return b.String()
}

// Digest returns a short blake3 fingerprint of p: the first 8 bytes of the
// 256-bit hash, hex encoded.
func Digest(p []byte) string {
	sum := blake3.Sum256(p)
	return hex.EncodeToString(sum[:8])
}

// Tracer logs raw traffic at debug level. A nil *Tracer does nothing.
type Tracer struct {
	log *slog.Logger
	// Max is the number of payload bytes escaped per record; the rest is
	// summarized by the digest.
	Max int
}

// New returns a tracer writing to logger, or nil when disabled.
func New(logger *slog.Logger, enabled bool) *Tracer {
	if !enabled {
		return nil
	}
	return &Tracer{log: logging.OrDiscard(logger).With("component", "trace"), Max: 256}
}

// Enabled reports whether records would be emitted.
func (t *Tracer) Enabled() bool {
	return t != nil && t.log.Enabled(context.Background(), slog.LevelDebug)
}

// Bytes logs a raw read or write.
func (t *Tracer) Bytes(dir string, p []byte) {
	if !t.Enabled() || len(p) == 0 {
		return
	}
	t.log.Debug("wire", "dir", dir, "len", len(p), "bytes", t.clip(p))
}

// Chunk logs a command chunk with its digest.
func (t *Tracer) Chunk(dir string, payload []byte) {
	if !t.Enabled() {
		return
	}
	t.log.Debug("command chunk", "dir", dir, "len", len(payload), "blake3", Digest(payload))
}

func (t *Tracer) clip(p []byte) string {
	if t.Max > 0 && len(p) > t.Max {
		return Escape(p[:t.Max]) + "..."
	}
	return Escape(p)
}
