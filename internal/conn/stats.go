package conn

import (
	"fmt"
	"log/slog"
)

// Stats are cumulative per-connection counters. They survive Stop and are
// reset by Start.
type Stats struct {
	BytesIn, BytesOut       uint64
	MessagesIn, MessagesOut uint64
	ChunksIn, ChunksOut     uint64
}

// LogValue renders the counters as a log group with readable byte sizes.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("in", formatBytes(s.BytesIn)),
		slog.String("out", formatBytes(s.BytesOut)),
		slog.Uint64("messages_in", s.MessagesIn),
		slog.Uint64("messages_out", s.MessagesOut),
		slog.Uint64("chunks_in", s.ChunksIn),
		slog.Uint64("chunks_out", s.ChunksOut),
	)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}
