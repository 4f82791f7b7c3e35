package display

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chronologos/gpuwire/internal/logging"
	"github.com/chronologos/gpuwire/internal/protocol"
	"github.com/chronologos/gpuwire/internal/trace"
)

// Sink consumes what the producer sends. Methods run on the loop goroutine
// and must not block.
type Sink interface {
	// Commands receives one command batch. payload is only valid for the
	// duration of the call.
	Commands(payload []byte)
	// Reserved receives the producer's swapchain reservation.
	Reserved(r protocol.Reservation)
}

// RecordingSink counts batches and remembers the most recent reservation
// and batch digest. It is safe to read from other goroutines.
type RecordingSink struct {
	log *slog.Logger

	batches atomic.Uint64
	bytes   atomic.Uint64

	mu          sync.Mutex
	lastDigest  string
	reservation protocol.Reservation
	reserved    bool
}

// NewRecordingSink returns a sink that logs each batch at debug level.
func NewRecordingSink(logger *slog.Logger) *RecordingSink {
	return &RecordingSink{log: logging.OrDiscard(logger).With("component", "sink")}
}

func (s *RecordingSink) Commands(payload []byte) {
	s.batches.Add(1)
	s.bytes.Add(uint64(len(payload)))
	digest := trace.Digest(payload)
	s.mu.Lock()
	s.lastDigest = digest
	s.mu.Unlock()
	s.log.Debug("commands", "len", len(payload), "blake3", digest)
}

func (s *RecordingSink) Reserved(r protocol.Reservation) {
	s.mu.Lock()
	s.reservation = r
	s.reserved = true
	s.mu.Unlock()
	s.log.Debug("reserved",
		"swapchain", r.Swapchain.ID, "swapchain_gen", r.Swapchain.Generation,
		"device", r.Device.ID, "device_gen", r.Device.Generation)
}

// Batches returns the number of command batches received.
func (s *RecordingSink) Batches() uint64 { return s.batches.Load() }

// Bytes returns the total command payload received.
func (s *RecordingSink) Bytes() uint64 { return s.bytes.Load() }

// LastDigest returns the blake3 digest of the most recent batch.
func (s *RecordingSink) LastDigest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDigest
}

// Reservation returns the most recent reservation, if any.
func (s *RecordingSink) Reservation() (protocol.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservation, s.reserved
}
