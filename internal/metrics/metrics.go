// Package metrics counts transport activity in a VictoriaMetrics set.
//
// A nil *Registry is valid and records nothing, so connections built
// without metrics need no special casing.
package metrics

import (
	"fmt"
	"io"
	"net/http"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/chronologos/gpuwire/internal/protocol"
)

// Registry holds the counters for one process role (display or render).
type Registry struct {
	set  *vm.Set
	role string

	bytesIn        *vm.Counter
	bytesOut       *vm.Counter
	protocolErrors *vm.Counter
	framesSkipped  *vm.Counter
	connsAccepted  *vm.Counter
	connsClosed    *vm.Counter
	dialFailures   *vm.Counter
	chunkBytes     *vm.Histogram
}

// New creates a registry whose series carry a role label.
func New(role string) *Registry {
	s := vm.NewSet()
	r := &Registry{set: s, role: role}
	r.bytesIn = s.NewCounter(r.name("gpuwire_bytes_read_total"))
	r.bytesOut = s.NewCounter(r.name("gpuwire_bytes_written_total"))
	r.protocolErrors = s.NewCounter(r.name("gpuwire_protocol_errors_total"))
	r.framesSkipped = s.NewCounter(r.name("gpuwire_frames_skipped_total"))
	r.connsAccepted = s.NewCounter(r.name("gpuwire_connections_opened_total"))
	r.connsClosed = s.NewCounter(r.name("gpuwire_connections_closed_total"))
	r.dialFailures = s.NewCounter(r.name("gpuwire_dial_failures_total"))
	r.chunkBytes = s.NewHistogram(r.name("gpuwire_command_chunk_bytes"))
	return r
}

func (r *Registry) name(metric string, labels ...string) string {
	s := fmt.Sprintf(`%s{role=%q`, metric, r.role)
	for i := 0; i+1 < len(labels); i += 2 {
		s += fmt.Sprintf(`,%s=%q`, labels[i], labels[i+1])
	}
	return s + "}"
}

// MessageIn counts one decoded inbound message.
func (r *Registry) MessageIn(tag protocol.Tag) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(r.name("gpuwire_messages_total", "dir", "in", "kind", tag.String())).Inc()
}

// MessageOut counts one queued outbound message.
func (r *Registry) MessageOut(tag protocol.Tag) {
	if r == nil {
		return
	}
	r.set.GetOrCreateCounter(r.name("gpuwire_messages_total", "dir", "out", "kind", tag.String())).Inc()
}

// ChunkSize records the payload size of a command chunk.
func (r *Registry) ChunkSize(n int) {
	if r == nil {
		return
	}
	r.chunkBytes.Update(float64(n))
}

func (r *Registry) BytesIn(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bytesIn.Add(n)
}

func (r *Registry) BytesOut(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.bytesOut.Add(n)
}

func (r *Registry) ProtocolError() {
	if r == nil {
		return
	}
	r.protocolErrors.Inc()
}

func (r *Registry) FrameSkipped() {
	if r == nil {
		return
	}
	r.framesSkipped.Inc()
}

func (r *Registry) ConnOpened() {
	if r == nil {
		return
	}
	r.connsAccepted.Inc()
}

func (r *Registry) ConnClosed() {
	if r == nil {
		return
	}
	r.connsClosed.Inc()
}

func (r *Registry) DialFailed() {
	if r == nil {
		return
	}
	r.dialFailures.Inc()
}

// Gauge registers a callback-backed gauge, e.g. the active connection count.
func (r *Registry) Gauge(metric string, fn func() float64) {
	if r == nil {
		return
	}
	r.set.GetOrCreateGauge(r.name(metric), fn)
}

// Counter returns the current value of a named counter series, or 0.
func (r *Registry) Counter(metric string, labels ...string) uint64 {
	if r == nil {
		return 0
	}
	return r.set.GetOrCreateCounter(r.name(metric, labels...)).Get()
}

// WritePrometheus writes all series in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) {
	if r == nil {
		return
	}
	r.set.WritePrometheus(w)
	vm.WriteProcessMetrics(w)
}

// Handler serves WritePrometheus over HTTP.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}
