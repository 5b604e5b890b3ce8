// Package diagnostics aggregates named event counters and bounded
// frame ring buffers for sip_send/sip_recv/sip_ping/rtp_recv/rtp_trans,
// mirroring each counter into Prometheus so the same event both feeds
// an in-process diagnostics dump and an externally scrapeable metric.
package diagnostics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ringCapacity is the number of most-recent raw frames kept per named
// event, per spec.md's "bounded ring of 20".
const ringCapacity = 20

// TraceOpts tells Record how to fold one event: Increment bumps the
// named counter, Append pushes the raw frame onto the named ring.
type TraceOpts struct {
	Increment bool
	Append    bool
}

// Frame is one ring-buffer entry: the raw bytes traced and when.
type Frame struct {
	Raw []byte
	At  time.Time
}

// Diagnostics holds the process-wide counters and ring buffers. The
// zero value is not usable; construct with New.
type Diagnostics struct {
	mu      sync.Mutex
	counts  map[string]int64
	ring    map[string][]Frame
	eventsV *prometheus.CounterVec
}

// New builds a Diagnostics instance and registers its Prometheus
// counter vector against reg (pass prometheus.DefaultRegisterer for
// the global registry, or a fresh prometheus.NewRegistry() in tests to
// avoid duplicate-registration panics across packages).
func New(reg prometheus.Registerer) *Diagnostics {
	d := &Diagnostics{
		counts: map[string]int64{},
		ring:   map[string][]Frame{},
	}
	d.eventsV = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Namespace: "doorvoip",
		Name:      "events_total",
		Help:      "Total number of traced signalling/media events by key",
	}, []string{"key"})
	return d
}

// Record folds one traced event: sip_send, sip_recv, sip_ping,
// rtp_recv, or rtp_trans being the keys this endpoint ever traces.
func (d *Diagnostics) Record(key string, raw []byte, opts TraceOpts) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if opts.Increment {
		d.counts[key]++
		d.eventsV.WithLabelValues(key).Inc()
	}
	if opts.Append {
		frame := Frame{Raw: append([]byte(nil), raw...), At: time.Now()}
		buf := append(d.ring[key], frame)
		if len(buf) > ringCapacity {
			buf = buf[len(buf)-ringCapacity:]
		}
		d.ring[key] = buf
	}
}

// Counts returns a snapshot of every named counter.
func (d *Diagnostics) Counts() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Frames returns a snapshot of the named ring buffer, oldest first.
func (d *Diagnostics) Frames(key string) []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := d.ring[key]
	out := make([]Frame, len(src))
	copy(out, src)
	return out
}
