package diagnostics

import (
	"github.com/sebas/doorvoip/internal/coordinator"
	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipendpoint"
)

// SIPTracer adapts Record to sipendpoint.Tracer's signature, for
// wiring a Diagnostics instance straight into sipendpoint.New.
func (d *Diagnostics) SIPTracer() sipendpoint.Tracer {
	return func(key string, raw []byte, opts sipendpoint.TraceOpts) {
		d.Record(key, raw, TraceOpts{Increment: opts.Increment, Append: opts.Append})
	}
}

// RTPTracer adapts Record to rtpio.Tracer's signature, for wiring a
// Diagnostics instance into every RtpClient a Call creates.
func (d *Diagnostics) RTPTracer() rtpio.Tracer {
	return func(key string, raw []byte, opts rtpio.TraceOpts) {
		d.Record(key, raw, TraceOpts{Increment: opts.Increment, Append: opts.Append})
	}
}

// CoordinatorTrace adapts Record to the coordinator.Observer.OnTrace
// signature, for Observer implementations that want to fold coordinator
// trace events into the same Diagnostics instance.
func (d *Diagnostics) CoordinatorTrace(key string, raw []byte, opts coordinator.TraceOpts) {
	d.Record(key, raw, TraceOpts{Increment: opts.Increment, Append: opts.Append})
}
