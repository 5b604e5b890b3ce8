// Package coordinator implements the VoIP Coordinator: it owns the SIP
// Endpoint and the table of live Calls, assigns unique RTP ports and
// session ids, and routes inbound INVITE/ACK/CANCEL/BYE to the Call
// layer, dispatching observer callbacks on every call-state and
// registration-status transition.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/doorvoip/internal/call"
	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/sipmsg"
)

const callReapAfter = 1800 * time.Second

// TraceOpts mirrors the rtpio/sipendpoint trace contract for the
// Coordinator's own Observer surface.
type TraceOpts struct {
	Increment bool
	Append    bool
}

// Observer receives call-state transitions, registration-status
// transitions, and diagnostics trace events. Host integrations
// implement this to drive UI state and metrics.
type Observer interface {
	OnCall(c *call.Call)
	OnSIPStatus(status string)
	OnTrace(key string, frame []byte, opts TraceOpts)
}

type callEntry struct {
	call       *call.Call
	sessionID  int
	reapCancel context.CancelFunc
}

// Coordinator owns exactly one Endpoint and its Call table. Replacing
// credentials means constructing a new Coordinator (see
// internal/refresh), never mutating one in place.
type Coordinator struct {
	cfg         sipendpoint.Config
	observer    Observer
	synchronous bool

	endpoint   *sipendpoint.Endpoint
	ports      *portPool
	sessionIDs *sessionIDPool

	mu    sync.Mutex
	calls map[string]*callEntry
}

// New builds a Coordinator bound to cfg's credentials. synchronous
// controls whether observer callbacks are awaited inline (tests use
// this) or dispatched on their own goroutine.
func New(cfg sipendpoint.Config, observer Observer, synchronous bool) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		observer:    observer,
		synchronous: synchronous,
		ports:       newPortPool(),
		sessionIDs:  newSessionIDPool(),
		calls:       map[string]*callEntry{},
	}
	c.endpoint = sipendpoint.New(cfg, c, c.onStatus, c.onSIPTrace)
	return c
}

// Status returns the underlying Endpoint's registration status.
func (c *Coordinator) Status() string { return c.endpoint.Status() }

// ActiveCalls returns the number of calls currently tracked, used by
// diagnostics and tests.
func (c *Coordinator) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Start registers the Endpoint; status transitions
// inactive -> registering -> registered, mirrored from the Endpoint.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.endpoint.Start(ctx)
}

// Stop deregisters the Endpoint and force-ends every live call,
// releasing their RTP ports; status transitions
// registered -> deregistering -> inactive, mirrored from the Endpoint.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	entries := make([]*callEntry, 0, len(c.calls))
	for id, e := range c.calls {
		entries = append(entries, e)
		delete(c.calls, id)
	}
	c.mu.Unlock()

	for _, e := range entries {
		c.teardown(e)
	}

	return c.endpoint.Stop(ctx, false, false)
}

// SafeStart performs a stop+start, retrying up to retry additional
// times spaced by sleep on failure.
func (c *Coordinator) SafeStart(ctx context.Context, retry int, sleep time.Duration) error {
	_ = c.Stop(ctx)

	var err error
	for attempt := 0; attempt <= retry; attempt++ {
		if err = c.Start(ctx); err == nil {
			return nil
		}
		slog.Debug("[Coordinator] safe_start attempt failed", "attempt", attempt, "error", err)
		if attempt < retry {
			time.Sleep(sleep)
		}
	}
	return err
}

func (c *Coordinator) onStatus(status string) {
	c.dispatch(func() { c.observer.OnSIPStatus(status) })
}

func (c *Coordinator) onSIPTrace(key string, raw []byte, opts sipendpoint.TraceOpts) {
	c.observer.OnTrace(key, raw, TraceOpts{Increment: opts.Increment, Append: opts.Append})
}

func (c *Coordinator) onRTPTrace(key string, raw []byte, opts rtpio.TraceOpts) {
	c.observer.OnTrace(key, raw, TraceOpts{Increment: opts.Increment, Append: opts.Append})
}

func (c *Coordinator) dispatch(fn func()) {
	if c.synchronous {
		fn()
		return
	}
	go fn()
}

func (c *Coordinator) dispatchCall(call *call.Call) {
	c.dispatch(func() { c.observer.OnCall(call) })
}

// HandleInvite implements sipendpoint.Handler: creates a Call for an
// unknown Call-ID (scheduling its 1800s reap timer), ignores a
// retransmitted INVITE while still ringing, and renegotiates media for
// any other known-Call-ID INVITE (a re-INVITE).
func (c *Coordinator) HandleInvite(msg *sipmsg.Message) {
	c.mu.Lock()
	entry, known := c.calls[msg.CallID]
	c.mu.Unlock()

	if known {
		if entry.call.State() == call.StateRinging {
			return
		}
		if err := entry.call.Renegotiate(msg); err != nil {
			slog.Debug("[Coordinator] renegotiate failed", "call_id", msg.CallID, "error", err)
			return
		}
		c.dispatchCall(entry.call)
		return
	}

	sessionID := c.sessionIDs.allocate()
	newCall, err := call.New(msg, sessionID, c.cfg.LocalIP, c.endpoint, c.ports, c.onRTPTrace)
	if err != nil {
		c.sessionIDs.release(sessionID)
		slog.Debug("[Coordinator] call setup abandoned", "call_id", msg.CallID, "error", err)
		return
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	e := &callEntry{call: newCall, sessionID: sessionID, reapCancel: cancel}

	c.mu.Lock()
	c.calls[msg.CallID] = e
	c.mu.Unlock()

	go c.armReap(reapCtx, msg.CallID)

	c.dispatchCall(newCall)
}

func (c *Coordinator) armReap(ctx context.Context, callID string) {
	t := time.NewTimer(callReapAfter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	c.mu.Lock()
	entry, ok := c.calls[callID]
	if ok {
		delete(c.calls, callID)
	}
	c.mu.Unlock()

	if ok {
		slog.Debug("[Coordinator] reaping call with no BYE", "call_id", callID)
		c.teardown(entry)
		c.dispatchCall(entry.call)
	}
}

// HandleAck implements sipendpoint.Handler: the associated Call
// transitions ringing -> answered.
func (c *Coordinator) HandleAck(msg *sipmsg.Message) {
	entry := c.lookup(msg.CallID)
	if entry == nil {
		return
	}
	if err := entry.call.Ack(); err != nil {
		slog.Debug("[Coordinator] ack on call in unexpected state", "call_id", msg.CallID, "error", err)
		return
	}
	c.dispatchCall(entry.call)
}

// HandleCancel implements sipendpoint.Handler: the Call ends and is
// removed from the table.
func (c *Coordinator) HandleCancel(msg *sipmsg.Message) {
	entry := c.remove(msg.CallID)
	if entry == nil {
		return
	}
	_ = entry.call.Cancel()
	c.teardown(entry)
	c.dispatchCall(entry.call)
}

// HandleBye implements sipendpoint.Handler: the Call ends and is
// removed from the table.
func (c *Coordinator) HandleBye(msg *sipmsg.Message) {
	entry := c.remove(msg.CallID)
	if entry == nil {
		return
	}
	_ = entry.call.Bye()
	c.teardown(entry)
	c.dispatchCall(entry.call)
}

func (c *Coordinator) lookup(callID string) *callEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[callID]
}

func (c *Coordinator) remove(callID string) *callEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.calls[callID]
	if !ok {
		return nil
	}
	delete(c.calls, callID)
	return entry
}

func (c *Coordinator) teardown(e *callEntry) {
	if e.reapCancel != nil {
		e.reapCancel()
	}
	e.call.ForceEnd()
	e.call.Release()
	c.sessionIDs.release(e.sessionID)
}
