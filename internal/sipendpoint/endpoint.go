// Package sipendpoint owns the SIP signalling socket: registration
// with digest auth, the receive/ping/re-register loops, and the
// outbound message templates (REGISTER, answer, BYE, decline, and the
// trying/ringing/terminated/default response family) that reproduce
// this server's exact wire format.
package sipendpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sebas/doorvoip/internal/sipmsg"
	"github.com/sebas/doorvoip/internal/voiperr"
)

// Status values mirror the registration state machine.
const (
	StatusInactive      = "inactive"
	StatusRegistering   = "registering"
	StatusRegistered    = "registered"
	StatusDeregistering = "deregistering"
	StatusFailed        = "failed"
)

// Config carries the immutable credentials and local binding for one
// Endpoint. A credential change is handled by building a new Endpoint,
// never by mutating one in place.
type Config struct {
	Address  string
	Port     int
	Username string
	Password string
	LocalIP  string
}

// TraceOpts mirrors rtpio's trace contract for this package's own
// named type, keeping sipendpoint decoupled from internal/diagnostics
// the same way internal/rtpio is.
type TraceOpts struct {
	Increment bool
	Append    bool
}

// Tracer receives a raw SIP datagram (or the literal keepalive) for
// diagnostics accumulation.
type Tracer func(key string, raw []byte, opts TraceOpts)

// Handler routes dialog-affecting inbound requests to the call layer.
// ACK/CANCEL/BYE/INVITE are delivered only after this endpoint has
// already emitted its own provisional/ack responses.
type Handler interface {
	HandleInvite(msg *sipmsg.Message)
	HandleAck(msg *sipmsg.Message)
	HandleCancel(msg *sipmsg.Message)
	HandleBye(msg *sipmsg.Message)
}

// StatusObserver is invoked on every registration status transition.
type StatusObserver func(status string)

// Endpoint owns the UDP signalling socket and the registration state
// machine. Exactly one Endpoint per set of credentials; replacing
// credentials means constructing a new Endpoint.
type Endpoint struct {
	cfg     Config
	handler Handler
	onStat  StatusObserver
	trace   Tracer

	urnUUID string
	tags    *tags

	regCallID      string
	regCSeq        uint64
	callIDSeq      uint64
	internetOK     bool

	conn       *net.UDPConn
	remoteAddr *net.UDPAddr

	recvMu  sync.Mutex
	started bool

	machine *fsm.FSM
	statMu  sync.Mutex

	cancel      context.CancelFunc
	loopsDone   chan struct{}
	reRegCancel context.CancelFunc
}

// New builds an Endpoint for the given credentials. It does not open
// any socket until Start is called.
func New(cfg Config, handler Handler, onStatus StatusObserver, trace Tracer) *Endpoint {
	if trace == nil {
		trace = func(string, []byte, TraceOpts) {}
	}
	if onStatus == nil {
		onStatus = func(string) {}
	}

	e := &Endpoint{
		cfg:       cfg,
		handler:   handler,
		onStat:    onStatus,
		trace:     trace,
		urnUUID:   uuid.NewString(),
		tags:      newTags(),
		regCSeq:   20,
		callIDSeq: 1,
	}
	e.regCallID = newCallID(e.nextCallIDSeq())
	e.machine = fsm.NewFSM(
		StatusInactive,
		fsm.Events{
			{Name: "register", Src: []string{StatusInactive, StatusFailed}, Dst: StatusRegistering},
			{Name: "registered", Src: []string{StatusRegistering}, Dst: StatusRegistered},
			{Name: "deregister", Src: []string{StatusRegistered, StatusRegistering}, Dst: StatusDeregistering},
			{Name: "deregistered", Src: []string{StatusDeregistering}, Dst: StatusInactive},
			{Name: "fail", Src: []string{StatusRegistering, StatusRegistered, StatusDeregistering}, Dst: StatusFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.onStat(ev.Dst)
			},
		},
	)
	return e
}

func (e *Endpoint) status() string {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	return e.machine.Current()
}

func (e *Endpoint) fire(event string) {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	_ = e.machine.Event(context.Background(), event)
}

func (e *Endpoint) nextRegisterCSeq() uint64 {
	e.regCSeq++
	return e.regCSeq
}

func (e *Endpoint) nextCallIDSeq() uint64 {
	seq := e.callIDSeq
	e.callIDSeq++
	return seq
}

// Start opens the signalling socket (if not already open), performs
// the registration handshake, and on success spawns the receive and
// ping loops plus the re-register timer.
func (e *Endpoint) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("sipendpoint: %w", voiperr.ErrSipAlreadyStarted)
	}
	e.started = true

	if err := e.openSocket(); err != nil {
		e.started = false
		return err
	}

	e.fire("register")
	if err := e.register(ctx); err != nil {
		e.started = false
		e.safeRelease()
		e.fire("fail")
		return err
	}

	e.fire("registered")

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopsDone = make(chan struct{})
	go e.runLoops(loopCtx)

	e.armReRegister(registerExpires*time.Second - reRegisterSlack)

	return nil
}

// Stop halts the endpoint. When safe is true the re-register timer is
// left armed (used during a self-triggered re-registration) and the
// caller is expected to call Start again immediately; when force is
// true sockets are kept open afterwards for that next Start.
func (e *Endpoint) Stop(ctx context.Context, force, safe bool) error {
	if e.reRegCancel != nil && !safe {
		e.reRegCancel()
		e.reRegCancel = nil
	}

	prevStarted := e.started
	e.started = false

	time.Sleep(time.Second)

	if e.cancel != nil {
		e.cancel()
		<-e.loopsDone
		e.cancel = nil
	}

	e.started = prevStarted

	if !e.started && !force {
		e.closeSocket()
		return nil
	}

	if force && e.conn == nil {
		if err := e.openSocket(); err != nil {
			return err
		}
	}

	e.safeRelease()

	e.fire("deregister")
	if err := e.deregister(ctx); err != nil {
		e.safeRelease()
		return err
	}
	e.fire("deregistered")

	e.started = false

	if !force {
		e.closeSocket()
	}
	return nil
}

func (e *Endpoint) openSocket() error {
	if e.conn != nil {
		return nil
	}

	laddr := &net.UDPAddr{IP: net.ParseIP(e.cfg.LocalIP), Port: localPort}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("sipendpoint: listen %s:%d: %w", e.cfg.LocalIP, localPort, err)
	}
	e.conn = conn
	e.remoteAddr = &net.UDPAddr{IP: net.ParseIP(e.cfg.Address), Port: e.cfg.Port}
	return nil
}

func (e *Endpoint) closeSocket() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// safeRelease is a no-op placeholder for the recv-lock release path;
// Go's mutex has no "locked by me" introspection, so ownership is
// tracked by recvMu itself never being held across a goroutine
// boundary longer than one handshake step (see register/deregister).
func (e *Endpoint) safeRelease() {}

func (e *Endpoint) send(ctx context.Context, payload []byte) error {
	if string(payload) == "0d0a0d0a" {
		e.trace("sip_ping", payload, TraceOpts{Increment: true})
	} else {
		e.trace("sip_send", payload, TraceOpts{Append: true})
	}

	if e.conn == nil {
		return fmt.Errorf("sipendpoint: send with no socket: %w", voiperr.ErrConnection)
	}
	_, err := e.conn.WriteToUDP(payload, e.remoteAddr)
	if err != nil {
		e.internetOK = false
		e.fire("fail")
		return fmt.Errorf("sipendpoint: send: %w", voiperr.ErrConnection)
	}
	e.internetOK = true
	return nil
}

func (e *Endpoint) recvOne(ctx context.Context, timeout time.Duration) (*sipmsg.Message, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, recvDatagramSize)
	n, _, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("sipendpoint: registration wait: %w", voiperr.ErrSipTimeout)
		}
		return nil, fmt.Errorf("sipendpoint: recv: %w", voiperr.ErrConnection)
	}
	raw := buf[:n]
	e.trace("sip_recv", raw, TraceOpts{Append: true})

	msg, err := sipmsg.Parse(raw)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// register runs the handshake described in the registration state
// machine: REGISTER #1, optional 100 Trying skip, 401 challenge,
// REGISTER #2, then unbounded 5s-backed-off retry on >=500 (a loop
// standing in for the source's self-recursion, since retrying by
// recursing back into a function that already holds recvMu would
// deadlock on Go's non-reentrant mutex).
func (e *Endpoint) register(ctx context.Context) error {
	for {
		msg, retry, err := e.registerAttempt(ctx)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
		_ = msg
		time.Sleep(registerBackoff)
	}
}

func (e *Endpoint) registerAttempt(ctx context.Context) (msg *sipmsg.Message, retry bool, err error) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	if err := e.send(ctx, []byte(e.registerPayload(e.urnUUID, nil, true))); err != nil {
		return nil, false, err
	}

	msg, err = e.recvOne(ctx, registerTimeout)
	if err != nil {
		return nil, false, err
	}
	if msg.StatusCode == sipmsg.StatusTrying {
		msg, err = e.recvOne(ctx, registerTimeout)
		if err != nil {
			return nil, false, err
		}
	}

	if msg.StatusCode == sipmsg.StatusBadRequest {
		return nil, false, fmt.Errorf("sipendpoint: %w", voiperr.ErrInvalidState)
	}

	if msg.StatusCode == sipmsg.StatusUnauthorized {
		if err := e.send(ctx, []byte(e.registerPayload(e.urnUUID, msg, true))); err != nil {
			return nil, false, err
		}
		msg, err = e.recvOne(ctx, registerTimeout)
		if err != nil {
			return nil, false, err
		}
	}

	if msg.StatusCode == sipmsg.StatusUnauthorized {
		return nil, false, fmt.Errorf("sipendpoint: invalid username/password for %s:%d: %w", e.cfg.Address, e.cfg.Port, voiperr.ErrUnauthorized)
	}
	if msg.StatusCode == sipmsg.StatusBadRequest {
		return nil, false, fmt.Errorf("sipendpoint: %w", voiperr.ErrInvalidState)
	}

	if msg.StatusCode != sipmsg.StatusProxyAuthenticationRequired {
		if msg.StatusCode == 0 || sipmsg.IsServerError(msg.StatusCode) {
			return msg, true, nil
		}
		e.dispatch(msg)
	}

	if msg.StatusCode != sipmsg.StatusOK {
		return nil, false, fmt.Errorf("sipendpoint: invalid username/password for %s:%d: %w", e.cfg.Address, e.cfg.Port, voiperr.ErrRequest)
	}

	return msg, false, nil
}

func (e *Endpoint) deregister(ctx context.Context) error {
	for {
		retry, err := e.deregisterAttempt(ctx)
		if err != nil {
			return err
		}
		if !retry {
			return nil
		}
		time.Sleep(registerBackoff)
	}
}

func (e *Endpoint) deregisterAttempt(ctx context.Context) (retry bool, err error) {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	if err := e.send(ctx, []byte(e.registerPayload(e.urnUUID, nil, false))); err != nil {
		return false, err
	}

	msg, err := e.recvOne(ctx, registerTimeout)
	if err != nil {
		return false, err
	}

	if msg.StatusCode == sipmsg.StatusUnauthorized {
		if err := e.send(ctx, []byte(e.registerPayload(e.urnUUID, msg, false))); err != nil {
			return false, err
		}
		msg, err = e.recvOne(ctx, registerTimeout)
		if err != nil {
			return false, err
		}
	}

	if msg.StatusCode == 0 || sipmsg.IsServerError(msg.StatusCode) {
		return true, nil
	}
	return false, nil
}

func (e *Endpoint) armReRegister(after time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	e.reRegCancel = cancel

	go func() {
		t := time.NewTimer(after)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		e.safeReRegister(context.Background())
	}()
}

func (e *Endpoint) safeReRegister(ctx context.Context) {
	e.fire("deregister")
	if err := e.Stop(ctx, true, true); err != nil {
		slog.Debug("[SipEndpoint] re-registration stop error", "error", err)
	}

	e.fire("register")
	if err := e.Start(ctx); err != nil {
		slog.Debug("[SipEndpoint] re-registration error", "error", err)
		e.safeRelease()
		e.fire("fail")
		e.armReRegister(registerBackoff)
		return
	}
}

func (e *Endpoint) runLoops(ctx context.Context) {
	defer close(e.loopsDone)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.recvLoop(ctx) }()
	go func() { defer wg.Done(); e.pingLoop(ctx) }()
	wg.Wait()
}

func (e *Endpoint) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.recvMu.Lock()
		if err := e.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
			e.recvMu.Unlock()
			return
		}
		buf := make([]byte, recvDatagramSize)
		n, _, err := e.conn.ReadFromUDP(buf)
		e.recvMu.Unlock()

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		raw := buf[:n]
		if isKeepaliveEcho(raw) {
			continue
		}

		e.trace("sip_recv", raw, TraceOpts{Append: true})
		msg, err := sipmsg.Parse(raw)
		if err != nil {
			slog.Debug("[SipEndpoint] recv parse error", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		e.handleInbound(ctx, msg)
	}
}

func isKeepaliveEcho(raw []byte) bool {
	if len(raw) == 0 {
		return true
	}
	if len(raw) == 4 && raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 0 {
		return true
	}
	if string(raw) == "\r\n" {
		return true
	}
	return false
}

func (e *Endpoint) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.send(ctx, keepaliveLiteral); err != nil {
				slog.Debug("[SipEndpoint] ping failed", "error", err)
			}
		}
	}
}

func (e *Endpoint) dispatch(msg *sipmsg.Message) {
	if msg.IsRequest() {
		e.handleInbound(context.Background(), msg)
	}
}

func (e *Endpoint) handleInbound(ctx context.Context, msg *sipmsg.Message) {
	if !msg.IsRequest() {
		return
	}

	switch msg.Method {
	case sipmsg.MethodInvite:
		_ = e.send(ctx, []byte(e.tryingPayload(msg)))
		_ = e.send(ctx, []byte(e.ringing(msg)))
		e.handler.HandleInvite(msg)
	case sipmsg.MethodCancel:
		_ = e.send(ctx, []byte(e.ok(msg)))
		_ = e.send(ctx, []byte(e.terminated(msg)))
		e.handler.HandleCancel(msg)
	case sipmsg.MethodBye:
		_ = e.send(ctx, []byte(e.ok(msg)))
		e.handler.HandleBye(msg)
	case sipmsg.MethodAck:
		e.handler.HandleAck(msg)
	}
}

// Answer sends a 200 OK in response to msg carrying the negotiated SDP
// for sessionID/medias.
func (e *Endpoint) Answer(ctx context.Context, msg *sipmsg.Message, sessionID string, medias []MediaAssignment) error {
	return e.send(ctx, []byte(e.answerPayload(msg, sessionID, medias)))
}

// Hangup sends a BYE for the dialog msg belongs to.
func (e *Endpoint) Hangup(ctx context.Context, msg *sipmsg.Message) error {
	return e.send(ctx, []byte(e.byePayload(msg)))
}

// Decline sends a 603 Decline in response to msg.
func (e *Endpoint) Decline(ctx context.Context, msg *sipmsg.Message) error {
	return e.send(ctx, []byte(e.decline(msg)))
}

// Status returns the current registration status.
func (e *Endpoint) Status() string { return e.status() }

// SessionIDString formats a session id for use in SDP origin lines.
func SessionIDString(id int) string { return strconv.Itoa(id) }
