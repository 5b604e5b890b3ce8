package rtpio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"
)

// TraceOpts tells a Tracer how to fold a traced event into diagnostics:
// Increment bumps a named counter, Append pushes the raw frame onto a
// named bounded ring buffer. Both may be set.
type TraceOpts struct {
	Increment bool
	Append    bool
}

// Tracer receives a diagnostics event. internal/diagnostics.Diagnostics
// implements this signature; rtpio never imports diagnostics directly
// to keep the dependency one-directional.
type Tracer func(key string, raw []byte, opts TraceOpts)

// DTMFHandler is invoked with the key label carried by an RFC 4733
// telephone-event packet whose marker bit is set.
type DTMFHandler func(key string)

const phoneEventFrameKeys = "0123456789*#ABCD"

// Config configures a Client at construction.
type Config struct {
	Assoc  Assoc
	InIP   string
	InPort int
	OutIP  string
	OutPort int
	DTMF   DTMFHandler
	Trace  Tracer
}

// Client is one RTP media stream: one UDP socket, one encode/decode
// loop, and two cooperative tasks (receive, transmit). The preferred
// codec (first entry of Assoc) determines whether reads/writes are
// meaningful (IsAudio) and which G.711 variant the transmit loop uses.
type Client struct {
	assoc   Assoc
	inIP    string
	inPort  int
	outIP   string
	outPort int

	dtmf  DTMFHandler
	trace Tracer

	pmIn  *PacketManager
	pmOut *PacketManager

	conn *net.UDPConn

	ssrc         uint32
	outOffset    int64
	outSequence  uint16
	outTimestamp uint32
	firstSent    bool

	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewClient builds a Client; it does not open the socket until Start.
func NewClient(cfg Config) *Client {
	return &Client{
		assoc:        cfg.Assoc,
		inIP:         cfg.InIP,
		inPort:       cfg.InPort,
		outIP:        cfg.OutIP,
		outPort:      cfg.OutPort,
		dtmf:         cfg.DTMF,
		trace:        cfg.Trace,
		pmIn:         NewPacketManager(),
		pmOut:        NewPacketManager(),
		ssrc:         randUint32(),
		outOffset:    int64(randRange(1, 5000)),
		outSequence:  uint16(randRange(1, 100)),
		outTimestamp: uint32(randRange(1, 10000)),
	}
}

// Preference is the codec this client encodes/decodes with: the first
// entry of its SDP-negotiated association.
func (c *Client) Preference() (AssocEntry, bool) {
	return c.assoc.Preference()
}

// IsAudio reports whether Preference is PCMA or PCMU.
func (c *Client) IsAudio() bool {
	pref, ok := c.Preference()
	return ok && pref.Payload.IsAudio()
}

// Start binds the UDP socket and spawns the receive/transmit loops,
// supervised by an errgroup so either loop's unexpected error surfaces
// through Wait.
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return nil
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(c.inIP), Port: c.inPort})
	if err != nil {
		return fmt.Errorf("rtpio: listen %s:%d: %w", c.inIP, c.inPort, err)
	}
	c.conn = conn
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	c.group = group

	group.Go(func() error { return c.recvLoop(gctx) })
	group.Go(func() error { return c.transmitLoop(gctx) })

	return nil
}

// Stop drains for one second, cancels the loops, and closes the socket.
func (c *Client) Stop() {
	if !c.started {
		return
	}
	c.started = false

	time.Sleep(time.Second)

	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		_ = c.group.Wait()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Repoint redirects the transmit loop at a new remote address, used
// when a re-INVITE renegotiates media without tearing down the call.
func (c *Client) Repoint(outIP string, outPort int) {
	c.outIP = outIP
	c.outPort = outPort
}

// Write appends data to the outbound jitter buffer for the transmit
// loop to drain.
func (c *Client) Write(data []byte) {
	c.pmOut.Write(c.outOffset, data)
	c.outOffset += int64(len(data))
}

// Read returns the next length bytes of decoded inbound media. When
// blocking is true and the client is started, an all-silence frame is
// retried every 10ms instead of returned immediately.
func (c *Client) Read(ctx context.Context, length int, blocking bool) []byte {
	frame := c.pmIn.Read(length)
	if !blocking {
		return frame
	}
	for IsSilence(frame) && c.started {
		select {
		case <-ctx.Done():
			return frame
		case <-time.After(10 * time.Millisecond):
		}
		frame = c.pmIn.Read(length)
	}
	return frame
}

func (c *Client) recvLoop(ctx context.Context) error {
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil
		}
		raw := append([]byte(nil), buf[:n]...)
		c.traceEvent("rtp_recv", raw, TraceOpts{Increment: true})
		c.handleInbound(raw)
	}
}

func (c *Client) handleInbound(raw []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		slog.Debug("[RtpClient] malformed packet", "error", err)
		return
	}

	payload, known := c.assoc.ByID(pkt.PayloadType)
	if !known {
		if pt, ok := knownByNumber(pkt.PayloadType); ok {
			payload = pt
		} else {
			slog.Debug("[RtpClient] unknown payload type", "pt", pkt.PayloadType)
			return
		}
	}

	switch payload {
	case PayloadPCMA:
		c.pmIn.Write(int64(pkt.Timestamp), DecodeAlaw8(pkt.Payload))
	case PayloadPCMU:
		c.pmIn.Write(int64(pkt.Timestamp), DecodeUlaw8(pkt.Payload))
	case PayloadEvent:
		if pkt.Marker && c.dtmf != nil && len(pkt.Payload) > 0 {
			idx := int(pkt.Payload[0])
			if idx >= 0 && idx < len(phoneEventFrameKeys) {
				c.dtmf(string(phoneEventFrameKeys[idx]))
			}
		}
	default:
		slog.Debug("[RtpClient] discarding payload", "payload", payload.Name())
	}
}

func (c *Client) transmitLoop(ctx context.Context) error {
	pref, ok := c.Preference()
	interval := time.Second
	if ok {
		interval = time.Duration(float64(time.Second) * (160.0 / float64(pref.Payload.Rate())))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame := c.pmOut.Read(160)
		if !ok {
			continue
		}

		var payload []byte
		switch pref.Payload {
		case PayloadPCMA:
			payload = EncodeAlaw8(frame)
		case PayloadPCMU:
			payload = EncodeUlaw8(frame)
		default:
			continue
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         !c.firstSent,
				PayloadType:    uint8(pref.Payload),
				SequenceNumber: c.outSequence,
				Timestamp:      c.outTimestamp,
				SSRC:           c.ssrc,
			},
			Payload: payload,
		}
		c.firstSent = true

		raw, err := pkt.Marshal()
		if err != nil {
			continue
		}

		dst := &net.UDPAddr{IP: net.ParseIP(c.outIP), Port: c.outPort}
		if _, err := c.conn.WriteToUDP(raw, dst); err == nil {
			c.traceEvent("rtp_trans", raw, TraceOpts{Increment: true})
		}

		c.outSequence++
		c.outTimestamp += uint32(len(payload))
	}
}

func (c *Client) traceEvent(key string, raw []byte, opts TraceOpts) {
	if c.trace != nil {
		c.trace(key, raw, opts)
	}
}

func knownByNumber(id uint8) (PayloadType, bool) {
	pt := PayloadType(id)
	if _, ok := KnownPayloadTypes[pt]; ok {
		return pt, true
	}
	return 0, false
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func randRange(lo, hi int) int {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return lo
	}
	span := hi - lo
	if span <= 0 {
		return lo
	}
	return lo + int(binary.BigEndian.Uint32(b[:])%uint32(span))
}
