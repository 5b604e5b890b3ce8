// Package call implements the per-dialog Call: SDP inspection on
// INVITE, RTP client creation per media line, and the answer/decline/
// hangup/write_audio/read_audio/renegotiate operations the VoIP
// Coordinator drives.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/sipmsg"
	"github.com/sebas/doorvoip/internal/voiperr"
)

// State names for the call lifecycle.
const (
	StateRinging  = "ringing"
	StateAnswered = "answered"
	StateEnded    = "ended"
)

const reAnswerDelay = 2 * time.Second

// PortAllocator hands out RTP ports unique across every live call,
// implemented by the Coordinator that owns the full Call table.
type PortAllocator interface {
	AllocatePort() (int, error)
	ReleasePort(port int)
}

// Media is one negotiated connection line x media line pairing: the
// RTP client bound to it and the invite media line it answers.
// mediaIndex groups the (possibly several) connection-line clients
// that share one inbound port back to the m= line they came from.
type Media struct {
	Port       int
	Type       string // "audio" or "video"
	Client     *rtpio.Client
	mediaIndex int
}

// Call is the per-dialog object the Coordinator creates on the first
// INVITE for a Call-ID.
type Call struct {
	mu sync.Mutex

	id        string
	sessionID int
	localIP   string

	invite *sipmsg.Message
	medias []*Media

	connections int
	audioPorts  int
	videoPorts  int

	machine *fsm.FSM

	endpoint *sipendpoint.Endpoint
	ports    PortAllocator

	reAnswerCancel context.CancelFunc
	reaped         bool
}

// New inspects msg's SDP and builds a Call in the ringing state, with
// one RtpClient per connection line per media line for the codecs this
// endpoint recognizes: every media line gets one inbound port, shared
// by one RtpClient per c= line, each pointed at that connection's
// address and at the media line's port offset by the connection's
// index. Returns voiperr.ErrInvalidRange if the SDP's address/media-line
// counts are inconsistent (the caller must abandon the dialog: no 200
// OK is ever generated for it). trace may be nil; it is wired into
// every RtpClient this call creates so rtp_recv/rtp_trans diagnostics
// cover every negotiated media line.
func New(msg *sipmsg.Message, sessionID int, localIP string, endpoint *sipendpoint.Endpoint, ports PortAllocator, trace rtpio.Tracer) (*Call, error) {
	if msg.Body == nil {
		return nil, fmt.Errorf("call: INVITE without SDP body: %w", voiperr.ErrInvalidRange)
	}

	connections := 0
	for _, c := range msg.Body.Connections {
		n := c.AddressCount
		if n == 0 {
			n = 1
		}
		connections += n
	}

	var audioLines, videoLines, audioPorts, videoPorts int
	for _, m := range msg.Body.Media {
		switch m.Type {
		case "audio":
			audioLines++
			audioPorts += m.PortCount
		case "video":
			videoLines++
			videoPorts += m.PortCount
		}
	}

	if audioLines > 0 && audioPorts != connections*audioLines {
		return nil, fmt.Errorf("call: audio_ports %d != connections %d * audio_lines %d: %w", audioPorts, connections, audioLines, voiperr.ErrInvalidRange)
	}
	if videoLines > 0 && videoPorts != connections*videoLines {
		return nil, fmt.Errorf("call: video_ports %d != connections %d * video_lines %d: %w", videoPorts, connections, videoLines, voiperr.ErrInvalidRange)
	}

	c := &Call{
		id:          msg.CallID,
		sessionID:   sessionID,
		localIP:     localIP,
		invite:      msg,
		connections: connections,
		audioPorts:  audioPorts,
		videoPorts:  videoPorts,
		endpoint:    endpoint,
		ports:       ports,
	}
	c.initFSM()

	numConns := len(msg.Body.Connections)
	if numConns == 0 {
		numConns = 1
	}

	for i, m := range msg.Body.Media {
		codecs := filterCodecs(m)
		if len(codecs) == 0 {
			continue
		}

		port, err := ports.AllocatePort()
		if err != nil {
			c.releaseMedias()
			return nil, err
		}

		var assoc rtpio.Assoc
		for _, codec := range codecs {
			id64, _ := strconv.Atoi(codec.ID)
			assoc = append(assoc, rtpio.AssocEntry{ID: uint8(id64), Payload: codec.Payload})
		}

		for number := 0; number < numConns; number++ {
			client := rtpio.NewClient(rtpio.Config{
				Assoc:   assoc,
				InIP:    localIP,
				InPort:  port,
				OutIP:   connectionAddress(msg, number),
				OutPort: m.Port + number,
				Trace:   trace,
			})

			c.medias = append(c.medias, &Media{Port: port, Type: m.Type, Client: client, mediaIndex: i})
		}
	}

	return c, nil
}

func (c *Call) initFSM() {
	c.machine = fsm.NewFSM(
		StateRinging,
		fsm.Events{
			{Name: "ack", Src: []string{StateRinging}, Dst: StateAnswered},
			{Name: "cancel", Src: []string{StateRinging}, Dst: StateEnded},
			{Name: "bye", Src: []string{StateAnswered}, Dst: StateEnded},
			{Name: "decline", Src: []string{StateRinging}, Dst: StateEnded},
			{Name: "force_end", Src: []string{StateRinging, StateAnswered}, Dst: StateEnded},
		},
		fsm.Callbacks{},
	)
}

func filterCodecs(m sipmsg.MediaLine) []sipendpoint.CodecAssignment {
	var out []sipendpoint.CodecAssignment
	for _, id := range m.Methods {
		payload, ok := resolveCodec(id, m.Attributes[id])
		if !ok {
			continue
		}
		out = append(out, sipendpoint.CodecAssignment{ID: id, Payload: payload})
	}
	return out
}

func resolveCodec(id string, attr *sipmsg.CodecAttr) (rtpio.PayloadType, bool) {
	if n, err := strconv.Atoi(id); err == nil {
		p := rtpio.PayloadType(n)
		if _, known := rtpio.KnownPayloadTypes[p]; known {
			return p, true
		}
	}
	if attr != nil && attr.RtpMap != nil {
		if p, ok := rtpio.PayloadTypeByName(attr.RtpMap.Name); ok {
			return p, true
		}
	}
	return 0, false
}

// connectionAddress picks the number-th c= line's address, falling back
// to the first c= line for calls offering fewer connections than the
// caller indexes (and "" when the SDP carries no c= line at all).
func connectionAddress(msg *sipmsg.Message, number int) string {
	if len(msg.Body.Connections) == 0 {
		return ""
	}
	if number < len(msg.Body.Connections) {
		return msg.Body.Connections[number].Address
	}
	return msg.Body.Connections[0].Address
}

// State returns the call's current lifecycle state.
func (c *Call) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current()
}

// ID returns the Call-ID this call is keyed by.
func (c *Call) ID() string { return c.id }

// Connections, AudioPorts, VideoPorts report the SDP inspection result
// from creation, used by tests and diagnostics.
func (c *Call) Connections() int { return c.connections }
func (c *Call) AudioPorts() int  { return c.audioPorts }
func (c *Call) VideoPorts() int  { return c.videoPorts }

// AssignedPorts returns the codec id -> payload type map for the first
// audio media line, the shape S4's fixture checks against.
func (c *Call) AssignedPorts() map[string]rtpio.PayloadType {
	for _, m := range c.invite.Body.Media {
		if m.Type != "audio" {
			continue
		}
		out := map[string]rtpio.PayloadType{}
		for _, id := range m.Methods {
			if payload, ok := resolveCodec(id, m.Attributes[id]); ok {
				out[id] = payload
			}
		}
		return out
	}
	return nil
}

// Answer requires state=ringing. It starts every audio RtpClient (or
// restarts them if Answer was already called once), sends the 200 OK,
// and schedules a retry 2s later to survive a lost ACK.
func (c *Call) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.machine.Current() != StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("call: answer: %w", voiperr.ErrInvalidState)
	}
	medias := append([]*Media(nil), c.medias...)
	c.mu.Unlock()

	for _, m := range medias {
		if !m.Client.IsAudio() {
			continue
		}
		m.Client.Stop()
		if err := m.Client.Start(ctx); err != nil {
			return fmt.Errorf("call: start rtp client on port %d: %w", m.Port, err)
		}
	}

	if err := c.sendAnswer(ctx); err != nil {
		return err
	}

	c.armReAnswer(ctx)
	return nil
}

func (c *Call) sendAnswer(ctx context.Context) error {
	c.mu.Lock()
	medias := c.mediaAssignments()
	invite := c.invite
	sessionID := strconv.Itoa(c.sessionID)
	c.mu.Unlock()

	return c.endpoint.Answer(ctx, invite, sessionID, medias)
}

// mediaAssignments builds one answer entry per invite m= line: the
// inbound port is the same for every connection-line client that
// shares a mediaIndex, so only the first is needed.
func (c *Call) mediaAssignments() []sipendpoint.MediaAssignment {
	var out []sipendpoint.MediaAssignment
	seen := map[int]bool{}
	for _, m := range c.medias {
		if seen[m.mediaIndex] {
			continue
		}
		seen[m.mediaIndex] = true
		codecs := filterCodecs(c.invite.Body.Media[m.mediaIndex])
		out = append(out, sipendpoint.MediaAssignment{Port: m.Port, Codecs: codecs})
	}
	return out
}

func (c *Call) armReAnswer(ctx context.Context) {
	reCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.reAnswerCancel != nil {
		c.reAnswerCancel()
	}
	c.reAnswerCancel = cancel
	c.mu.Unlock()

	go func() {
		t := time.NewTimer(reAnswerDelay)
		defer t.Stop()
		select {
		case <-reCtx.Done():
			return
		case <-t.C:
		}
		if c.State() == StateRinging {
			if err := c.sendAnswer(reCtx); err != nil {
				slog.Debug("[Call] re-answer failed", "call_id", c.id, "error", err)
			}
		}
	}()
}

// Ack transitions ringing -> answered, called by the Coordinator on an
// inbound ACK.
func (c *Call) Ack() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reAnswerCancel != nil {
		c.reAnswerCancel()
		c.reAnswerCancel = nil
	}
	return c.machine.Event(context.Background(), "ack")
}

// Decline requires state=ringing; sends 603 Decline and ends the call.
func (c *Call) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.machine.Current() != StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("call: decline: %w", voiperr.ErrInvalidState)
	}
	invite := c.invite
	c.mu.Unlock()

	if err := c.endpoint.Decline(ctx, invite); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Event(context.Background(), "decline")
}

// Cancel transitions ringing -> ended on an inbound CANCEL.
func (c *Call) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRTPLocked()
	return c.machine.Event(context.Background(), "cancel")
}

// Hangup requires state=answered: stops RTP, sends BYE, ends the call.
func (c *Call) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if c.machine.Current() != StateAnswered {
		c.mu.Unlock()
		return fmt.Errorf("call: hangup: %w", voiperr.ErrInvalidState)
	}
	invite := c.invite
	c.stopRTPLocked()
	c.mu.Unlock()

	if err := c.endpoint.Hangup(ctx, invite); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Event(context.Background(), "bye")
}

// Bye transitions answered -> ended on an inbound BYE (remote hangup).
func (c *Call) Bye() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRTPLocked()
	return c.machine.Event(context.Background(), "bye")
}

// ForceEnd stops RTP and ends the call regardless of its current state,
// used when the Coordinator itself is stopping and tearing down every
// live call without a BYE round trip.
func (c *Call) ForceEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.Current() == StateEnded {
		return
	}
	c.stopRTPLocked()
	_ = c.machine.Event(context.Background(), "force_end")
}

func (c *Call) stopRTPLocked() {
	for _, m := range c.medias {
		m.Client.Stop()
	}
}

func (c *Call) releaseMedias() {
	released := map[int]bool{}
	for _, m := range c.medias {
		if released[m.Port] {
			continue
		}
		released[m.Port] = true
		c.ports.ReleasePort(m.Port)
	}
}

// Release returns every RTP port this call holds to the Coordinator's
// pool. Called once the call has been removed from the active table.
func (c *Call) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseMedias()
}

// firstAudio returns the first audio-capable media client, or an error
// if none negotiated.
func (c *Call) firstAudio() (*rtpio.Client, error) {
	for _, m := range c.medias {
		if m.Client.IsAudio() {
			return m.Client, nil
		}
	}
	return nil, fmt.Errorf("call: no audio media negotiated: %w", voiperr.ErrInvalidState)
}

// WriteAudio requires state=answered; writes to the first audio
// RtpClient's outbound buffer.
func (c *Call) WriteAudio(data []byte) error {
	if c.State() != StateAnswered {
		return fmt.Errorf("call: write_audio: %w", voiperr.ErrInvalidState)
	}
	client, err := c.firstAudio()
	if err != nil {
		return err
	}
	client.Write(data)
	return nil
}

// ReadAudio requires state=answered; reads from the first audio
// RtpClient's inbound buffer.
func (c *Call) ReadAudio(ctx context.Context, length int, blocking bool) ([]byte, error) {
	if c.State() != StateAnswered {
		return nil, fmt.Errorf("call: read_audio: %w", voiperr.ErrInvalidState)
	}
	client, err := c.firstAudio()
	if err != nil {
		return nil, err
	}
	return client.Read(ctx, length, blocking), nil
}

// Renegotiate handles a re-INVITE: repoint each connection-line
// RtpClient at the new SDP offer's matching c= line and media port
// offset, grouped by the m= line it originally answered.
func (c *Call) Renegotiate(msg *sipmsg.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Body == nil {
		return fmt.Errorf("call: renegotiate without SDP: %w", voiperr.ErrInvalidRange)
	}

	byIndex := map[int][]*Media{}
	for _, m := range c.medias {
		byIndex[m.mediaIndex] = append(byIndex[m.mediaIndex], m)
	}

	for i, m := range msg.Body.Media {
		for number, media := range byIndex[i] {
			media.Client.Repoint(connectionAddress(msg, number), m.Port+number)
		}
	}
	c.invite = msg
	return nil
}
