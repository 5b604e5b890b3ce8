package sipendpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipmsg"
)

// CodecAssignment is one negotiated codec on a media line: the id as
// it appeared in the SDP offer (not necessarily rtpio's own numbering)
// and the payload type it was resolved to.
type CodecAssignment struct {
	ID      string
	Payload rtpio.PayloadType
}

// MediaAssignment is one negotiated media line: the RTP port this
// endpoint picked for it and the codecs it will accept.
type MediaAssignment struct {
	Port   int
	Codecs []CodecAssignment
}

func (m MediaAssignment) isVideo() bool {
	for _, c := range m.Codecs {
		if c.Payload == rtpio.PayloadH264 {
			return true
		}
	}
	return false
}

// registerPayload builds a REGISTER datagram. challenge is nil for the
// first, unauthenticated attempt.
func (e *Endpoint) registerPayload(urnUUID string, challenge *sipmsg.Message, register bool) string {
	callID := e.regCallID
	contactIP := e.cfg.LocalIP
	contactPort := localPort

	authorization := ""
	if challenge != nil {
		response := e.calcResponseHash(challenge)
		realm := challenge.Auth.Realm
		nonce := challenge.Auth.Nonce

		authorization = "\r\n" + fmt.Sprintf(
			`Authorization:  Digest realm="%s", nonce="%s",algorithm=MD5, username="%s",  uri="sip:%s:%d", response="%s"`,
			realm, nonce, e.cfg.Username, e.cfg.Address, e.cfg.Port, response,
		)

		callID = challenge.CallID
		contactIP = challenge.Via[0].Received()
		if rport := challenge.Via[0].RPort(); rport != "" {
			if p, err := strconv.Atoi(rport); err == nil {
				contactPort = p
			}
		}
	}

	tagKind := tagRegister
	expires := registerExpires
	if !register {
		tagKind = tagDeregister
		expires = 0
	}

	return fmt.Sprintf(
		"REGISTER sip:%s:%d SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:%d;branch=%s;rport\r\n"+
			"From: <sip:%s@%s>;tag=%s\r\n"+
			"To: sip:%s@%s\r\n"+
			"CSeq: %d REGISTER\r\n"+
			"Call-ID: %s\r\n"+
			"Max-Forwards: 70\r\n"+
			"Supported: replaces, outbound, gruu\r\n"+
			"Accept: application/sdp\r\n"+
			"Accept: text/plain\r\n"+
			"Accept: application/vnd.gsma.rcs-ft-http+xml\r\n"+
			`Contact: <sip:%s@%s:%d;transport=udp>;+sip.instance="<urn:uuid:%s>"`+"\r\n"+
			"Expires: %d\r\n"+
			"User-Agent: %s"+
			"%s"+
			"\r\n\r\n",
		e.cfg.Address, e.cfg.Port,
		e.cfg.LocalIP, localPort, newBranch(),
		e.cfg.Username, e.cfg.Address, e.tags.fixed(tagKind),
		e.cfg.Username, e.cfg.Address,
		e.nextRegisterCSeq(),
		callID,
		e.cfg.Username, contactIP, contactPort, urnUUID,
		expires,
		userAgent,
		authorization,
	)
}

func (e *Endpoint) calcResponseHash(challenge *sipmsg.Message) string {
	firstPath := md5Hex(fmt.Sprintf("%s:%s:%s", e.cfg.Username, challenge.Auth.Realm, e.cfg.Password))
	secondPath := md5Hex(fmt.Sprintf("%s:sip:%s:%d", challenge.CSeq.Method, e.cfg.Address, e.cfg.Port))
	return md5Hex(fmt.Sprintf("%s:%s:%s", firstPath, challenge.Auth.Nonce, secondPath))
}

// generateSDP builds this endpoint's standard session description for
// an answer, listing every codec on every negotiated media line.
func (e *Endpoint) generateSDP(sessionID string, medias []MediaAssignment) string {
	sid, _ := strconv.Atoi(sessionID)

	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=%s %s %d IN IP4 %s\r\n", e.cfg.Username, sessionID, sid+2, e.cfg.LocalIP)
	b.WriteString("s=Talk\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", e.cfg.LocalIP)
	b.WriteString("t=0 0\r\n")
	b.WriteString(bodyPayload(medias))
	return b.String()
}

func bodyPayload(medias []MediaAssignment) string {
	var b strings.Builder
	for _, media := range medias {
		mediaType := "audio"
		if media.isVideo() {
			mediaType = "video"
		}

		fmt.Fprintf(&b, "m=%s %d RTP/AVP", mediaType, media.Port)
		for _, codec := range media.Codecs {
			fmt.Fprintf(&b, " %s", codec.ID)
		}
		b.WriteString("\r\n")

		// Emitted after the full id list rather than interleaved per id
		// (the original emits each codec's a=rtpmap right after its id on
		// the m= line); only observable when a non-PCMA/PCMU codec isn't
		// last on the line, which none of the negotiated fixtures do.
		for _, codec := range media.Codecs {
			if codec.Payload != rtpio.PayloadPCMA && codec.Payload != rtpio.PayloadPCMU {
				fmt.Fprintf(&b, "a=rtpmap:%s %s/%d\r\n", codec.ID, codec.Payload.Name(), codec.Payload.Rate())
			}
			if mediaType == "video" {
				fmt.Fprintf(&b, "a=fmtp:%s profile-level-id=42801F; packetization-mode=1\r\n", codec.ID)
			}
		}
	}
	return b.String()
}

// answerPayload builds the 200 OK to an INVITE, with Contact/Allow and
// the negotiated SDP body. The +sip.instance UUID is generated fresh on
// every answer, unlike the one fixed urnUUID registration reuses for
// its own Contact header.
func (e *Endpoint) answerPayload(msg *sipmsg.Message, sessionID string, medias []MediaAssignment) string {
	body := e.generateSDP(sessionID, medias)

	header := strings.Replace(e.defaultPayload(msg, sipmsg.StatusOK, sipmsg.MethodInvite), "\r\n\r\n", "\r\n", 1)

	return fmt.Sprintf(
		"%s"+
			"Allow: INVITE, ACK, CANCEL, OPTIONS, BYE, REFER, NOTIFY, MESSAGE, SUBSCRIBE, INFO, PRACK, UPDATE\r\n"+
			`Contact: <sip:%s>;expires=%d;+sip.instance="<urn:uuid:%s>"`+"\r\n"+
			"Content-Type: application/sdp\r\n"+
			"Content-Length: %d\r\n\r\n"+
			"%s",
		header,
		msg.To.Raw, registerExpires, uuid.NewString(),
		len(body),
		body,
	)
}

// byePayload builds an outbound BYE toward the remote number this
// dialog's INVITE came from.
func (e *Endpoint) byePayload(msg *sipmsg.Message) string {
	tag := e.tags.forCallID(msg.CallID)

	fromIP := msg.To.Host
	if idx := strings.IndexByte(fromIP, ':'); idx >= 0 {
		fromIP = fromIP[:idx]
	}

	return fmt.Sprintf(
		"BYE sip:%s@%s:%d SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:%d;branch=%s;rport\r\n"+
			"From: <sip:%s@%s>;tag=%s\r\n"+
			`To: "%s" <sip:%s@%s>;tag=%s`+"\r\n"+
			"CSeq: %s BYE\r\n"+
			"Call-ID: %s\r\n"+
			"Max-Forwards: 70\r\n"+
			"User-Agent: %s\r\n\r\n",
		msg.From.Number, e.cfg.Address, e.cfg.Port,
		e.cfg.LocalIP, localPort, newBranch(),
		e.cfg.Username, fromIP, tag,
		msg.From.Number, msg.From.Number, e.cfg.Address, msg.From.Tag,
		msg.CSeq.Check,
		msg.CallID,
		userAgent,
	)
}

func (e *Endpoint) decline(msg *sipmsg.Message) string {
	return e.defaultPayload(msg, sipmsg.StatusDecline, "")
}

func (e *Endpoint) terminated(msg *sipmsg.Message) string {
	return e.defaultPayload(msg, sipmsg.StatusRequestTerminated, sipmsg.MethodInvite)
}

func (e *Endpoint) ok(msg *sipmsg.Message) string {
	return e.defaultPayload(msg, sipmsg.StatusOK, "")
}

func (e *Endpoint) ringing(msg *sipmsg.Message) string {
	return e.defaultPayload(msg, sipmsg.StatusRinging, "")
}

// defaultPayload builds a response reusing the inbound Via/From/To
// plus this dialog's local tag, used by every non-answer response this
// endpoint sends except 100 Trying (see tryingPayload).
func (e *Endpoint) defaultPayload(msg *sipmsg.Message, status int, method sipmsg.Method) string {
	if method == "" {
		method = msg.CSeq.Method
	}
	tag := e.tags.forCallID(msg.CallID)

	return fmt.Sprintf(
		"SIP/2.0 %d %s\r\n"+
			"Via: SIP/2.0/UDP %s:%d;branch=%s;rport\r\n"+
			"From: %s;tag=%s\r\n"+
			"To: %s;tag=%s\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: %s %s\r\n"+
			"User-Agent: %s\r\n"+
			"Supported: replaces, outbound, gruu\r\n\r\n",
		status, sipmsg.ReasonFor(status),
		e.cfg.Address, e.cfg.Port, msg.Via[0].Branch(),
		msg.From.Raw, msg.From.Tag,
		msg.To.Raw, tag,
		msg.CallID,
		msg.CSeq.Check, method,
		userAgent,
	)
}

// tryingPayload builds the immediate 100 Trying to an INVITE, before
// this dialog has a local tag.
func (e *Endpoint) tryingPayload(msg *sipmsg.Message) string {
	return fmt.Sprintf(
		"SIP/2.0 100 Trying\r\n"+
			"Via: SIP/2.0/UDP %s:%d;branch=%s;rport\r\n"+
			"From: %s;tag=%s\r\n"+
			"To: %s\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: %s %s\r\n\r\n",
		e.cfg.Address, e.cfg.Port, msg.Via[0].Branch(),
		msg.From.Raw, msg.From.Tag,
		msg.From.Raw,
		msg.CallID,
		msg.CSeq.Check, msg.CSeq.Method,
	)
}
