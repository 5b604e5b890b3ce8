// Package sipmsg implements the Message Codec: parsing a raw SIP/2.0
// UDP datagram into a structured Message, and serializing a Message
// back to the wire grammar this endpoint speaks. The grammar matches
// the door intercom server this client talks to, not generic RFC 3261:
// headers split at the first literal ": ", a default Via port of
// 60266, and digest auth without qop (see DESIGN.md).
package sipmsg

import "fmt"

// Kind distinguishes a SIP request from a SIP response.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// Method is a request method name. Only the subset this endpoint ever
// sends or receives is named; anything else parses fine but has no
// constant.
type Method string

const (
	MethodInvite   Method = "INVITE"
	MethodAck      Method = "ACK"
	MethodCancel   Method = "CANCEL"
	MethodBye      Method = "BYE"
	MethodRegister Method = "REGISTER"
)

// HeaderField is one raw, unstructured header line as it appeared on
// the wire (or as it will appear on serialize), preserved for any
// header this codec does not give a dedicated struct.
type HeaderField struct {
	Name  string
	Value string
}

// Via is one hop of the Via header chain. Params holds every `;k=v`
// fragment beyond transport/address, plus bare tokens (e.g. `rport`
// with no value) mapped to "". Branch/Received/RPort are convenience
// accessors over Params.
type Via struct {
	Transport string
	Host      string
	Port      int
	Params    map[string]string
}

// Branch returns the via's branch parameter, or "" if absent.
func (v Via) Branch() string { return v.Params["branch"] }

// Received returns the via's received parameter, or "" if absent.
func (v Via) Received() string { return v.Params["received"] }

// RPort returns the via's rport parameter, or "" if absent (it may be
// present with no value, a bare token, in which case this is also "").
func (v Via) RPort() string { return v.Params["rport"] }

// Address is a parsed From/To header: the raw text as it appeared
// (needed to reflect it back verbatim in responses), the dialog tag,
// and the sip: URI pieces.
type Address struct {
	Raw     string // text before ";tag=", as it appeared
	Tag     string
	Address string // the address-of-record inside sip:...
	Number  string // the user part, if present
	Caller  string // display name, if any
	Host    string // the host part
}

// CSeq is the parsed CSeq header.
type CSeq struct {
	Check  string
	Method string
}

// Auth is a parsed WWW-Authenticate or Authorization header (Digest,
// no qop).
type Auth struct {
	Realm     string
	Nonce     string
	Algorithm string
	Extra     map[string]string
}

// Message is an immutable, parsed SIP datagram.
type Message struct {
	Kind Kind

	// Request fields.
	Method     Method
	RequestURI string

	// Response fields.
	StatusCode int
	Reason     string

	Via           []Via
	From          Address
	To            Address
	CSeq          CSeq
	CallID        string
	MaxForwards   string
	UserAgent     string
	ContentType   string
	ContentLength int
	Allow         []string
	Supported     []string

	Auth           *Auth
	authHeaderName string // "WWW-Authenticate" or "Authorization"

	// Extra carries every header this codec does not structurally
	// model, in the order it was encountered, so re-serializing an
	// inbound message keeps them. Only the first occurrence of a
	// repeated header (other than Via) is recorded.
	Extra []HeaderField

	// headerOrder records header names in first-seen order (Via only
	// once, at its first position) so Serialize can reproduce the
	// original header ordering for the round-trip property.
	headerOrder []string

	Body *SDP

	// Raw is the exact datagram this message was parsed from, kept for
	// diagnostics traces. Nil for messages built for serialization.
	Raw []byte
}

// IsRequest reports whether this message is a request.
func (m *Message) IsRequest() bool { return m.Kind == KindRequest }

// Plain returns the raw bytes this message was parsed from, or nil if
// it was never parsed (constructed programmatically for send).
func (m *Message) Plain() []byte { return m.Raw }

func (m *Message) String() string {
	if m.IsRequest() {
		return fmt.Sprintf("%s %s", m.Method, m.RequestURI)
	}
	return fmt.Sprintf("%d %s", m.StatusCode, m.Reason)
}
