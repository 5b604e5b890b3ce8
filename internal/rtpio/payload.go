// Package rtpio implements the RTP media transport: the jitter-buffered
// packet manager, the per-stream RTP client (encode/decode + transmit
// pacing), and the G.711 codec tables the client drives.
package rtpio

import "fmt"

// PayloadType identifies an RTP payload by its numeric type, the way SDP
// negotiation and the wire header both address it.
type PayloadType uint8

// Well-known payload types this endpoint negotiates. Anything else is
// tolerated on receive and logged, never encoded on send.
const (
	PayloadPCMU  PayloadType = 0
	PayloadPCMA  PayloadType = 8
	PayloadH264  PayloadType = 99
	PayloadEvent PayloadType = 101
)

// Name returns the SDP rtpmap encoding name for a payload type.
func (p PayloadType) Name() string {
	switch p {
	case PayloadPCMU:
		return "PCMU"
	case PayloadPCMA:
		return "PCMA"
	case PayloadH264:
		return "H264"
	case PayloadEvent:
		return "telephone-event"
	default:
		return fmt.Sprintf("unknown-%d", uint8(p))
	}
}

// Rate returns the RTP clock rate in Hz for a payload type.
func (p PayloadType) Rate() int {
	switch p {
	case PayloadH264:
		return 90000
	default:
		return 8000
	}
}

// IsAudio reports whether the payload type is a codec this client can
// read/write through its jitter buffers (PCMA/PCMU).
func (p PayloadType) IsAudio() bool {
	return p == PayloadPCMU || p == PayloadPCMA
}

// KnownPayloadTypes are the codecs a Call negotiates; anything outside
// this set is dropped during SDP codec filtering.
var KnownPayloadTypes = map[PayloadType]struct{}{
	PayloadPCMU:  {},
	PayloadPCMA:  {},
	PayloadH264:  {},
	PayloadEvent: {},
}

// PayloadTypeByName resolves a codec by its SDP rtpmap encoding name,
// used when the payload-type id on an `m=` line is not one of the
// well-known numbers but the paired rtpmap still names PCMU/PCMA/etc.
func PayloadTypeByName(name string) (PayloadType, bool) {
	switch name {
	case "PCMU":
		return PayloadPCMU, true
	case "PCMA":
		return PayloadPCMA, true
	case "H264":
		return PayloadH264, true
	case "telephone-event":
		return PayloadEvent, true
	default:
		return 0, false
	}
}

// AssocEntry pairs a wire payload-type id with the codec identity
// negotiated for it.
type AssocEntry struct {
	ID      uint8
	Payload PayloadType
}

// Assoc is the ordered codec association for one media line. Order
// matters: Preference() picks the first entry, mirroring the source's
// "first codec in the (insertion-ordered) association dict" rule.
type Assoc []AssocEntry

// ByID looks up the codec negotiated for a wire payload-type id.
func (a Assoc) ByID(id uint8) (PayloadType, bool) {
	for _, e := range a {
		if e.ID == id {
			return e.Payload, true
		}
	}
	return 0, false
}

// Preference returns the first codec in the association — PCMA/PCMU
// usually win by SDP ordering, but EVENT is numeric too and would be
// picked if listed first.
func (a Assoc) Preference() (AssocEntry, bool) {
	if len(a) == 0 {
		return AssocEntry{}, false
	}
	return a[0], true
}
