package sipmsg

// SDP is the session description carried in a SIP body when
// `Content-Type: application/sdp`. Only v, o, c, b, t, m and a lines are
// structurally parsed: rtpmap/fmtp attach to their media line,
// `a=name:value` goes to Attributes, the transmit-type flags set
// TransmitType, and any other bare `a=` flag is dropped. Every other
// line — including `s=`, which this grammar never inspects — is kept in
// Extra under its letter, the last occurrence of a letter winning.
type SDP struct {
	Version     int
	HasVersion  bool
	Origin      Origin
	Connections []Connection
	Bandwidth   *Bandwidth
	Timing      *Timing
	Media       []MediaLine

	// TransmitType is the top-level a=recvonly/sendrecv/sendonly/
	// inactive flag, "" if none was present (default is sendrecv per
	// the data model).
	TransmitType string

	// Attributes holds free top-level `a=attribute:value` lines that
	// are not rtpmap/fmtp.
	Attributes map[string]string

	// Extra holds single-letter body lines this grammar does not
	// structurally parse (notably `s=`), keyed by letter, in the form
	// they appeared after the `=`.
	Extra map[string]string
}

// Origin is the parsed `o=` line.
type Origin struct {
	Username    string
	SessID      string
	SessVersion string
	NetworkType string
	AddressType string
	Address     string
}

// Connection is one parsed `c=` line.
type Connection struct {
	NetworkType  string
	AddressType  string
	Address      string
	TTL          *int
	AddressCount int
}

// Bandwidth is the parsed `b=` line.
type Bandwidth struct {
	Type      string
	Bandwidth string
}

// Timing is the parsed `t=` line.
type Timing struct {
	Start string
	Stop  string
}

// MediaLine is one parsed `m=` line plus the rtpmap/fmtp attributes
// gathered from subsequent `a=` lines that reference one of its codec
// ids.
type MediaLine struct {
	Type      string // "audio" or "video"
	Port      int
	PortCount int
	Protocol  string
	// Methods lists codec ids in the order they appeared on the m=
	// line — order matters, since RTP client codec preference is
	// "first entry" (see internal/rtpio.Assoc.Preference).
	Methods    []string
	Attributes map[string]*CodecAttr
}

// CodecAttr holds the rtpmap/fmtp details for one codec id on a media
// line.
type CodecAttr struct {
	RtpMap *RtpMap
	Fmtp   *Fmtp
}

// RtpMap is a parsed `a=rtpmap:<id> <name>/<freq>[/<enc>]` line.
type RtpMap struct {
	ID        string
	Name      string
	Frequency string
	Encoding  string
}

// Fmtp is a parsed `a=fmtp:<id> <settings...>` line.
type Fmtp struct {
	ID       string
	Settings []string
}
