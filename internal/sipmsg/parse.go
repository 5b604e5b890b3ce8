package sipmsg

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sebas/doorvoip/internal/voiperr"
)

// defaultViaPort is used when a Via address carries no explicit port —
// this server's default differs from the usual SIP 5060.
const defaultViaPort = 60266

var sipURIPattern = regexp.MustCompile(`<?sip:`)

// Parse decodes a raw UDP datagram into a Message. It never blocks and
// never retains data beyond copying what it needs.
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("sipmsg: empty datagram: %w", voiperr.ErrSipParse)
	}

	normalized := bytes.ReplaceAll(data, []byte(`\r\n`), []byte("\r\n"))

	headerBlock, body := splitHeadersBody(normalized)
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	if len(lines) == 0 {
		return nil, fmt.Errorf("sipmsg: no heading line: %w", voiperr.ErrSipParse)
	}

	heading := string(lines[0])
	msg := &Message{Raw: append([]byte(nil), data...)}
	if err := parseHeading(msg, heading); err != nil {
		return nil, err
	}

	if err := parseHeaders(msg, lines[1:]); err != nil {
		return nil, err
	}

	if len(body) > 0 {
		if hasHeader(msg, "Content-Encoding") {
			return nil, fmt.Errorf("sipmsg: encoded content not supported: %w", voiperr.ErrSipParse)
		}
		parseBody(msg, body)
	}

	return msg, nil
}

func splitHeadersBody(data []byte) (headers []byte, body []byte) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return data, nil
	}
	return data[:idx], data[idx+4:]
}

func parseHeading(msg *Message, heading string) error {
	parts := strings.SplitN(heading, " ", 3)

	if len(parts) > 0 && parts[0] == "SIP/2.0" {
		msg.Kind = KindResponse
		if len(parts) < 2 {
			return fmt.Errorf("sipmsg: malformed status line %q: %w", heading, voiperr.ErrSipParse)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("sipmsg: malformed status code %q: %w", parts[1], voiperr.ErrSipParse)
		}
		msg.StatusCode = code
		if len(parts) == 3 {
			msg.Reason = parts[2]
		} else {
			msg.Reason = ReasonFor(code)
		}
		return nil
	}

	if len(parts) == 3 && isKnownMethod(parts[0]) {
		msg.Kind = KindRequest
		msg.Method = Method(parts[0])
		msg.RequestURI = parts[1]
		return nil
	}

	return fmt.Errorf("sipmsg: unable to decipher heading %q: %w", heading, voiperr.ErrSipParse)
}

func isKnownMethod(m string) bool {
	switch Method(m) {
	case MethodInvite, MethodAck, MethodCancel, MethodBye, MethodRegister:
		return true
	default:
		return false
	}
}

func hasHeader(msg *Message, name string) bool {
	for _, h := range msg.Extra {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

func parseHeaders(msg *Message, lines [][]byte) error {
	seen := map[string]bool{}

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		text := string(line)
		idx := strings.Index(text, ": ")
		if idx < 0 {
			continue
		}
		name, value := text[:idx], text[idx+2:]

		if name == "Via" {
			via, err := parseVia(value)
			if err != nil {
				return err
			}
			if !seen["Via"] {
				msg.headerOrder = append(msg.headerOrder, "Via")
				seen["Via"] = true
			}
			msg.Via = append(msg.Via, via)
			continue
		}

		if seen[name] {
			continue
		}
		seen[name] = true
		msg.headerOrder = append(msg.headerOrder, name)

		switch name {
		case "From", "To":
			addr := parseAddress(value)
			if name == "From" {
				msg.From = addr
			} else {
				msg.To = addr
			}
		case "CSeq":
			msg.CSeq = parseCSeq(value)
		case "WWW-Authenticate", "Authorization":
			msg.Auth = parseAuth(value)
			msg.authHeaderName = name
		case "Allow":
			msg.Allow = strings.Split(value, ", ")
		case "Supported":
			msg.Supported = strings.Split(value, ", ")
		case "Content-Length":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("sipmsg: bad Content-Length %q: %w", value, voiperr.ErrSipParse)
			}
			msg.ContentLength = n
		case "Call-ID":
			msg.CallID = value
		case "Max-Forwards":
			msg.MaxForwards = value
		case "User-Agent":
			msg.UserAgent = value
		case "Content-Type":
			msg.ContentType = value
		default:
			msg.Extra = append(msg.Extra, HeaderField{Name: name, Value: value})
		}
	}

	return nil
}

func parseVia(raw string) (Via, error) {
	fields := splitViaFields(raw)
	if len(fields) < 2 {
		return Via{}, fmt.Errorf("sipmsg: malformed Via %q: %w", raw, voiperr.ErrSipParse)
	}

	via := Via{Transport: fields[0], Params: map[string]string{}}

	hostPort := strings.SplitN(fields[1], ":", 2)
	via.Host = hostPort[0]
	if len(hostPort) > 1 {
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return Via{}, fmt.Errorf("sipmsg: malformed Via port %q: %w", hostPort[1], voiperr.ErrSipParse)
		}
		via.Port = port
	} else {
		via.Port = defaultViaPort
	}

	for _, field := range fields[2:] {
		if field == "" {
			continue
		}
		if eq := strings.IndexByte(field, '='); eq >= 0 {
			via.Params[field[:eq]] = field[eq+1:]
		} else {
			via.Params[field] = ""
		}
	}

	return via, nil
}

func splitViaFields(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ';' })
}

func parseAddress(raw string) Address {
	parts := strings.SplitN(raw, ";tag=", 2)
	addrRaw := parts[0]

	addr := Address{Raw: addrRaw}
	if len(parts) == 2 {
		addr.Tag = parts[1]
	}

	contact := sipURIPattern.Split(addrRaw, -1)
	if len(contact) > 1 {
		address := strings.TrimSuffix(contact[1], ">")
		if at := strings.IndexByte(address, '@'); at >= 0 {
			addr.Number = address[:at]
			addr.Host = address[at+1:]
		} else {
			addr.Host = address
		}
		addr.Address = address
		addr.Caller = strings.Trim(contact[0], "\"'")
	}

	return addr
}

func parseCSeq(raw string) CSeq {
	parts := strings.SplitN(raw, " ", 2)
	cseq := CSeq{Check: parts[0]}
	if len(parts) == 2 {
		cseq.Method = parts[1]
	}
	return cseq
}

func parseAuth(raw string) *Auth {
	cleaned := strings.ReplaceAll(raw, "Digest", "")
	fields := strings.Split(cleaned, ", ")

	auth := &Auth{Extra: map[string]string{}}
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		eq := strings.IndexByte(field, '=')
		if eq < 0 {
			continue
		}
		key := field[:eq]
		value := strings.Trim(field[eq+1:], `"`)

		switch key {
		case "realm":
			auth.Realm = value
		case "nonce":
			auth.Nonce = value
		case "algorithm":
			auth.Algorithm = value
		default:
			auth.Extra[key] = value
		}
	}
	return auth
}

// structuredSDPKeys are the single-letter body lines this grammar
// parses into SDP's structured fields; every other letter is preserved
// verbatim in SDP.Extra.
var structuredSDPKeys = map[string]bool{
	"v": true, "o": true, "c": true, "b": true, "t": true, "m": true, "a": true,
}

func parseBody(msg *Message, body []byte) {
	lines := bytes.Split(body, []byte("\r\n"))

	isSDP := msg.ContentType == "application/sdp"
	var sdp *SDP
	if isSDP {
		sdp = &SDP{Attributes: map[string]string{}, Extra: map[string]string{}}
		msg.Body = sdp
	}

	for _, raw := range lines {
		if len(raw) == 0 {
			continue
		}
		text := string(raw)
		eq := strings.IndexByte(text, '=')
		if eq < 0 {
			continue
		}
		key, value := text[:eq], text[eq+1:]

		if !isSDP || !structuredSDPKeys[key] {
			if sdp == nil {
				sdp = &SDP{Attributes: map[string]string{}, Extra: map[string]string{}}
				msg.Body = sdp
			}
			sdp.Extra[key] = value
			continue
		}

		switch key {
		case "v":
			if n, err := strconv.Atoi(value); err == nil {
				sdp.Version = n
				sdp.HasVersion = true
			}
		case "o":
			sdp.Origin = parseOrigin(value)
		case "c":
			sdp.Connections = append(sdp.Connections, parseConnection(value))
		case "b":
			sdp.Bandwidth = parseBandwidth(value)
		case "t":
			sdp.Timing = parseTiming(value)
		case "m":
			sdp.Media = append(sdp.Media, parseMediaLine(value))
		case "a":
			parseAttribute(sdp, value)
		}
	}
}

func parseOrigin(value string) Origin {
	f := strings.Split(value, " ")
	get := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	return Origin{
		Username:    get(0),
		SessID:      get(1),
		SessVersion: get(2),
		NetworkType: get(3),
		AddressType: get(4),
		Address:     get(5),
	}
}

func parseConnection(value string) Connection {
	f := strings.Split(value, " ")
	c := Connection{AddressCount: 1}
	if len(f) > 0 {
		c.NetworkType = f[0]
	}
	if len(f) > 1 {
		c.AddressType = f[1]
	}
	if len(f) <= 2 {
		return c
	}

	addrField := f[2]
	if !strings.Contains(addrField, "/") {
		c.Address = addrField
		return c
	}

	if c.AddressType == "IP6" {
		parts := strings.SplitN(addrField, "/", 2)
		c.Address = parts[0]
		if n, err := strconv.Atoi(parts[1]); err == nil {
			c.AddressCount = n
		}
		return c
	}

	parts := strings.Split(addrField, "/")
	c.Address = parts[0]
	if len(parts) >= 2 {
		if ttl, err := strconv.Atoi(parts[1]); err == nil {
			c.TTL = &ttl
		}
	}
	if len(parts) >= 3 {
		if n, err := strconv.Atoi(parts[2]); err == nil {
			c.AddressCount = n
		}
	}
	return c
}

func parseBandwidth(value string) *Bandwidth {
	parts := strings.SplitN(value, ":", 2)
	b := &Bandwidth{Type: parts[0]}
	if len(parts) == 2 {
		b.Bandwidth = parts[1]
	}
	return b
}

func parseTiming(value string) *Timing {
	parts := strings.SplitN(value, " ", 2)
	t := &Timing{}
	if len(parts) > 0 {
		t.Start = parts[0]
	}
	if len(parts) > 1 {
		t.Stop = parts[1]
	}
	return t
}

func parseMediaLine(value string) MediaLine {
	f := strings.Split(value, " ")
	m := MediaLine{Attributes: map[string]*CodecAttr{}, PortCount: 1}
	if len(f) > 0 {
		m.Type = f[0]
	}
	if len(f) > 1 {
		portField := f[1]
		if strings.Contains(portField, "/") {
			parts := strings.SplitN(portField, "/", 2)
			if n, err := strconv.Atoi(parts[0]); err == nil {
				m.Port = n
			}
			if n, err := strconv.Atoi(parts[1]); err == nil {
				m.PortCount = n
			}
		} else if n, err := strconv.Atoi(portField); err == nil {
			m.Port = n
		}
	}
	if len(f) > 2 {
		m.Protocol = f[2]
	}
	if len(f) > 3 {
		m.Methods = append(m.Methods, f[3:]...)
	}
	for _, id := range m.Methods {
		m.Attributes[id] = &CodecAttr{}
	}
	return m
}

func parseAttribute(sdp *SDP, value string) {
	attribute := value
	hasValue := false
	var attrValue string

	if colon := strings.IndexByte(value, ':'); colon >= 0 {
		attribute = value[:colon]
		attrValue = value[colon+1:]
		hasValue = true
	}

	if !hasValue {
		switch attribute {
		case "recvonly", "sendrecv", "sendonly", "inactive":
			sdp.TransmitType = attribute
		}
		return
	}

	switch attribute {
	case "rtpmap":
		fields := strings.FieldsFunc(attrValue, func(r rune) bool { return r == ' ' || r == '/' })
		if len(fields) < 3 {
			return
		}
		rtpmap := &RtpMap{ID: fields[0], Name: fields[1], Frequency: fields[2]}
		if len(fields) == 4 {
			rtpmap.Encoding = fields[3]
		}
		attachMediaAttr(sdp, fields[0], func(a *CodecAttr) { a.RtpMap = rtpmap })
	case "fmtp":
		fields := strings.SplitN(attrValue, " ", 2)
		fmtp := &Fmtp{ID: fields[0]}
		if len(fields) == 2 {
			fmtp.Settings = strings.Split(fields[1], " ")
		}
		attachMediaAttr(sdp, fields[0], func(a *CodecAttr) { a.Fmtp = fmtp })
	default:
		sdp.Attributes[attribute] = attrValue
	}
}

func attachMediaAttr(sdp *SDP, codecID string, apply func(*CodecAttr)) {
	for i := range sdp.Media {
		m := &sdp.Media[i]
		for _, id := range m.Methods {
			if id != codecID {
				continue
			}
			attr, ok := m.Attributes[codecID]
			if !ok {
				attr = &CodecAttr{}
				m.Attributes[codecID] = attr
			}
			apply(attr)
			return
		}
	}
}
