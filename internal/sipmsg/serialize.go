package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Serialize re-emits a Message using the header order it was parsed
// with (headerOrder), so parsing Serialize(Parse(d)) again yields the
// same structured fields as Parse(d). The output is not byte-for-byte
// d: Via parameters and free a= attributes are written in map order, a
// From without a tag gains an empty `;tag=`, only the first of a
// repeated non-Via header is kept, and SDP lines other than
// v/o/s/c/b/t/m/a are not written.
//
// Messages built programmatically (not parsed) have no headerOrder;
// callers constructing outbound messages should use
// internal/sipendpoint's payload templates instead, which control
// exact header order and formatting the way this server's fixtures
// require.
func Serialize(m *Message) []byte {
	var b strings.Builder

	if m.IsRequest() {
		fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", m.Method, m.RequestURI)
	} else {
		fmt.Fprintf(&b, "SIP/2.0 %d %s\r\n", m.StatusCode, m.Reason)
	}

	extraIdx := 0
	order := m.headerOrder
	if len(order) == 0 {
		order = defaultHeaderOrder(m)
	}

	for _, name := range order {
		switch name {
		case "Via":
			for _, v := range m.Via {
				b.WriteString("Via: ")
				b.WriteString(serializeVia(v))
				b.WriteString("\r\n")
			}
		case "From":
			fmt.Fprintf(&b, "From: %s;tag=%s\r\n", m.From.Raw, m.From.Tag)
		case "To":
			if m.To.Tag != "" {
				fmt.Fprintf(&b, "To: %s;tag=%s\r\n", m.To.Raw, m.To.Tag)
			} else {
				fmt.Fprintf(&b, "To: %s\r\n", m.To.Raw)
			}
		case "CSeq":
			fmt.Fprintf(&b, "CSeq: %s %s\r\n", m.CSeq.Check, m.CSeq.Method)
		case "Call-ID":
			fmt.Fprintf(&b, "Call-ID: %s\r\n", m.CallID)
		case "Max-Forwards":
			fmt.Fprintf(&b, "Max-Forwards: %s\r\n", m.MaxForwards)
		case "User-Agent":
			fmt.Fprintf(&b, "User-Agent: %s\r\n", m.UserAgent)
		case "Content-Type":
			fmt.Fprintf(&b, "Content-Type: %s\r\n", m.ContentType)
		case "Content-Length":
			fmt.Fprintf(&b, "Content-Length: %d\r\n", m.ContentLength)
		case "Allow":
			fmt.Fprintf(&b, "Allow: %s\r\n", strings.Join(m.Allow, ", "))
		case "Supported":
			fmt.Fprintf(&b, "Supported: %s\r\n", strings.Join(m.Supported, ", "))
		case "WWW-Authenticate", "Authorization":
			fmt.Fprintf(&b, "%s: %s\r\n", name, serializeAuth(m.Auth))
		default:
			// Walk Extra in order, skipping entries already consumed.
			for extraIdx < len(m.Extra) {
				f := m.Extra[extraIdx]
				extraIdx++
				if f.Name == name {
					fmt.Fprintf(&b, "%s: %s\r\n", f.Name, f.Value)
					break
				}
			}
		}
	}

	b.WriteString("\r\n")

	if m.Body != nil {
		b.WriteString(SerializeSDP(m.Body))
	}

	return []byte(b.String())
}

func defaultHeaderOrder(m *Message) []string {
	order := []string{"Via", "From", "To", "CSeq", "Call-ID", "Max-Forwards"}
	if m.Auth != nil {
		if m.authHeaderName == "" {
			m.authHeaderName = "WWW-Authenticate"
		}
		order = append(order, m.authHeaderName)
	}
	for _, f := range m.Extra {
		order = append(order, f.Name)
	}
	if len(m.Allow) > 0 {
		order = append(order, "Allow")
	}
	if len(m.Supported) > 0 {
		order = append(order, "Supported")
	}
	if m.ContentType != "" {
		order = append(order, "Content-Type")
	}
	if m.ContentLength > 0 || m.Body != nil {
		order = append(order, "Content-Length")
	}
	return order
}

func serializeVia(v Via) string {
	s := fmt.Sprintf("%s %s:%d", v.Transport, v.Host, v.Port)
	for k, val := range v.Params {
		if val == "" {
			s += ";" + k
		} else {
			s += ";" + k + "=" + val
		}
	}
	return s
}

func serializeAuth(a *Auth) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, a.Realm), fmt.Sprintf(`nonce="%s"`, a.Nonce)}
	if a.Algorithm != "" {
		parts = append(parts, "algorithm="+a.Algorithm)
	}
	for k, v := range a.Extra {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, v))
	}
	return "Digest " + strings.Join(parts, ", ")
}

// SerializeSDP renders an SDP body using the fixed v/o/s/c/b/t/m/a line
// order this grammar always emits on send.
func SerializeSDP(sdp *SDP) string {
	var b strings.Builder

	if sdp.HasVersion {
		fmt.Fprintf(&b, "v=%d\r\n", sdp.Version)
	}
	o := sdp.Origin
	fmt.Fprintf(&b, "o=%s %s %s %s %s %s\r\n", o.Username, o.SessID, o.SessVersion, o.NetworkType, o.AddressType, o.Address)
	if s, ok := sdp.Extra["s"]; ok {
		fmt.Fprintf(&b, "s=%s\r\n", s)
	}
	for _, c := range sdp.Connections {
		b.WriteString("c=" + serializeConnection(c) + "\r\n")
	}
	if sdp.Bandwidth != nil {
		fmt.Fprintf(&b, "b=%s:%s\r\n", sdp.Bandwidth.Type, sdp.Bandwidth.Bandwidth)
	}
	if sdp.Timing != nil {
		fmt.Fprintf(&b, "t=%s %s\r\n", sdp.Timing.Start, sdp.Timing.Stop)
	}
	for _, m := range sdp.Media {
		b.WriteString(serializeMediaLine(m))
	}
	if sdp.TransmitType != "" {
		fmt.Fprintf(&b, "a=%s\r\n", sdp.TransmitType)
	}
	for k, v := range sdp.Attributes {
		fmt.Fprintf(&b, "a=%s:%s\r\n", k, v)
	}

	return b.String()
}

func serializeConnection(c Connection) string {
	addr := c.Address
	if c.TTL != nil {
		addr += "/" + strconv.Itoa(*c.TTL)
		if c.AddressCount > 1 {
			addr += "/" + strconv.Itoa(c.AddressCount)
		}
	} else if c.AddressCount > 1 {
		addr += "/" + strconv.Itoa(c.AddressCount)
	}
	return fmt.Sprintf("%s %s %s", c.NetworkType, c.AddressType, addr)
}

func serializeMediaLine(m MediaLine) string {
	var b strings.Builder

	port := strconv.Itoa(m.Port)
	if m.PortCount > 1 {
		port += "/" + strconv.Itoa(m.PortCount)
	}
	fmt.Fprintf(&b, "m=%s %s %s", m.Type, port, m.Protocol)
	for _, id := range m.Methods {
		fmt.Fprintf(&b, " %s", id)
	}
	b.WriteString("\r\n")

	for _, id := range m.Methods {
		attr, ok := m.Attributes[id]
		if !ok {
			continue
		}
		if attr.RtpMap != nil {
			r := attr.RtpMap
			if r.Encoding != "" {
				fmt.Fprintf(&b, "a=rtpmap:%s %s/%s/%s\r\n", r.ID, r.Name, r.Frequency, r.Encoding)
			} else {
				fmt.Fprintf(&b, "a=rtpmap:%s %s/%s\r\n", r.ID, r.Name, r.Frequency)
			}
		}
		if attr.Fmtp != nil {
			fmt.Fprintf(&b, "a=fmtp:%s %s\r\n", attr.Fmtp.ID, strings.Join(attr.Fmtp.Settings, " "))
		}
	}

	return b.String()
}
