package sipendpoint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipmsg"
)

func testEndpoint() *Endpoint {
	return New(Config{
		Address:  "192.168.1.1",
		Port:     5060,
		Username: "1000",
		Password: "secret",
		LocalIP:  "192.168.1.50",
	}, nil, nil, nil)
}

func TestRegisterPayloadFirstAttemptHasNoAuthorization(t *testing.T) {
	e := testEndpoint()
	payload := e.registerPayload(e.urnUUID, nil, true)

	assert.True(t, strings.HasPrefix(payload, "REGISTER sip:192.168.1.1:5060 SIP/2.0\r\n"))
	assert.NotContains(t, payload, "Authorization:")
	assert.Contains(t, payload, "Expires: 3600")
}

func TestRegisterPayloadDeregisterHasZeroExpires(t *testing.T) {
	e := testEndpoint()
	payload := e.registerPayload(e.urnUUID, nil, false)
	assert.Contains(t, payload, "Expires: 0")
}

func TestRegisterPayloadChallengeAddsAuthorization(t *testing.T) {
	e := testEndpoint()
	challenge := &sipmsg.Message{
		CallID: "chal-call-id",
		CSeq:   sipmsg.CSeq{Method: "REGISTER"},
		Via:    []sipmsg.Via{{Params: map[string]string{"received": "203.0.113.5", "rport": "60266"}}},
		Auth:   &sipmsg.Auth{Realm: "door.local", Nonce: "abc123"},
	}

	payload := e.registerPayload(e.urnUUID, challenge, true)

	assert.Contains(t, payload, "Authorization:")
	assert.Contains(t, payload, `realm="door.local"`)
	assert.Contains(t, payload, `nonce="abc123"`)
	assert.Contains(t, payload, "Call-ID: chal-call-id")
}

func TestCalcResponseHashUsesChallengeMethod(t *testing.T) {
	e := testEndpoint()
	challenge := &sipmsg.Message{
		CSeq: sipmsg.CSeq{Method: "REGISTER"},
		Auth: &sipmsg.Auth{Realm: "door.local", Nonce: "abc123"},
	}
	got := e.calcResponseHash(challenge)

	firstPath := md5Hex("1000:door.local:secret")
	secondPath := md5Hex("REGISTER:sip:192.168.1.1:5060")
	want := md5Hex(firstPath + ":abc123:" + secondPath)

	assert.Equal(t, want, got)
}

func TestDefaultPayloadEchoesFromAndTo(t *testing.T) {
	e := testEndpoint()
	msg := &sipmsg.Message{
		CallID: "dialog-1",
		CSeq:   sipmsg.CSeq{Check: "1", Method: "BYE"},
		Via:    []sipmsg.Via{{Params: map[string]string{"branch": "z9hG4bK.deadbeef"}}},
		From:   sipmsg.Address{Raw: `<sip:caller@192.168.1.1>`, Tag: "fromtag"},
		To:     sipmsg.Address{Raw: `<sip:1000@192.168.1.50>`},
	}

	payload := e.defaultPayload(msg, sipmsg.StatusOK, "")
	require.Contains(t, payload, "SIP/2.0 200 OK\r\n")
	assert.Contains(t, payload, "From: <sip:caller@192.168.1.1>;tag=fromtag\r\n")
	assert.Contains(t, payload, "To: <sip:1000@192.168.1.50>;tag=")
	assert.Contains(t, payload, "Call-ID: dialog-1\r\n")
	assert.Contains(t, payload, "CSeq: 1 BYE\r\n")
}

func TestAnswerPayloadIncludesNegotiatedSDP(t *testing.T) {
	e := testEndpoint()
	msg := &sipmsg.Message{
		CallID: "dialog-2",
		CSeq:   sipmsg.CSeq{Check: "1", Method: "INVITE"},
		Via:    []sipmsg.Via{{Params: map[string]string{"branch": "z9hG4bK.deadbeef"}}},
		From:   sipmsg.Address{Raw: `<sip:caller@192.168.1.1>`, Tag: "fromtag"},
		To:     sipmsg.Address{Raw: `<sip:1000@192.168.1.50>`},
	}
	medias := []MediaAssignment{{Port: 12000, Codecs: []CodecAssignment{{ID: "0", Payload: rtpio.PayloadPCMU}}}}

	payload := e.answerPayload(msg, "12345", medias)

	assert.Contains(t, payload, "Content-Type: application/sdp\r\n")
	assert.Contains(t, payload, "m=audio 12000 RTP/AVP 0\r\n")
	assert.Contains(t, payload, "+sip.instance=")
}

func TestByePayloadTargetsFromNumber(t *testing.T) {
	e := testEndpoint()
	msg := &sipmsg.Message{
		CallID: "dialog-3",
		CSeq:   sipmsg.CSeq{Check: "1", Method: "INVITE"},
		From:   sipmsg.Address{Number: "2000", Tag: "fromtag"},
		To:     sipmsg.Address{Host: "192.168.1.50:60266"},
	}

	payload := e.byePayload(msg)

	assert.True(t, strings.HasPrefix(payload, "BYE sip:2000@192.168.1.1:5060 SIP/2.0\r\n"))
	assert.Contains(t, payload, "CSeq: 1 BYE\r\n")
	assert.Contains(t, payload, "tag=fromtag")
}
