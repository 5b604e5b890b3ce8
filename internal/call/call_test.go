package call

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/doorvoip/internal/rtpio"
	"github.com/sebas/doorvoip/internal/sipmsg"
	"github.com/sebas/doorvoip/internal/voiperr"
)

type fakePorts struct {
	next     int
	released []int
}

func (p *fakePorts) AllocatePort() (int, error) {
	p.next++
	return 10000 + p.next, nil
}

func (p *fakePorts) ReleasePort(port int) {
	p.released = append(p.released, port)
}

func inviteWithOneAudioLine() *sipmsg.Message {
	return &sipmsg.Message{
		CallID: "call-1",
		Body: &sipmsg.SDP{
			Connections: []sipmsg.Connection{{Address: "203.0.113.9"}},
			Media: []sipmsg.MediaLine{
				{
					Type:      "audio",
					Port:      30000,
					PortCount: 1,
					Methods:   []string{"0", "8"},
					Attributes: map[string]*sipmsg.CodecAttr{
						"0": {RtpMap: &sipmsg.RtpMap{Name: "PCMU"}},
						"8": {RtpMap: &sipmsg.RtpMap{Name: "PCMA"}},
					},
				},
			},
		},
	}
}

func TestNewCountsConnectionsAndAudioPorts(t *testing.T) {
	msg := inviteWithOneAudioLine()
	ports := &fakePorts{}

	c, err := New(msg, 1, "192.168.1.50", nil, ports, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, c.Connections())
	assert.Equal(t, 1, c.AudioPorts())
	assert.Equal(t, 0, c.VideoPorts())
	assert.Equal(t, StateRinging, c.State())
}

func inviteWithTwoConnectionsOneAudioLine() *sipmsg.Message {
	return &sipmsg.Message{
		CallID: "call-multi",
		Body: &sipmsg.SDP{
			Connections: []sipmsg.Connection{
				{Address: "203.0.113.9"},
				{Address: "203.0.113.10"},
			},
			Media: []sipmsg.MediaLine{
				{
					Type:      "audio",
					Port:      30000,
					PortCount: 2,
					Methods:   []string{"0", "8"},
					Attributes: map[string]*sipmsg.CodecAttr{
						"0": {RtpMap: &sipmsg.RtpMap{Name: "PCMU"}},
						"8": {RtpMap: &sipmsg.RtpMap{Name: "PCMA"}},
					},
				},
			},
		},
	}
}

func TestNewBuildsOneClientPerConnectionPerMediaLine(t *testing.T) {
	msg := inviteWithTwoConnectionsOneAudioLine()
	ports := &fakePorts{}

	c, err := New(msg, 1, "192.168.1.50", nil, ports, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Connections())
	assert.Equal(t, 2, c.AudioPorts())

	require.Len(t, c.medias, 2)
	assert.Equal(t, c.medias[0].Port, c.medias[1].Port, "both connection clients share one inbound port per media line")
	assert.Equal(t, 0, c.medias[0].mediaIndex)
	assert.Equal(t, 0, c.medias[1].mediaIndex)

	// only one port is allocated per media line, not per connection
	c.Release()
	assert.Len(t, ports.released, 1)
}

func TestNewRejectsInconsistentAudioPortCount(t *testing.T) {
	msg := inviteWithOneAudioLine()
	msg.Body.Connections = append(msg.Body.Connections, sipmsg.Connection{Address: "203.0.113.10"})

	_, err := New(msg, 1, "192.168.1.50", nil, &fakePorts{}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, voiperr.ErrInvalidRange))
}

func TestNewRejectsMissingBody(t *testing.T) {
	msg := &sipmsg.Message{CallID: "call-2"}
	_, err := New(msg, 1, "192.168.1.50", nil, &fakePorts{}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, voiperr.ErrInvalidRange))
}

func TestFilterCodecsResolvesByNumberAndName(t *testing.T) {
	m := sipmsg.MediaLine{
		Methods: []string{"0", "101", "99"},
		Attributes: map[string]*sipmsg.CodecAttr{
			"99": {RtpMap: &sipmsg.RtpMap{Name: "H264"}},
		},
	}

	codecs := filterCodecs(m)

	require.Len(t, codecs, 3)
	assert.Equal(t, rtpio.PayloadPCMU, codecs[0].Payload)
	assert.Equal(t, rtpio.PayloadEvent, codecs[1].Payload)
	assert.Equal(t, rtpio.PayloadH264, codecs[2].Payload)
}

func TestFilterCodecsDropsUnknown(t *testing.T) {
	m := sipmsg.MediaLine{
		Methods:    []string{"0", "113"},
		Attributes: map[string]*sipmsg.CodecAttr{},
	}

	codecs := filterCodecs(m)

	require.Len(t, codecs, 1)
	assert.Equal(t, rtpio.PayloadPCMU, codecs[0].Payload)
}

func TestHangupRequiresAnsweredState(t *testing.T) {
	msg := inviteWithOneAudioLine()
	c, err := New(msg, 1, "192.168.1.50", nil, &fakePorts{}, nil)
	require.NoError(t, err)

	err = c.Hangup(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, voiperr.ErrInvalidState))
}

func TestWriteAudioRequiresAnsweredState(t *testing.T) {
	msg := inviteWithOneAudioLine()
	c, err := New(msg, 1, "192.168.1.50", nil, &fakePorts{}, nil)
	require.NoError(t, err)

	err = c.WriteAudio([]byte{0, 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, voiperr.ErrInvalidState))
}

func TestReleaseReturnsAllocatedPorts(t *testing.T) {
	msg := inviteWithOneAudioLine()
	ports := &fakePorts{}
	c, err := New(msg, 1, "192.168.1.50", nil, ports, nil)
	require.NoError(t, err)

	c.Release()
	assert.Len(t, ports.released, 1)
}
