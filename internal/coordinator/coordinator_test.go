package coordinator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/doorvoip/internal/call"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/sipmsg"
)

type fakeObserver struct {
	mu       sync.Mutex
	calls    []*call.Call
	statuses []string
}

func (o *fakeObserver) OnCall(c *call.Call) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, c)
}

func (o *fakeObserver) OnSIPStatus(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *fakeObserver) OnTrace(string, []byte, TraceOpts) {}

func (o *fakeObserver) lastCall() *call.Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.calls) == 0 {
		return nil
	}
	return o.calls[len(o.calls)-1]
}

func testCfg() sipendpoint.Config {
	return sipendpoint.Config{Address: "192.168.1.1", Port: 5060, Username: "1000", Password: "secret", LocalIP: "192.168.1.50"}
}

func invite(callID string) *sipmsg.Message {
	return &sipmsg.Message{
		Method: sipmsg.MethodInvite,
		CallID: callID,
		Body: &sipmsg.SDP{
			Connections: []sipmsg.Connection{{Address: "203.0.113.9"}},
			Media: []sipmsg.MediaLine{
				{
					Type:      "audio",
					Port:      30000,
					PortCount: 1,
					Methods:   []string{"0"},
					Attributes: map[string]*sipmsg.CodecAttr{
						"0": {RtpMap: &sipmsg.RtpMap{Name: "PCMU"}},
					},
				},
			},
		},
	}
}

func TestHandleInviteCreatesCallAndNotifiesObserver(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	c.HandleInvite(invite("dialog-1"))

	assert.Equal(t, 1, c.ActiveCalls())
	require.NotNil(t, obs.lastCall())
	assert.Equal(t, call.StateRinging, obs.lastCall().State())
}

func TestHandleInviteDuplicateWhileRingingIsIgnored(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	c.HandleInvite(invite("dialog-1"))
	c.HandleInvite(invite("dialog-1"))

	assert.Equal(t, 1, c.ActiveCalls())
	assert.Len(t, obs.calls, 1)
}

func TestHandleAckTransitionsToAnsweredAndNotifies(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	msg := invite("dialog-1")
	c.HandleInvite(msg)
	c.HandleAck(msg)

	assert.Equal(t, call.StateAnswered, obs.lastCall().State())
}

func TestHandleByeEndsCallAndRemovesFromTable(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	msg := invite("dialog-1")
	c.HandleInvite(msg)
	c.HandleAck(msg)
	c.HandleBye(msg)

	assert.Equal(t, call.StateEnded, obs.lastCall().State())
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestHandleCancelEndsRingingCall(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	msg := invite("dialog-1")
	c.HandleInvite(msg)
	c.HandleCancel(msg)

	assert.Equal(t, call.StateEnded, obs.lastCall().State())
	assert.Equal(t, 0, c.ActiveCalls())
}

func TestUnknownAckIsIgnored(t *testing.T) {
	obs := &fakeObserver{}
	c := New(testCfg(), obs, true)

	c.HandleAck(invite("never-existed"))

	assert.Empty(t, obs.calls)
}

func TestPortPoolNeverDoubleAssigns(t *testing.T) {
	pool := newPortPool()
	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		port, err := pool.AllocatePort()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, rtpPortLow)
		assert.Less(t, port, rtpPortHigh)
		assert.False(t, seen[port])
		seen[port] = true
	}
}

func TestPortPoolReleaseAllowsReuse(t *testing.T) {
	pool := newPortPool()
	port, err := pool.AllocatePort()
	require.NoError(t, err)
	pool.ReleasePort(port)
	assert.NotContains(t, pool.used, port)
}
