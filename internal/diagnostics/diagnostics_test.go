package diagnostics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestRecordIncrementsCounter(t *testing.T) {
	d := New(prometheus.NewRegistry())

	d.Record("sip_send", []byte("hello"), TraceOpts{Increment: true})
	d.Record("sip_send", []byte("world"), TraceOpts{Increment: true})

	assert.Equal(t, int64(2), d.Counts()["sip_send"])
}

func TestRecordAppendsToRing(t *testing.T) {
	d := New(prometheus.NewRegistry())

	d.Record("sip_recv", []byte("frame-1"), TraceOpts{Append: true})
	d.Record("sip_recv", []byte("frame-2"), TraceOpts{Append: true})

	frames := d.Frames("sip_recv")
	assert.Len(t, frames, 2)
	assert.Equal(t, "frame-1", string(frames[0].Raw))
	assert.Equal(t, "frame-2", string(frames[1].Raw))
}

func TestRecordRingIsBoundedToTwenty(t *testing.T) {
	d := New(prometheus.NewRegistry())

	for i := 0; i < 30; i++ {
		d.Record("rtp_recv", []byte{byte(i)}, TraceOpts{Append: true})
	}

	frames := d.Frames("rtp_recv")
	assert.Len(t, frames, ringCapacity)
	assert.Equal(t, byte(29), frames[len(frames)-1].Raw[0])
	assert.Equal(t, byte(10), frames[0].Raw[0])
}

func TestCountsSnapshotIsIndependent(t *testing.T) {
	d := New(prometheus.NewRegistry())
	d.Record("sip_ping", nil, TraceOpts{Increment: true})

	snap := d.Counts()
	snap["sip_ping"] = 999

	assert.Equal(t, int64(1), d.Counts()["sip_ping"])
}
