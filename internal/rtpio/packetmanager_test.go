package rtpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketManagerReadPadsShortBuffer(t *testing.T) {
	pm := NewPacketManager()

	out := pm.Read(16)
	assert.Len(t, out, 16)
	assert.True(t, IsSilence(out))
}

func TestPacketManagerReadExactLength(t *testing.T) {
	pm := NewPacketManager()
	pm.Write(0, []byte{1, 2, 3, 4})

	out := pm.Read(4)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	// past the written data: silence padding, still exact length
	out = pm.Read(4)
	assert.Len(t, out, 4)
	assert.True(t, IsSilence(out))
}

func TestPacketManagerSmallBackwardsJumpRebuilds(t *testing.T) {
	pm := NewPacketManager()
	pm.Write(100, []byte{0xAA, 0xAA})
	pm.Write(50, []byte{0xBB, 0xBB})

	out := pm.Read(52)
	assert.Equal(t, byte(0xBB), out[0])
	assert.Equal(t, byte(0xAA), out[50])
}

func TestPacketManagerLargeBackwardsJumpResets(t *testing.T) {
	pm := NewPacketManager()
	pm.Write(200000, []byte{0xAA})
	pm.Write(0, []byte{0xBB})

	out := pm.Read(1)
	assert.Equal(t, byte(0xBB), out[0])
}

func TestPacketManagerOutboundOffsetAccumulates(t *testing.T) {
	pm := NewPacketManager()
	var offset int64

	frame1 := []byte{1, 2, 3}
	pm.Write(offset, frame1)
	offset += int64(len(frame1))

	frame2 := []byte{4, 5, 6}
	pm.Write(offset, frame2)

	out := pm.Read(6)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out)
}
