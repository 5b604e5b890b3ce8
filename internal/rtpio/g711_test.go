package rtpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlawRoundTrip(t *testing.T) {
	lin := make([]byte, 256)
	for i := range lin {
		lin[i] = byte(i)
	}

	encoded := EncodeAlaw8(lin)
	decoded := DecodeAlaw8(encoded)

	assert.Len(t, decoded, len(lin))

	// Lossy companding: every decoded sample must be within one
	// quantization step of the original.
	for i, orig := range lin {
		diff := int(orig) - int(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqualf(t, diff, 40, "sample %d: orig=%d decoded=%d", i, orig, decoded[i])
	}
}

func TestAlawSilenceRoundTrip(t *testing.T) {
	silence := []byte{0x80, 0x80, 0x80, 0x80}
	encoded := EncodeAlaw8(silence)
	decoded := DecodeAlaw8(encoded)

	for _, b := range decoded {
		assert.InDelta(t, 0x80, int(b), 8)
	}
}

func TestUlawRoundTrip(t *testing.T) {
	lin := make([]byte, 256)
	for i := range lin {
		lin[i] = byte(i)
	}

	encoded := EncodeUlaw8(lin)
	decoded := DecodeUlaw8(encoded)

	assert.Len(t, decoded, len(lin))
	for i, orig := range lin {
		diff := int(orig) - int(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqualf(t, diff, 40, "sample %d: orig=%d decoded=%d", i, orig, decoded[i])
	}
}
