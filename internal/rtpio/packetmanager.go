package rtpio

import "sync"

// silenceByte pads short reads; 0x80 is silence in the 8-bit biased
// linear domain this codec operates in (see g711.go).
const silenceByte = 0x80

// rebuildJumpThreshold is the backwards-jump size, in timestamp units,
// beyond which PacketManager resets instead of replaying history.
const rebuildJumpThreshold = 100000

// unanchoredBase is the base offset before any Write has landed: one
// past the largest 32-bit RTP timestamp, so the very first Write is
// always seen as a backwards jump and anchors base to that first
// offset via the reset path.
const unanchoredBase = int64(1) << 32

// PacketManager is a timestamp-indexed jitter buffer. Inbound media is
// addressed by RTP timestamp; outbound media is addressed by a locally
// incremented byte offset. Either way, writes land at `offset - base`
// into a flat buffer, and reads always return exactly the requested
// length, silence-padding on underflow.
//
// A write that lands before the current base triggers a rebuild: small
// backwards jumps replay all stored history into a fresh buffer at the
// new base (preserving the read cursor); jumps past
// rebuildJumpThreshold discard history and start over at the new frame.
type PacketManager struct {
	mu sync.Mutex

	base    int64
	cursor  int
	buf     []byte
	history map[int64][]byte
}

// NewPacketManager returns an empty packet manager with no base offset
// established yet; base starts at unanchoredBase so the first Write,
// whatever offset it lands at, always takes the reset path and anchors
// base there.
func NewPacketManager() *PacketManager {
	return &PacketManager{
		base:    unanchoredBase,
		history: make(map[int64][]byte),
	}
}

// Write records data at the given absolute offset (timestamp for
// inbound managers, running byte count for outbound ones).
func (m *PacketManager) Write(offset int64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history[offset] = data

	if offset < m.base {
		jump := m.base - offset
		if jump < 0 {
			jump = -jump
		}
		m.base = offset
		if jump > rebuildJumpThreshold {
			m.resetLocked(offset, data)
		} else {
			m.rebuildLocked()
		}
		return
	}

	m.writeAtLocked(int(offset-m.base), data)
}

func (m *PacketManager) resetLocked(offset int64, data []byte) {
	m.history = map[int64][]byte{offset: data}
	m.buf = append([]byte(nil), data...)
	m.cursor = 0
}

func (m *PacketManager) rebuildLocked() {
	savedCursor := m.cursor
	m.buf = nil
	for off, data := range m.history {
		m.writeAtLocked(int(off-m.base), data)
	}
	m.cursor = savedCursor
}

func (m *PacketManager) writeAtLocked(pos int, data []byte) {
	end := pos + len(data)
	if end > len(m.buf) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[pos:end], data)
}

// Read returns exactly length bytes starting at the current cursor,
// advancing the cursor and padding with silence on underflow.
func (m *PacketManager) Read(length int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, length)
	for i := range out {
		out[i] = silenceByte
	}

	available := len(m.buf) - m.cursor
	if available > 0 {
		n := length
		if available < n {
			n = available
		}
		copy(out[:n], m.buf[m.cursor:m.cursor+n])
	}
	m.cursor += length

	return out
}

// IsSilence reports whether a frame is entirely the silence byte, used
// by blocking readers to decide whether to retry.
func IsSilence(frame []byte) bool {
	for _, b := range frame {
		if b != silenceByte {
			return false
		}
	}
	return true
}
