package sipendpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagPoolNeverRepeats(t *testing.T) {
	pool := newTagPool()
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		tag := pool.next()
		assert.Len(t, tag, 9)
		assert.False(t, seen[tag], "tag %q repeated", tag)
		seen[tag] = true
	}
}

func TestTagsFixedIsStableAcrossCalls(t *testing.T) {
	tags := newTags()
	first := tags.fixed(tagRegister)
	second := tags.fixed(tagRegister)
	assert.Equal(t, first, second)

	deregister := tags.fixed(tagDeregister)
	assert.NotEqual(t, first, deregister)
}

func TestTagsForCallIDIsStablePerDialog(t *testing.T) {
	tags := newTags()
	a1 := tags.forCallID("call-a")
	a2 := tags.forCallID("call-a")
	b := tags.forCallID("call-b")

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestNewCallIDIsTenHexChars(t *testing.T) {
	id := newCallID(42)
	assert.Len(t, id, 10)
}

func TestNewBranchHasMagicCookie(t *testing.T) {
	branch := newBranch()
	assert.Contains(t, branch, "z9hG4bK.")
}
