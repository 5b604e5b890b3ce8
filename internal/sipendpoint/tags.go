package sipendpoint

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

type tagKind int

const (
	tagRegister tagKind = iota
	tagDeregister
)

// tagPool hands out dialog tags that are unique for the lifetime of an
// Endpoint. Tags are MD5(random uint32) truncated to 9 hex chars,
// regenerated on collision.
type tagPool struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newTagPool() *tagPool {
	return &tagPool{seen: map[string]struct{}{}}
}

func (p *tagPool) next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		tag := md5Hex(fmt.Sprintf("%d", randUint32()))[:9]
		if _, dup := p.seen[tag]; dup {
			continue
		}
		p.seen[tag] = struct{}{}
		return tag
	}
}

// tags tracks both the two tags fixed for the life of the Endpoint
// (register/deregister) and the per-Call-ID tags handed out lazily to
// in-dialog responses, both drawn from the same pool so no tag
// collides across the two uses.
type tags struct {
	mu     sync.Mutex
	pool   *tagPool
	fixedT map[tagKind]string
	byID   map[string]string
}

func newTags() *tags {
	return &tags{pool: newTagPool(), fixedT: map[tagKind]string{}, byID: map[string]string{}}
}

func (t *tags) fixed(kind tagKind) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tag, ok := t.fixedT[kind]; ok {
		return tag
	}
	tag := t.pool.next()
	t.fixedT[kind] = tag
	return tag
}

// forCallID returns the tag already assigned to a Call-ID, allocating
// one lazily on first use so every response within a dialog reflects
// the same local tag.
func (t *tags) forCallID(callID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tag, ok := t.byID[callID]; ok {
		return tag
	}
	tag := t.pool.next()
	t.byID[callID] = tag
	return tag
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func newBranch() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("z9hG4bK.%x", b)
}

func newCallID(seq uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", seq)))
	return fmt.Sprintf("%x", sum)[:10]
}
