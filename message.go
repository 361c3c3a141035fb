package vsr

import (
	"sync"
	"sync/atomic"
)

// Message is a reference-counted Header+body pair. It is the unit the
// message bus, the pipeline and the WAL all pass around; none of them copy
// the body out of it on the hot path (design notes §9, "zero-copy
// messaging"). A Message's buffer stays valid until its reference count
// drops to zero, at which point Pool reclaims it for reuse.
type Message struct {
	Header Header
	Body   []byte // application/control payload, length Header.Size

	pool *Pool
	buf  []byte // backing array owned by the pool; Body is a slice of it
	refs atomic.Int32
}

// Ref increments the reference count and returns m, so callers can do
// `peerQueue <- msg.Ref()` without a separate statement.
func (m *Message) Ref() *Message {
	m.refs.Add(1)
	return m
}

// Unref decrements the reference count and returns the Message to its pool
// once nobody references it anymore. Callers that merely observe a message
// (e.g. the replica inspecting a just-written prepare) must call Unref
// exactly once for every Ref/allocation they performed.
func (m *Message) Unref() {
	if m.pool == nil {
		return
	}
	if n := m.refs.Add(-1); n == 0 {
		m.pool.put(m)
	} else if n < 0 {
		panic("vsr: message over-released")
	}
}

// Pool is a preallocated, fixed-capacity set of Message buffers sized by
// MessageSizeMax. It exists so that the replica's hot path — receiving a
// prepare, writing it to the WAL, forwarding it to backups — never calls
// into the allocator, per design notes §9.
type Pool struct {
	messageSizeMax int
	mu             sync.Mutex
	free           []*Message
}

// NewMessage allocates a single, unpooled Message with a buffer large
// enough for a body up to messageSizeMax bytes. Unref on a message built
// this way is a no-op (its pool is nil): it exists for call sites that
// read a message out of storage ad hoc, off the hot path, and still need
// Encode/SetBody to work (e.g. clientreplies.Cache.ReadRaw/Lookup's
// repair path), without pulling in a whole Pool for one allocation.
func NewMessage(messageSizeMax int) *Message {
	return &Message{buf: make([]byte, HeaderSize+messageSizeMax)}
}

// NewPool preallocates n messages, each with a buffer large enough to hold
// a header plus a body up to messageSizeMax bytes.
func NewPool(n, messageSizeMax int) *Pool {
	p := &Pool{messageSizeMax: messageSizeMax}
	p.free = make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		m := &Message{pool: p, buf: make([]byte, HeaderSize+messageSizeMax)}
		p.free = append(p.free, m)
	}
	return p
}

// Get removes a message from the free list and returns it with a
// reference count of one, owned by the caller, who releases it with
// Unref. It panics if the pool is exhausted: under the
// static bounds of spec §9 this indicates a bug (too many in-flight
// messages), not a transient condition to recover from.
func (p *Pool) Get() *Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		panic("vsr: message pool exhausted")
	}
	m := p.free[n-1]
	p.free = p.free[:n-1]
	m.Header = Header{}
	m.Body = m.buf[HeaderSize:HeaderSize]
	m.refs.Store(1)
	return m
}

func (p *Pool) put(m *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, m)
}

// SetBody copies body into m's preallocated buffer and stamps the header's
// size/checksum fields. It panics if body exceeds the pool's
// messageSizeMax, which is a static, known-at-format-time bound.
func (m *Message) SetBody(body []byte) {
	if len(body) > len(m.buf)-HeaderSize {
		panic("vsr: message body exceeds message_size_max")
	}
	m.Body = m.buf[HeaderSize : HeaderSize+len(body)]
	copy(m.Body, body)
	m.Header.SetBody(m.Body)
}

// Encode marshals m.Header followed by m.Body into m's backing buffer and
// returns the combined slice, suitable for a single WriteAt or Write.
func (m *Message) Encode() []byte {
	m.Header.putInto(m.buf[:HeaderSize])
	out := m.buf[:HeaderSize+len(m.Body)]
	copy(out[HeaderSize:], m.Body)
	return out
}

// Decode parses buf (Header followed by body) into m. It does not validate
// checksums; call m.Header.Valid() and m.Header.ValidBody(m.Body).
func (m *Message) Decode(buf []byte) error {
	if err := m.Header.UnmarshalBinary(buf); err != nil {
		return err
	}
	body := buf[HeaderSize:]
	if uint32(len(body)) > uint32(len(m.buf)-HeaderSize) {
		panic("vsr: decoded body exceeds message_size_max")
	}
	m.Body = m.buf[HeaderSize : HeaderSize+len(body)]
	copy(m.Body, body)
	return nil
}
