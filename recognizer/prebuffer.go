package recognizer

import "murmur/audio"

// prebufferWindowMs bounds how much audio is held back while the transport
// is still negotiating. Older audio slides out whole chunks at a time.
const prebufferWindowMs = 2000

func prebufferCapacity() int {
	return (prebufferWindowMs + audio.ChunkMs - 1) / audio.ChunkMs
}

// prebuffer is a bounded FIFO of audio chunks. Not self-locking: the session
// mutex guards every call, push and drain may come from different goroutines.
type prebuffer struct {
	chunks   [][]byte
	capacity int
	dropped  int
}

func newPrebuffer(capacity int) *prebuffer {
	return &prebuffer{capacity: capacity}
}

// push appends one chunk, evicting the oldest when full. Never blocks,
// never fails.
func (p *prebuffer) push(chunk []byte) {
	if len(p.chunks) >= p.capacity {
		p.chunks = p.chunks[1:]
		p.dropped++
	}
	p.chunks = append(p.chunks, chunk)
}

// drainAll returns the buffered chunks in arrival order and clears the buffer.
func (p *prebuffer) drainAll() [][]byte {
	out := p.chunks
	p.chunks = nil
	return out
}

func (p *prebuffer) len() int { return len(p.chunks) }
