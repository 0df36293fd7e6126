package audio

// Chunker re-blocks arbitrarily sized capture buffers into fixed-size chunks.
// Capture callbacks deliver whatever the platform hands over; the streaming
// engine wants stable ~200ms frames.
type Chunker struct {
	size int
	buf  []byte
}

func NewChunker(size int) *Chunker {
	return &Chunker{size: size}
}

// Push appends data and returns every completed chunk, oldest first.
// Returned chunks are freshly allocated and safe to retain.
func (c *Chunker) Push(data []byte) [][]byte {
	c.buf = append(c.buf, data...)
	var chunks [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		c.buf = c.buf[c.size:]
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Flush returns the trailing partial chunk, if any, and clears the buffer.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	tail := make([]byte, len(c.buf))
	copy(tail, c.buf)
	c.buf = c.buf[:0]
	return tail
}

func (c *Chunker) Reset() {
	c.buf = c.buf[:0]
}
