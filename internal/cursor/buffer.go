package cursor

// Buffer holds bytes received from the socket that are not consumed yet.
// Unconsumed bytes are between the read position and the end.
type Buffer struct {
	data []byte
	pos  int
	end  int
}

// NewBuffer returns a Buffer with capacity size.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Bytes returns the unconsumed bytes.
func (b *Buffer) Bytes() []byte { return b.data[b.pos:b.end] }

// Remaining returns the number of unconsumed bytes.
func (b *Buffer) Remaining() int { return b.end - b.pos }

// Free returns the space left at the end of the buffer.
func (b *Buffer) Free() int { return len(b.data) - b.end }

// Consume advances the read position by n.
func (b *Buffer) Consume(n int) {
	if n > b.Remaining() {
		panic("buffer: consume past end")
	}
	b.pos += n
}

// Fill calls read once with the free space at the end and keeps what it returns.
func (b *Buffer) Fill(read func([]byte) (int, error)) (int, error) {
	if b.Free() == 0 {
		return 0, nil
	}
	n, err := read(b.data[b.end:])
	if n > 0 {
		b.end += n
	}
	return n, err
}

// Write appends p to the buffer, as much as fits.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.end:], p)
	b.end += n
	return n, nil
}

// MoveUnused moves unconsumed bytes to the beginning of the buffer.
func (b *Buffer) MoveUnused() {
	n := copy(b.data, b.data[b.pos:b.end])
	b.pos = 0
	b.end = n
}

// Reset discards all bytes.
func (b *Buffer) Reset() {
	b.pos = 0
	b.end = 0
}
