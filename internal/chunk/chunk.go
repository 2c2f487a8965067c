// Package chunk describes the mapped storage region that backs one piece.
//
// Storage may split a piece across file boundaries, so a Chunk is an ordered list of Parts.
// Parts are laid out back to back starting at position 0; there are no gaps or overlaps.
package chunk

import "fmt"

// Mode is the access permission of a mapping.
type Mode uint8

const (
	Read Mode = 1 << iota
	Write

	ReadWrite = Read | Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "r"
	case Write:
		return "w"
	case ReadWrite:
		return "rw"
	default:
		return "-"
	}
}

// Part is one contiguous region of a Chunk.
type Part struct {
	// Position of the first byte of Data inside the piece.
	Position uint32
	Data     []byte
	mode     Mode
}

// Size of the part in bytes.
func (p Part) Size() uint32 { return uint32(len(p.Data)) }

// End returns the position right after the last byte of the part.
func (p Part) End() uint32 { return p.Position + p.Size() }

// Readable returns true if bytes may be read from the part.
func (p Part) Readable() bool { return p.mode&Read != 0 }

// Writable returns true if bytes may be written to the part.
func (p Part) Writable() bool { return p.mode&Write != 0 }

// Chunk is the full mapping of one piece.
type Chunk struct {
	index uint32
	mode  Mode
	size  uint32
	parts []Part
}

// New returns a Chunk of piece index made of regions in order.
// Empty regions are skipped.
func New(index uint32, mode Mode, regions ...[]byte) *Chunk {
	c := &Chunk{index: index, mode: mode, parts: make([]Part, 0, len(regions))}
	for _, r := range regions {
		if len(r) == 0 {
			continue
		}
		c.parts = append(c.parts, Part{Position: c.size, Data: r, mode: mode})
		c.size += uint32(len(r))
	}
	return c
}

// Index of the piece.
func (c *Chunk) Index() uint32 { return c.index }

// Mode of the mapping.
func (c *Chunk) Mode() Mode { return c.mode }

// Size is the sum of part sizes.
func (c *Chunk) Size() uint32 { return c.size }

// Len returns the number of parts.
func (c *Chunk) Len() int { return len(c.parts) }

// IsReadable returns true if the chunk is mapped for reading.
func (c *Chunk) IsReadable() bool { return c.mode&Read != 0 }

// IsWritable returns true if the chunk is mapped for writing.
func (c *Chunk) IsWritable() bool { return c.mode&Write != 0 }

// Part returns the part at i. The second value is false if i is past the last part.
func (c *Chunk) Part(i int) (Part, bool) {
	if i < 0 || i >= len(c.parts) {
		return Part{}, false
	}
	return c.parts[i], true
}

// FindAt returns the index of the part containing position pos.
func (c *Chunk) FindAt(pos uint32) (int, bool) {
	if pos >= c.size {
		return 0, false
	}
	lo, hi := 0, len(c.parts)
	for lo < hi {
		mid := (lo + hi) / 2
		if c.parts[mid].End() <= pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, true
}

// Parts calls fn for each part in ascending position until fn returns false.
func (c *Chunk) Parts(fn func(Part) bool) {
	for _, p := range c.parts {
		if !fn(p) {
			return
		}
	}
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk(%d %s %d bytes in %d parts)", c.index, c.mode, c.size, len(c.parts))
}
