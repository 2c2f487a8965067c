// Package piece defines the descriptor of a byte range inside a torrent piece.
package piece

import "fmt"

const (
	// BlockSize is the length of a request that peers send for piece data.
	BlockSize = 16 * 1024
	// MaxRequestLength is the largest range a peer may ask for in one request.
	MaxRequestLength = 1 << 17
)

// Piece identifies Length bytes starting at Offset inside the piece at Index.
// It is a plain value; two descriptors are equal when all fields match.
type Piece struct {
	Index  uint32
	Offset uint32
	Length uint32
}

// New returns a descriptor for the given range.
func New(index, offset, length uint32) Piece {
	return Piece{Index: index, Offset: offset, Length: length}
}

// End returns the position right after the last byte in the range.
func (p Piece) End() uint32 {
	return p.Offset + p.Length
}

func (p Piece) String() string {
	return fmt.Sprintf("%d:%d+%d", p.Index, p.Offset, p.Length)
}

// Blocks splits the piece at index with length pieceLength into descriptors of blockSize.
// The last descriptor is shorter if pieceLength is not a multiple of blockSize.
func Blocks(index, pieceLength, blockSize uint32) []Piece {
	if blockSize == 0 {
		panic("zero block size")
	}
	div, mod := divMod32(pieceLength, blockSize)
	numBlocks := div
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]Piece, numBlocks)
	for j := uint32(0); j < div; j++ {
		blocks[j] = Piece{Index: index, Offset: j * blockSize, Length: blockSize}
	}
	if mod != 0 {
		blocks[numBlocks-1] = Piece{Index: index, Offset: div * blockSize, Length: mod}
	}
	return blocks
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
