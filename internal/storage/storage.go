// Package storage contains the interfaces the transfer engine uses to reach piece data.
package storage

import (
	"io"

	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/piece"
)

// Storage is an interface for opening the data files of a torrent.
type Storage interface {
	Open(name string, size int64) (f File, exists bool, err error)
}

// File interface for reading/writing torrent data.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

// ChunkManager hands out mappings of whole pieces and tracks which pieces are complete.
type ChunkManager interface {
	// IsValidPiece returns true if p refers to an in-bounds range of an existing piece.
	IsValidPiece(p piece.Piece) bool
	// HasChunk returns true if the piece at index is complete and can be uploaded.
	HasChunk(index uint32) bool
	// AcquireChunk maps the piece at index. The returned error is a fault.StorageError.
	AcquireChunk(index uint32, mode chunk.Mode) (*chunk.Handle, error)
	// ReleaseChunk gives back a handle returned from AcquireChunk.
	ReleaseChunk(h *chunk.Handle)
	// Bitfield of complete pieces.
	Bitfield() *bitfield.BitField
}
