package peerconn

import (
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/piece"
)

// loadChunk makes sure s holds the chunk of piece index.
// Holding the same index already is a no-op; a different one is released first.
func (c *Conn) loadChunk(s *side, index uint32, mode chunk.Mode) error {
	if s.handle != nil && s.handle.Valid() && s.handle.Index() == index {
		return nil
	}
	c.releaseChunk(s)
	h, err := c.storage.AcquireChunk(index, mode)
	if err != nil {
		if !fault.IsStorage(err) {
			err = fault.Storage(err, "could not map piece %d", index)
		}
		return err
	}
	if h == nil || !h.Valid() {
		return fault.Storage(nil, "could not create a valid chunk for piece %d", index)
	}
	s.handle = h
	c.log.Debugf("%s: acquired %s", s.dir, h.Chunk())
	return nil
}

func (c *Conn) releaseChunk(s *side) {
	if s.handle == nil {
		return
	}
	c.log.Debugf("%s: releasing chunk %d", s.dir, s.handle.Index())
	c.storage.ReleaseChunk(s.handle)
	s.handle = nil
}

// BeginDownload starts receiving the payload of p. The piece must have been validated when it
// was requested, so an invalid piece here is an internal error.
func (c *Conn) BeginDownload(p piece.Piece) error {
	s := &c.down
	if s.cursor.State() != cursor.Idle {
		return c.fail(s, fault.Invariant("begin download of %s in state %s", p, s.cursor.State()))
	}
	if !c.storage.IsValidPiece(p) {
		return c.fail(s, fault.Invariant("incoming pieces list contains a bad piece: %s", p))
	}
	s.piece = p
	if err := c.loadChunk(s, p.Index, chunk.ReadWrite); err != nil {
		return c.fail(s, err)
	}
	if err := s.cursor.Begin(cursor.Piece, p.Length); err != nil {
		return c.fail(s, err)
	}
	c.log.Debugf("receiving piece %s", p)
	return nil
}

// PrepareUpload starts sending the piece at the front of the send queue.
// The peer is at fault if the piece is invalid or not complete on our side.
func (c *Conn) PrepareUpload() (piece.Piece, error) {
	s := &c.up
	p, ok := c.sends.Front()
	if !ok {
		return p, c.fail(s, fault.Invariant("prepare upload with empty send queue"))
	}
	if s.cursor.State() != cursor.Idle {
		return p, c.fail(s, fault.Invariant("prepare upload of %s in state %s", p, s.cursor.State()))
	}
	if !c.storage.IsValidPiece(p) || !c.storage.HasChunk(p.Index) {
		return p, c.fail(s, fault.Protocol("peer requested a piece with invalid index or length/offset: %s", p))
	}
	s.piece = p
	if err := c.loadChunk(s, p.Index, chunk.Read); err != nil {
		return p, c.fail(s, err)
	}
	if err := s.cursor.Begin(cursor.Piece, p.Length); err != nil {
		return p, c.fail(s, err)
	}
	c.log.Debugf("sending piece %s", p)
	return p, nil
}
