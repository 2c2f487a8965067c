package peerconn

import (
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/piece"
)

// Request queues p for download. Requesting a piece that is already queued does nothing.
// Returns true if p is added. A closed connection accepts no requests.
func (c *Conn) Request(p piece.Piece) bool {
	if c.closed || !c.requests.Add(p) {
		return false
	}
	if c.down.cursor.State() != cursor.Errored {
		c.poller.InsertRead()
	}
	return true
}

// CancelRequest removes p from the download queue. The piece currently being received is not
// affected since its bytes are already on the wire.
func (c *Conn) CancelRequest(p piece.Piece) bool {
	if c.down.cursor.State() == cursor.Piece && c.down.piece == p {
		return false
	}
	return c.requests.Remove(p)
}

// PeerRequests queues p for upload and registers for write readiness.
// Returns false if p is already queued or the connection is closed.
func (c *Conn) PeerRequests(p piece.Piece) bool {
	if c.closed || !c.sends.Add(p) {
		return false
	}
	if c.up.cursor.State() != cursor.Errored {
		c.poller.InsertWrite()
	}
	return true
}

// PeerCancels removes p from the upload queue. If p is being uploaded the cancel is ignored and
// the piece is sent in full.
func (c *Conn) PeerCancels(p piece.Piece) bool {
	headBusy := c.up.cursor.State() != cursor.Idle
	return c.sends.Remove(p, headBusy)
}

// CompleteSend pops the uploaded piece from the front of the send queue.
// The upload chunk is released when there is nothing left to send.
func (c *Conn) CompleteSend(p piece.Piece) error {
	s := &c.up
	front, ok := c.sends.Front()
	if !ok || front != p {
		return c.fail(s, fault.Invariant("finished piece %s is not at the front of the send queue", p))
	}
	c.sends.PopFront()
	s.cursor.Finish()
	if c.sends.Len() == 0 {
		c.releaseChunk(s)
	}
	return nil
}
