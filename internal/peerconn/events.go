package peerconn

import (
	"github.com/cenkalti/piecepump/internal/cursor"
)

// ReadReady is called by the event loop when the socket is readable.
// It continues the payload in flight or starts receiving the next requested piece.
// The read side is removed from the poller when there is nothing requested.
func (c *Conn) ReadReady() error {
	s := &c.down
	switch s.cursor.State() {
	case cursor.Errored:
		c.poller.RemoveRead()
		return nil
	case cursor.Bitfield:
		_, err := c.ReadBitfieldBody()
		return err
	case cursor.Idle:
		p, ok := c.requests.Front()
		if !ok {
			c.releaseChunk(s)
			c.poller.RemoveRead()
			return nil
		}
		if err := c.BeginDownload(p); err != nil {
			return err
		}
	}
	res, err := c.TransferStep(Down)
	if err != nil || res != Completed {
		return err
	}
	p := s.piece
	c.requests.Remove(p)
	s.cursor.Finish()
	c.log.Debugf("received piece %s", p)
	if c.onPiece != nil {
		c.onPiece(Down, p)
	}
	return nil
}

// WriteReady is called by the event loop when the socket is writable.
// It continues the payload in flight or starts sending the piece at the front of the send queue.
// The write side is removed from the poller when the send queue is empty.
func (c *Conn) WriteReady() error {
	s := &c.up
	switch s.cursor.State() {
	case cursor.Errored:
		c.poller.RemoveWrite()
		return nil
	case cursor.Bitfield:
		_, err := c.WriteBitfieldBody()
		return err
	case cursor.Idle:
		if c.sends.Len() == 0 {
			c.releaseChunk(s)
			c.poller.RemoveWrite()
			return nil
		}
		if _, err := c.PrepareUpload(); err != nil {
			return err
		}
	}
	res, err := c.TransferStep(Up)
	if err != nil || res != Completed {
		return err
	}
	p := s.piece
	if err = c.CompleteSend(p); err != nil {
		return err
	}
	c.log.Debugf("sent piece %s", p)
	if c.onPiece != nil {
		c.onPiece(Up, p)
	}
	return nil
}
