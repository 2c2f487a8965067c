package peerconn

import (
	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/fault"
)

// Bitfield returns the pieces the peer has.
func (c *Conn) Bitfield() *bitfield.BitField { return c.bitfield }

// BeginBitfieldRead prepares to receive the peer's bitfield from the socket.
func (c *Conn) BeginBitfieldRead() error {
	s := &c.down
	if s.cursor.State() != cursor.Idle {
		return c.fail(s, fault.Invariant("begin bitfield read in state %s", s.cursor.State()))
	}
	if err := s.cursor.Begin(cursor.Bitfield, c.bitfield.SizeBytes()); err != nil {
		return c.fail(s, err)
	}
	return nil
}

// ReadBitfieldBody reads the rest of the bitfield from the socket.
// Returns true when the whole bitfield is received.
func (c *Conn) ReadBitfieldBody() (bool, error) {
	s := &c.down
	if s.cursor.State() != cursor.Bitfield {
		return false, c.fail(s, fault.Invariant("read bitfield body in state %s", s.cursor.State()))
	}
	buf := c.bitfield.Bytes()[s.cursor.Position():]
	n, err := c.socket.Read(buf)
	if n < 0 || n > len(buf) {
		return false, c.fail(s, fault.Invariant("socket returned %d for %d bytes", n, len(buf)))
	}
	if aerr := s.cursor.Adjust(uint32(n)); aerr != nil {
		return false, c.fail(s, aerr)
	}
	if err != nil {
		return false, c.fail(s, err)
	}
	return c.finishBitfieldRead()
}

// ReadBitfieldFromBuffer takes the part of a bitfield message of msgLength bytes that is already in buf.
// Returns true if buf contained the whole bitfield, otherwise the rest must be read with ReadBitfieldBody.
func (c *Conn) ReadBitfieldFromBuffer(buf *cursor.Buffer, msgLength uint32) (bool, error) {
	s := &c.down
	if msgLength != c.bitfield.SizeBytes() {
		return false, c.fail(s, fault.Protocol("received bitfield has wrong size: %d, expected %d", msgLength, c.bitfield.SizeBytes()))
	}
	if err := c.BeginBitfieldRead(); err != nil {
		return false, err
	}
	n := copy(c.bitfield.Bytes()[:msgLength], buf.Bytes())
	buf.Consume(n)
	if err := s.cursor.Set(uint32(n)); err != nil {
		return false, c.fail(s, err)
	}
	return c.finishBitfieldRead()
}

func (c *Conn) finishBitfieldRead() (bool, error) {
	s := &c.down
	if !s.cursor.Done() {
		return false, nil
	}
	if !c.bitfield.Validate() {
		return false, c.fail(s, fault.Protocol("received bitfield has spare bits set"))
	}
	s.cursor.Finish()
	c.log.Debugf("received bitfield: %d of %d pieces", c.bitfield.Count(), c.bitfield.Len())
	if c.onBitfield != nil {
		c.onBitfield(c.bitfield)
	}
	return true, nil
}

// BeginBitfieldWrite prepares to send our bitfield. The bitfield is copied so pieces completed
// while it is being sent do not change the bytes on the wire.
func (c *Conn) BeginBitfieldWrite() error {
	s := &c.up
	if s.cursor.State() != cursor.Idle {
		return c.fail(s, fault.Invariant("begin bitfield write in state %s", s.cursor.State()))
	}
	b := c.storage.Bitfield()
	c.ourBitfield = append(c.ourBitfield[:0], b.Bytes()...)
	if err := s.cursor.Begin(cursor.Bitfield, uint32(len(c.ourBitfield))); err != nil {
		return c.fail(s, err)
	}
	return nil
}

// WriteBitfieldBody writes the rest of our bitfield to the socket.
// Returns true when the whole bitfield is sent.
func (c *Conn) WriteBitfieldBody() (bool, error) {
	s := &c.up
	if s.cursor.State() != cursor.Bitfield {
		return false, c.fail(s, fault.Invariant("write bitfield body in state %s", s.cursor.State()))
	}
	buf := c.ourBitfield[s.cursor.Position():]
	n, err := c.socket.Write(buf)
	if n < 0 || n > len(buf) {
		return false, c.fail(s, fault.Invariant("socket returned %d for %d bytes", n, len(buf)))
	}
	if aerr := s.cursor.Adjust(uint32(n)); aerr != nil {
		return false, c.fail(s, aerr)
	}
	if err != nil {
		return false, c.fail(s, err)
	}
	if !s.cursor.Done() {
		return false, nil
	}
	s.cursor.Finish()
	c.log.Debugf("sent bitfield (%d bytes)", len(c.ourBitfield))
	return true, nil
}
