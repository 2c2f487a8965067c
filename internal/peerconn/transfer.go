package peerconn

import (
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/throttle"
)

// TransferStep moves at most one quota worth of bytes of the piece in flight in direction d.
//
// If the throttle has less than throttle.MinChunk bytes of quota the direction is removed from the
// poller and parked in the throttle, and Blocked is returned. Otherwise bytes are moved part by part
// until the budget is spent, the piece is complete or the socket accepts no more.
// Only the bytes that were actually moved are accounted, even if an error is returned.
func (c *Conn) TransferStep(d Direction) (Result, error) {
	s := c.side(d)
	res, err := c.transfer(s)
	if err != nil {
		return res, c.fail(s, err)
	}
	return res, nil
}

func (c *Conn) transfer(s *side) (Result, error) {
	if s.cursor.State() != cursor.Piece {
		return Blocked, fault.Invariant("%s: transfer in state %s", s.dir, s.cursor.State())
	}
	if !s.throttle.Contains(s) {
		return Blocked, fault.Invariant("%s: tried to transfer a piece but is not in throttle list", s.dir)
	}
	if s.handle == nil || !s.handle.Valid() {
		return Blocked, fault.Invariant("%s: no chunk mapped for piece %s", s.dir, s.piece)
	}
	ch := s.handle.Chunk()
	if s.dir == Down && !ch.IsWritable() {
		return Blocked, fault.Invariant("down: chunk %d not writable, permission denied", ch.Index())
	}
	if s.dir == Up && !ch.IsReadable() {
		return Blocked, fault.Invariant("up: chunk %d not readable, permission denied", ch.Index())
	}

	quota := int64(throttle.Unlimited)
	if !s.throttle.IsUnlimited() {
		quota = s.throttle.Quota()
	}
	if quota < 0 {
		return Blocked, fault.Invariant("%s: less-than zero quota: %d", s.dir, quota)
	}
	if quota < throttle.MinChunk {
		c.deactivate(s)
		s.throttle.Wait(s)
		c.log.Debugf("%s: blocked on quota (%d bytes)", s.dir, quota)
		return Blocked, nil
	}

	budget := s.cursor.Remaining()
	if quota < int64(budget) {
		budget = uint32(quota)
	}
	left := budget
	err := c.transferParts(s, ch, &left)
	c.account(s, budget-left)
	if err != nil {
		return InProgress, err
	}
	if s.cursor.Done() {
		return Completed, nil
	}
	return InProgress, nil
}

// transferParts walks the parts of ch starting at the cursor position and moves bytes until
// left is zero or the socket moves less than asked.
func (c *Conn) transferParts(s *side, ch *chunk.Chunk, left *uint32) error {
	i, ok := ch.FindAt(s.piece.Offset + s.cursor.Position())
	if !ok {
		return fault.Invariant("%s: position %d of piece %s is outside of chunk", s.dir, s.cursor.Position(), s.piece)
	}
	for {
		part, _ := ch.Part(i)
		full, err := c.transferPart(s, part, left)
		if err != nil {
			return err
		}
		if !full || *left == 0 {
			return nil
		}
		i++
		if _, ok = ch.Part(i); !ok {
			return fault.Invariant("%s: reached end of chunk part list", s.dir)
		}
	}
}

// transferPart moves bytes between one part and the socket. It returns true if every byte asked
// for is moved.
func (c *Conn) transferPart(s *side, part chunk.Part, left *uint32) (bool, error) {
	offset := s.piece.Offset + s.cursor.Position() - part.Position
	length := min(s.cursor.Remaining(), part.Size()-offset, *left)

	buf := part.Data[offset : offset+length]
	var n int
	var err error
	if s.dir == Down {
		n, err = c.socket.Read(buf)
	} else {
		n, err = c.socket.Write(buf)
	}
	if n < 0 || n > len(buf) {
		return false, fault.Invariant("%s: socket returned %d for %d bytes", s.dir, n, len(buf))
	}
	if aerr := s.cursor.Adjust(uint32(n)); aerr != nil {
		return false, aerr
	}
	*left -= uint32(n)
	if err != nil {
		return false, err
	}
	return uint32(n) == length, nil
}

// account records n transferred bytes in the rate trackers and the throttle.
func (c *Conn) account(s *side, n uint32) {
	if n == 0 {
		return
	}
	s.rate.Insert(int64(n))
	s.throttle.Used(int64(n))
	if s.dir == Down {
		c.download.DownRate().Insert(int64(n))
		c.receivedData = true
		c.stalls = 0
	} else {
		c.download.UpRate().Insert(int64(n))
	}
}

func (c *Conn) deactivate(s *side) {
	if s.dir == Down {
		c.poller.RemoveRead()
	} else {
		c.poller.RemoveWrite()
	}
}
