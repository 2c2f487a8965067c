// Package cursor tracks how far a transfer has progressed so that partial socket reads and writes
// can resume where they stopped.
package cursor

import "github.com/cenkalti/piecepump/internal/fault"

// State of a transfer direction.
type State uint8

const (
	Idle State = iota
	Bitfield
	Piece
	Errored
)

var stateStrings = [...]string{"idle", "bitfield", "piece", "errored"}

func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return "unknown"
}

// Cursor is the position inside the payload currently in flight for one direction.
type Cursor struct {
	position uint32
	limit    uint32
	state    State
}

// Position returns the number of bytes already moved.
func (c *Cursor) Position() uint32 { return c.position }

// Limit returns the length of the payload in flight.
func (c *Cursor) Limit() uint32 { return c.limit }

// Remaining returns the number of bytes left to move.
func (c *Cursor) Remaining() uint32 { return c.limit - c.position }

// Done returns true if the whole payload is moved.
func (c *Cursor) Done() bool { return c.position == c.limit }

// State returns the current transfer state.
func (c *Cursor) State() State { return c.state }

// Begin starts a new payload of length limit. Position is reset to zero.
func (c *Cursor) Begin(s State, limit uint32) error {
	if c.state == Errored {
		return fault.Invariant("cursor: begin %s on errored direction", s)
	}
	if s == Idle || s == Errored {
		return fault.Invariant("cursor: cannot begin state %s", s)
	}
	c.state = s
	c.position = 0
	c.limit = limit
	return nil
}

// Adjust advances the position by n.
func (c *Cursor) Adjust(n uint32) error {
	if uint64(c.position)+uint64(n) > uint64(c.limit) {
		return fault.Invariant("cursor: position %d + %d overruns length %d", c.position, n, c.limit)
	}
	c.position += n
	return nil
}

// Set moves the position to pos.
func (c *Cursor) Set(pos uint32) error {
	if pos > c.limit {
		return fault.Invariant("cursor: position %d past length %d", pos, c.limit)
	}
	c.position = pos
	return nil
}

// Finish returns the cursor to Idle after a payload is complete.
func (c *Cursor) Finish() {
	if c.state == Errored {
		return
	}
	c.state = Idle
	c.position = 0
	c.limit = 0
}

// Fail forces the Errored state. It is permanent.
func (c *Cursor) Fail() {
	c.state = Errored
}
