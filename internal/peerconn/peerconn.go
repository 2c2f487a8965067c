// Package peerconn moves piece payloads between mapped storage and a peer socket.
//
// A Conn is driven by an event loop: the loop calls ReadReady and WriteReady when the socket is ready,
// and the connection asks the poller to stop notifying it when there is nothing to do or when the
// bandwidth quota is exhausted. Every call does a bounded amount of work and never blocks.
// Progress inside a piece is kept in a cursor so a short read or write resumes where it stopped.
package peerconn

import (
	"time"

	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/logger"
	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/piecequeue"
	"github.com/cenkalti/piecepump/internal/ratetracker"
	"github.com/cenkalti/piecepump/internal/storage"
	"github.com/cenkalti/piecepump/internal/throttle"
)

const (
	// Rate of each direction is averaged over this span.
	directionRateSpan = 30 * time.Second
	// Rate of the peer's own download, estimated from its have messages.
	peerRateSpan = 600 * time.Second
)

// Direction of a transfer.
type Direction uint8

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Result of a TransferStep call.
type Result uint8

const (
	// Blocked means there was not enough quota; the direction is removed from the poller
	// until the throttle activates it again.
	Blocked Result = iota
	// InProgress means some bytes may have been moved but the piece is not complete.
	InProgress
	// Completed means the last byte of the piece is moved.
	Completed
)

var resultStrings = [...]string{"blocked", "in progress", "completed"}

func (r Result) String() string {
	if int(r) < len(resultStrings) {
		return resultStrings[r]
	}
	return "unknown"
}

// Socket is a non-blocking byte stream. Read and Write may move fewer bytes than asked, including zero.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Poller delivers readiness notifications of the connection's socket.
type Poller interface {
	InsertRead()
	RemoveRead()
	InsertWrite()
	RemoveWrite()
}

// Download is the parent download of the connection.
type Download interface {
	Endgame() bool
	DownRate() *ratetracker.Tracker
	UpRate() *ratetracker.Tracker
}

// Options for New.
type Options struct {
	// Name is used in log messages.
	Name     string
	Socket   Socket
	Poller   Poller
	Storage  storage.ChunkManager
	Download Download
	// Quota sources for each direction. They may be shared between connections.
	DownThrottle *throttle.Throttle
	UpThrottle   *throttle.Throttle
	// Time source of rate trackers. Defaults to time.Now.
	Clock func() time.Time
	// Panic on internal errors instead of returning them.
	Debug bool
	// Called after a piece is fully received or sent.
	OnPiece func(d Direction, p piece.Piece)
	// Called after the peer's bitfield is fully received.
	OnBitfield func(b *bitfield.BitField)
}

// side is the state of one transfer direction.
type side struct {
	conn     *Conn
	dir      Direction
	cursor   cursor.Cursor
	piece    piece.Piece
	handle   *chunk.Handle
	throttle *throttle.Throttle
	rate     *ratetracker.Tracker
}

var _ throttle.Node = (*side)(nil)

// ActivateThrottle implements throttle.Node. The direction is registered with the poller again.
func (s *side) ActivateThrottle() {
	if s.cursor.State() == cursor.Errored {
		return
	}
	if s.dir == Down {
		s.conn.poller.InsertRead()
	} else {
		s.conn.poller.InsertWrite()
	}
}

// Conn is the transfer engine of one peer connection.
type Conn struct {
	name       string
	socket     Socket
	poller     Poller
	storage    storage.ChunkManager
	download   Download
	debug      bool
	onPiece    func(Direction, piece.Piece)
	onBitfield func(*bitfield.BitField)
	log        logger.Logger

	down side
	up   side

	requests *piecequeue.RequestQueue
	sends    *piecequeue.SendQueue

	// Bitfield received from the peer.
	bitfield *bitfield.BitField
	peerRate *ratetracker.Tracker
	// Copy of our bitfield while it is being sent.
	ourBitfield []byte

	// Number of consecutive stall ticks without receiving data.
	stalls       uint32
	receivedData bool

	closed bool
}

// New returns a new Conn. Both directions are inserted into their throttles.
func New(o Options) *Conn {
	now := o.Clock
	if now == nil {
		now = time.Now
	}
	c := &Conn{
		name:       o.Name,
		socket:     o.Socket,
		poller:     o.Poller,
		storage:    o.Storage,
		download:   o.Download,
		debug:      o.Debug,
		onPiece:    o.OnPiece,
		onBitfield: o.OnBitfield,
		log:        logger.New("peer " + o.Name),
		requests:   piecequeue.NewRequestQueue(),
		sends:      piecequeue.NewSendQueue(),
		bitfield:   bitfield.New(o.Storage.Bitfield().Len()),
		peerRate:   ratetracker.NewWithClock(peerRateSpan, now),
	}
	c.down = side{conn: c, dir: Down, throttle: o.DownThrottle, rate: ratetracker.NewWithClock(directionRateSpan, now)}
	c.up = side{conn: c, dir: Up, throttle: o.UpThrottle, rate: ratetracker.NewWithClock(directionRateSpan, now)}
	c.down.throttle.Insert(&c.down)
	c.up.throttle.Insert(&c.up)
	return c
}

func (c *Conn) String() string { return c.name }

func (c *Conn) side(d Direction) *side {
	if d == Down {
		return &c.down
	}
	return &c.up
}

// State returns the transfer state of direction d.
func (c *Conn) State(d Direction) cursor.State { return c.side(d).cursor.State() }

// Position returns the number of bytes moved for the payload in flight in direction d.
func (c *Conn) Position(d Direction) uint32 { return c.side(d).cursor.Position() }

// CurrentPiece returns the piece in flight in direction d. Only meaningful while the state is cursor.Piece.
func (c *Conn) CurrentPiece(d Direction) piece.Piece { return c.side(d).piece }

// Chunk returns the handle held for direction d, or nil.
func (c *Conn) Chunk(d Direction) *chunk.Handle { return c.side(d).handle }

// DownRate is the receive rate of this connection.
func (c *Conn) DownRate() *ratetracker.Tracker { return c.down.rate }

// UpRate is the send rate of this connection.
func (c *Conn) UpRate() *ratetracker.Tracker { return c.up.rate }

// PeerRate is the download rate of the peer, estimated from pieces it announces.
func (c *Conn) PeerRate() *ratetracker.Tracker { return c.peerRate }

// PeerHasPiece records that the peer completed a piece of length bytes.
func (c *Conn) PeerHasPiece(length uint32) {
	c.peerRate.Insert(int64(length))
}

// Requests returns pieces requested from the peer and not received yet.
func (c *Conn) Requests() []piece.Piece { return c.requests.Pieces() }

// Sends returns pieces the peer requested and are not sent yet.
func (c *Conn) Sends() []piece.Piece { return c.sends.Pieces() }

// Stats of the connection.
type Stats struct {
	DownState string
	UpState   string
	DownRate  uint32
	UpRate    uint32
	PeerRate  uint32
	Requests  int
	Sends     int
	Stalls    uint32
}

// Stats returns a snapshot of connection statistics.
func (c *Conn) Stats() Stats {
	return Stats{
		DownState: c.down.cursor.State().String(),
		UpState:   c.up.cursor.State().String(),
		DownRate:  c.down.rate.Rate(),
		UpRate:    c.up.rate.Rate(),
		PeerRate:  c.peerRate.Rate(),
		Requests:  c.requests.Len(),
		Sends:     c.sends.Len(),
		Stalls:    c.stalls,
	}
}

// Close releases held chunks, leaves the throttles and the poller and cancels all requests.
// Cancelled requests are returned so they can be requested from other peers.
// Both directions are left in the errored state.
func (c *Conn) Close() []piece.Piece {
	if c.closed {
		return nil
	}
	c.closed = true
	c.releaseChunk(&c.down)
	c.releaseChunk(&c.up)
	cancelled := c.requests.Clear()
	c.sends.Clear()
	c.down.throttle.Erase(&c.down)
	c.up.throttle.Erase(&c.up)
	c.poller.RemoveRead()
	c.poller.RemoveWrite()
	c.down.cursor.Fail()
	c.up.cursor.Fail()
	c.log.Debugf("closed with %d requests cancelled", len(cancelled))
	return cancelled
}

// fail puts the direction into the errored state and returns err.
// Storage errors only abort the piece in flight.
func (c *Conn) fail(s *side, err error) error {
	if fault.IsStorage(err) {
		c.releaseChunk(s)
		s.cursor.Finish()
		c.log.Warningf("%s: aborted piece %s: %s", s.dir, s.piece, err)
		return err
	}
	s.cursor.Fail()
	if fault.IsInvariant(err) {
		c.log.Errorf("%s: %s", s.dir, err)
		if c.debug {
			panic(err)
		}
	} else {
		c.log.Debugf("%s: %s", s.dir, err)
	}
	return err
}
