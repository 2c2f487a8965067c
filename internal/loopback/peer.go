package loopback

import (
	"encoding/binary"

	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/chunkstore"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/download"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/logger"
	"github.com/cenkalti/piecepump/internal/peerconn"
	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/reactor"
	"github.com/cenkalti/piecepump/internal/socket"
	"github.com/cenkalti/piecepump/internal/throttle"
)

const (
	// length prefix and message id
	headerLength = 5
	idBitfield   = 5
)

// peer is one end of the socket pair. It implements reactor.Handler.
type peer struct {
	s        *Session
	name     string
	log      logger.Logger
	sock     *socket.Socket
	reg      *reactor.Registration
	store    *chunkstore.Store
	download *download.Download
	conn     *peerconn.Conn

	downThrottle *throttle.Throttle
	upThrottle   *throttle.Throttle

	// Outgoing bitfield header, written before the body.
	headerOut     []byte
	headerWritten int
	// Incoming bitfield message header and the bytes that follow it in the same read.
	headerIn   *cursor.Buffer
	gotHeader  bool
	handshaken bool
}

var _ reactor.Handler = (*peer)(nil)

func newPeer(s *Session, name string, sock *socket.Socket, store *chunkstore.Store, d *download.Download) *peer {
	r := s.metrics.registry
	p := &peer{
		s:        s,
		name:     name,
		log:      logger.New(name),
		sock:     sock,
		store:    store,
		download: d,
		downThrottle: throttle.New(name+".download", throttle.Options{
			Rate:     int64(s.config.PeerDownloadLimit.Bytes()),
			Parent:   s.globalDown,
			Registry: r,
		}),
		upThrottle: throttle.New(name+".upload", throttle.Options{
			Rate:     int64(s.config.PeerUploadLimit.Bytes()),
			Parent:   s.globalUp,
			Registry: r,
		}),
	}
	p.reg = s.reactor.Register(sock.Fd(), p)
	return p
}

func (p *peer) connOptions(onDownload func(piece.Piece), onBitfield func()) peerconn.Options {
	o := peerconn.Options{
		Name:         p.name,
		Socket:       p.sock,
		Poller:       p.reg,
		Storage:      p.store,
		Download:     p.download,
		DownThrottle: p.downThrottle,
		UpThrottle:   p.upThrottle,
		Debug:        p.s.config.Debug,
		OnPiece: func(d peerconn.Direction, pc piece.Piece) {
			if d == peerconn.Down {
				onDownload(pc)
			} else {
				p.s.onSeedPiece(pc)
			}
		},
	}
	if onBitfield != nil {
		o.OnBitfield = func(*bitfield.BitField) { onBitfield() }
	}
	return o
}

// startBitfieldWrite queues our bitfield message.
func (p *peer) startBitfieldWrite() {
	p.headerOut = make([]byte, headerLength)
	binary.BigEndian.PutUint32(p.headerOut, 1+p.store.Bitfield().SizeBytes())
	p.headerOut[4] = idBitfield
	p.reg.InsertWrite()
}

// startBitfieldRead waits for the peer's bitfield message.
// The buffer never holds more than the message so payload bytes after it stay in the socket.
func (p *peer) startBitfieldRead() {
	p.headerIn = cursor.NewBuffer(headerLength + int(p.conn.Bitfield().SizeBytes()))
	p.reg.InsertRead()
}

func (p *peer) ReadReady() error {
	if p.headerIn != nil && !p.gotHeader {
		return p.readHeader()
	}
	return p.conn.ReadReady()
}

func (p *peer) readHeader() error {
	if _, err := p.headerIn.Fill(p.sock.Read); err != nil {
		return err
	}
	if p.headerIn.Remaining() < headerLength {
		return nil
	}
	b := p.headerIn.Bytes()
	length := binary.BigEndian.Uint32(b[:4])
	if length == 0 || b[4] != idBitfield {
		return fault.Protocol("expected bitfield message, got id %d", b[4])
	}
	p.headerIn.Consume(headerLength)
	p.gotHeader = true
	_, err := p.conn.ReadBitfieldFromBuffer(p.headerIn, length-1)
	return err
}

func (p *peer) WriteReady() error {
	if p.headerOut != nil && p.headerWritten < len(p.headerOut) {
		n, err := p.sock.Write(p.headerOut[p.headerWritten:])
		p.headerWritten += n
		if err != nil {
			return err
		}
		if p.headerWritten < len(p.headerOut) {
			return nil
		}
		if err = p.conn.BeginBitfieldWrite(); err != nil {
			return err
		}
	}
	return p.conn.WriteReady()
}

func (p *peer) Failed(err error) {
	p.reg.Unregister()
	if fault.IsInvariant(err) {
		p.log.Errorf("connection failed: %s", err)
	} else {
		p.log.Warningf("connection failed: %s", err)
	}
	p.s.finish(err)
}

func (p *peer) close() []piece.Piece {
	p.reg.Unregister()
	cancelled := p.conn.Close()
	if err := p.sock.Close(); err != nil {
		p.log.Debugf("cannot close socket: %s", err)
	}
	return cancelled
}

func (p *peer) closeThrottles() {
	p.downThrottle.Close()
	p.upThrottle.Close()
}
