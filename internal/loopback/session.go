// Package loopback runs a seeder and a leecher in one process and moves every piece of a
// directory from one to the other over a Unix socket pair.
//
// Both ends are peer connections driven by the same reactor. Only the bitfield message travels
// with its header; requests are handed to the seeder directly, so the byte stream after the
// bitfield is the raw payload of requested blocks in request order.
package loopback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/uuid"

	"github.com/cenkalti/piecepump/internal/chunkstore"
	"github.com/cenkalti/piecepump/internal/download"
	"github.com/cenkalti/piecepump/internal/logger"
	"github.com/cenkalti/piecepump/internal/peerconn"
	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/reactor"
	"github.com/cenkalti/piecepump/internal/socket"
	"github.com/cenkalti/piecepump/internal/storage/filestorage"
	"github.com/cenkalti/piecepump/internal/throttle"
)

var errNothingToTransfer = errors.New("source directory has no data")

// Session copies the files of a source directory to a destination directory through two peer connections.
type Session struct {
	id      string
	config  Config
	log     logger.Logger
	metrics *sessionMetrics

	seedStore  *chunkstore.Store
	leechStore *chunkstore.Store

	download     *download.Download
	seedDownload *download.Download

	globalDown *throttle.Throttle
	globalUp   *throttle.Throttle

	seed  *peer
	leech *peer

	reactor *reactor.Reactor

	// Blocks of missing pieces in request order.
	blocks []piece.Piece
	// Index of the next block to request.
	next int
	// Bytes received per piece.
	received map[uint32]uint32

	lastStall time.Time
	createdAt time.Time

	closeOnce sync.Once
	err       error
	doneC     chan struct{}
}

// Stats of a finished session.
type Stats struct {
	ID         string
	Files      int
	Pieces     uint32
	Bytes      int64
	Elapsed    string
	Downloaded int64
	Uploaded   int64
	Leech      peerconn.Stats
	Seed       peerconn.Stats
	Metrics    map[string]int64
}

// New prepares a session that copies files under src to dst. Destination files are created
// or truncated to the length of their source.
func New(cfg Config, src, dst string) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	u1, err := uuid.NewV1()
	if err != nil {
		return nil, err
	}
	id := base64.RawURLEncoding.EncodeToString(u1[:])
	s := &Session{
		id:           id,
		config:       cfg,
		log:          logger.New("session " + id),
		download:     download.New(nil),
		seedDownload: download.New(nil),
		received:     make(map[uint32]uint32),
		createdAt:    time.Now(),
		doneC:        make(chan struct{}),
	}
	files, err := listFiles(src)
	if err != nil {
		return nil, err
	}
	if err = s.openStores(files, src, dst); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.closeStores()
		}
	}()
	s.initMetrics()
	s.initThrottles()
	s.reactor, err = reactor.New(logger.New("reactor"), cfg.ThrottleTick)
	if err != nil {
		s.closeThrottles()
		return nil, err
	}
	if err = s.connect(); err != nil {
		s.reactor.Close()
		s.closeThrottles()
		return nil, err
	}
	s.initBlocks()
	s.reactor.OnTick(s.tick)
	return s, nil
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string { return s.id }

func listFiles(root string) ([]chunkstore.FileInfo, error) {
	var files []chunkstore.FileInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, chunkstore.FileInfo{Path: rel, Length: fi.Size()})
		return nil
	})
	return files, err
}

func (s *Session) openStores(files []chunkstore.FileInfo, src, dst string) error {
	pieceLength := uint32(s.config.PieceLength.Bytes())
	srcStorage, err := filestorage.New(src)
	if err != nil {
		return err
	}
	dstStorage, err := filestorage.New(dst)
	if err != nil {
		return err
	}
	s.seedStore, err = chunkstore.New(srcStorage, files, pieceLength, logger.New("seed storage"))
	if err != nil {
		return err
	}
	if s.seedStore.NumPieces() == 0 {
		s.seedStore.Close()
		return errNothingToTransfer
	}
	s.seedStore.MarkAll()
	s.leechStore, err = chunkstore.New(dstStorage, files, pieceLength, logger.New("leech storage"))
	if err != nil {
		s.seedStore.Close()
		return err
	}
	s.log.Infof("%d files, %d pieces, %s", len(files), s.seedStore.NumPieces(), humanize.IBytes(uint64(s.seedStore.TotalLength())))
	return nil
}

func (s *Session) closeStores() {
	if err := s.leechStore.Close(); err != nil {
		s.log.Errorf("cannot close destination files: %s", err)
	}
	if err := s.seedStore.Close(); err != nil {
		s.log.Errorf("cannot close source files: %s", err)
	}
}

func (s *Session) initThrottles() {
	r := s.metrics.registry
	s.globalDown = throttle.New("download", throttle.Options{Rate: int64(s.config.DownloadLimit.Bytes()), Registry: r})
	s.globalUp = throttle.New("upload", throttle.Options{Rate: int64(s.config.UploadLimit.Bytes()), Registry: r})
}

func (s *Session) closeThrottles() {
	for _, p := range []*peer{s.leech, s.seed} {
		if p != nil {
			p.closeThrottles()
		}
	}
	s.globalDown.Close()
	s.globalUp.Close()
}

func (s *Session) connect() error {
	a, b, err := socket.Pair()
	if err != nil {
		return err
	}
	s.seed = newPeer(s, "seed", a, s.seedStore, s.seedDownload)
	s.leech = newPeer(s, "leech", b, s.leechStore, s.download)
	s.leech.conn = peerconn.New(s.leech.connOptions(s.onLeechPiece, s.onBitfield))
	s.seed.conn = peerconn.New(s.seed.connOptions(s.onSeedPiece, nil))
	s.leech.startBitfieldRead()
	s.seed.startBitfieldWrite()
	return nil
}

// initBlocks splits every piece the leecher is missing into request sized blocks.
func (s *Session) initBlocks() {
	blockSize := uint32(s.config.BlockSize.Bytes())
	bf := s.leechStore.Bitfield()
	for i := uint32(0); i < s.leechStore.NumPieces(); i++ {
		if bf.Test(i) {
			continue
		}
		s.blocks = append(s.blocks, piece.Blocks(i, s.leechStore.PieceLength(i), blockSize)...)
	}
}

// Run transfers all pieces and returns when the destination is complete, a connection fails
// or ctx is cancelled.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	runErrC := make(chan error, 1)
	go func() { runErrC <- s.reactor.Run() }()

	var err error
	select {
	case <-s.doneC:
		err = s.err
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-runErrC:
		if err == nil {
			err = errors.New("reactor stopped")
		}
	}
	s.reactor.Close()

	stats := s.stats()
	s.close()
	if err != nil {
		return stats, err
	}
	elapsed := time.Since(s.createdAt)
	s.log.Infof("transferred %s in %s (%s/s)",
		humanize.IBytes(uint64(stats.Downloaded)),
		elapsed.Truncate(time.Millisecond),
		humanize.IBytes(uint64(float64(stats.Downloaded)/elapsed.Seconds())))
	return stats, nil
}

func (s *Session) stats() Stats {
	return Stats{
		ID:         s.id,
		Files:      s.leechStore.NumFiles(),
		Pieces:     s.leechStore.NumPieces(),
		Bytes:      s.leechStore.TotalLength(),
		Elapsed:    time.Since(s.createdAt).Truncate(time.Millisecond).String(),
		Downloaded: s.download.DownRate().Total(),
		Uploaded:   s.seedDownload.UpRate().Total(),
		Leech:      s.leech.conn.Stats(),
		Seed:       s.seed.conn.Stats(),
		Metrics:    s.metrics.snapshot(),
	}
}

func (s *Session) close() {
	for _, p := range []*peer{s.leech, s.seed} {
		if cancelled := p.close(); len(cancelled) > 0 {
			s.log.Debugf("%s: %d requests cancelled", p.name, len(cancelled))
		}
	}
	s.closeThrottles()
	s.closeStores()
	if s.config.Debug {
		m := s.metrics.snapshot()
		for _, name := range sortedNames(m) {
			s.log.Debugf("metric %s = %d", name, m[name])
		}
	}
}

// finish stops the session. Only the first call has an effect.
func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.doneC)
	})
}

// fillPipeline requests blocks until the leecher's pipeline is full.
func (s *Session) fillPipeline() {
	c := s.leech.conn
	for s.next < len(s.blocks) && c.ShouldRequest() && uint32(len(c.Requests())) < c.PipeSize() {
		b := s.blocks[s.next]
		s.next++
		if !c.Bitfield().Test(b.Index) {
			s.log.Warningf("seeder does not have piece %d", b.Index)
			continue
		}
		if !s.leechStore.IsValidPiece(b) {
			s.finish(fmt.Errorf("invalid block: %s", b))
			return
		}
		c.Request(b)
		s.seed.conn.PeerRequests(b)
	}
	if s.next == len(s.blocks) && !s.download.Endgame() {
		s.log.Debugln("all blocks are requested, entering endgame")
		s.download.SetEndgame(true)
	}
}

func (s *Session) onBitfield() {
	s.log.Debugf("seeder has %d of %d pieces", s.leech.conn.Bitfield().Count(), s.leechStore.NumPieces())
	s.fillPipeline()
	s.checkComplete()
}

func (s *Session) onLeechPiece(p piece.Piece) {
	s.metrics.BlocksReceived.Inc(1)
	s.received[p.Index] += p.Length
	if length := s.leechStore.PieceLength(p.Index); s.received[p.Index] == length {
		delete(s.received, p.Index)
		s.leechStore.MarkComplete(p.Index)
		s.seed.conn.PeerHasPiece(length)
		s.log.Debugf("piece %d is complete", p.Index)
	}
	s.fillPipeline()
	s.checkComplete()
}

func (s *Session) onSeedPiece(p piece.Piece) {
	s.metrics.BlocksSent.Inc(1)
}

func (s *Session) checkComplete() {
	if s.leechStore.Complete() {
		s.finish(nil)
	}
}

// tick runs in the reactor goroutine.
func (s *Session) tick() {
	s.globalDown.Tick()
	s.globalUp.Tick()
	now := time.Now()
	if now.Sub(s.lastStall) < s.config.StallTick {
		return
	}
	s.lastStall = now
	before := s.leech.conn.Stalls()
	s.leech.conn.TickStall()
	if s.leech.conn.Stalls() > before {
		s.metrics.Stalls.Inc(1)
	}
	// Stalled pipelines may request again when the rate drops.
	s.fillPipeline()
	bf := s.leechStore.Bitfield()
	s.log.Infof("%d/%d pieces, down %s/s, up %s/s, pipeline %d",
		bf.Count(), bf.Len(),
		humanize.IBytes(uint64(s.download.DownRate().Rate())),
		humanize.IBytes(uint64(s.seedDownload.UpRate().Rate())),
		s.leech.conn.PipeSize())
}
