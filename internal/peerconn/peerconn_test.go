package peerconn

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/cursor"
	"github.com/cenkalti/piecepump/internal/download"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/throttle"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type mockPoller struct{ mock.Mock }

func (m *mockPoller) InsertRead()  { m.Called() }
func (m *mockPoller) RemoveRead()  { m.Called() }
func (m *mockPoller) InsertWrite() { m.Called() }
func (m *mockPoller) RemoveWrite() { m.Called() }

func newMockPoller() *mockPoller {
	p := new(mockPoller)
	p.On("InsertRead").Maybe()
	p.On("RemoveRead").Maybe()
	p.On("InsertWrite").Maybe()
	p.On("RemoveWrite").Maybe()
	return p
}

// fakeSocket moves at most limit bytes per call. Zero limit means no limit.
type fakeSocket struct {
	in    []byte
	out   bytes.Buffer
	limit int
	err   error
}

func (s *fakeSocket) clamp(n int) int {
	if s.limit > 0 && n > s.limit {
		return s.limit
	}
	return n
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if len(s.in) == 0 {
		return 0, s.err
	}
	n := copy(p[:s.clamp(len(p))], s.in)
	s.in = s.in[n:]
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := s.clamp(len(p))
	s.out.Write(p[:n])
	return n, nil
}

// fakeStorage serves pieces made of fixed regions.
type fakeStorage struct {
	pieceLength uint32
	regions     map[uint32][][]byte
	mode        *chunk.Mode
	bf          *bitfield.BitField
	acquired    int
	released    int
	acquireErr  error
}

func newFakeStorage(numPieces uint32, partSizes ...int) *fakeStorage {
	s := &fakeStorage{regions: make(map[uint32][][]byte), bf: bitfield.New(numPieces)}
	for i := uint32(0); i < numPieces; i++ {
		var regions [][]byte
		for _, size := range partSizes {
			regions = append(regions, make([]byte, size))
		}
		s.regions[i] = regions
	}
	for _, size := range partSizes {
		s.pieceLength += uint32(size)
	}
	return s
}

func (s *fakeStorage) IsValidPiece(p piece.Piece) bool {
	return p.Index < s.bf.Len() && p.Length > 0 && uint64(p.Offset)+uint64(p.Length) <= uint64(s.pieceLength)
}

func (s *fakeStorage) HasChunk(index uint32) bool { return s.bf.Test(index) }

func (s *fakeStorage) AcquireChunk(index uint32, mode chunk.Mode) (*chunk.Handle, error) {
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	if s.mode != nil {
		mode = *s.mode
	}
	s.acquired++
	return chunk.NewHandle(chunk.New(index, mode, s.regions[index]...), func() { s.released++ }), nil
}

func (s *fakeStorage) ReleaseChunk(h *chunk.Handle) { h.Release() }

func (s *fakeStorage) Bitfield() *bitfield.BitField { return s.bf }

func (s *fakeStorage) data(index uint32) []byte {
	var b []byte
	for _, r := range s.regions[index] {
		b = append(b, r...)
	}
	return b
}

type fixture struct {
	conn     *Conn
	socket   *fakeSocket
	poller   *mockPoller
	storage  *fakeStorage
	download *download.Download
	clock    *fakeClock
	down     *throttle.Throttle
	up       *throttle.Throttle
	pieces   []piece.Piece
}

func newFixture(t *testing.T, sto *fakeStorage, downRate int64) *fixture {
	f := &fixture{
		socket:  &fakeSocket{},
		poller:  newMockPoller(),
		storage: sto,
		clock:   &fakeClock{t: time.Unix(1000, 0)},
	}
	f.download = download.New(f.clock.Now)
	f.down = throttle.New("down", throttle.Options{Rate: downRate, Clock: f.clock})
	f.up = throttle.New("up", throttle.Options{Clock: f.clock})
	t.Cleanup(f.down.Close)
	t.Cleanup(f.up.Close)
	f.conn = New(Options{
		Name:         "test",
		Socket:       f.socket,
		Poller:       f.poller,
		Storage:      sto,
		Download:     f.download,
		DownThrottle: f.down,
		UpThrottle:   f.up,
		Clock:        f.clock.Now,
		OnPiece:      func(d Direction, p piece.Piece) { f.pieces = append(f.pieces, p) },
	})
	return f
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestTransferStepAcrossParts(t *testing.T) {
	sto := newFakeStorage(1, 8192, 8192)
	f := newFixture(t, sto, 10000)
	p := piece.New(0, 0, 16384)
	payload := pattern(16384)
	f.socket.in = payload

	require.NoError(t, f.conn.BeginDownload(p))
	res, err := f.conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, InProgress, res)
	assert.Equal(t, uint32(10000), f.conn.Position(Down))
	assert.Equal(t, payload[:8192], sto.regions[0][0])
	assert.Equal(t, payload[8192:10000], sto.regions[0][1][:1808])
	assert.Equal(t, int64(0), f.down.Quota())

	f.clock.Advance(time.Second)
	res, err = f.conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, uint32(16384), f.conn.Position(Down))
	assert.Equal(t, payload, sto.data(0))

	assert.Equal(t, int64(16384), f.conn.DownRate().Total())
	assert.Equal(t, int64(16384), f.download.DownRate().Total())
	assert.Equal(t, int64(16384), f.down.RateQuick().Total())
	assert.Equal(t, int64(16384), f.down.RateSlow().Total())
	assert.Equal(t, int64(0), f.download.UpRate().Total())
}

func TestTransferStepParentQuota(t *testing.T) {
	sto := newFakeStorage(1, 16384)
	f := newFixture(t, sto, 0)
	global := throttle.New("global", throttle.Options{Rate: 100000, Clock: f.clock})
	defer global.Close()
	peerDown := throttle.New("peer.down", throttle.Options{Rate: 8000, Parent: global, Clock: f.clock})
	defer peerDown.Close()
	global.Used(97000)
	require.Equal(t, int64(3000), peerDown.Quota())

	conn := New(Options{
		Name:         "limited",
		Socket:       f.socket,
		Poller:       f.poller,
		Storage:      sto,
		Download:     f.download,
		DownThrottle: peerDown,
		UpThrottle:   f.up,
		Clock:        f.clock.Now,
	})
	f.socket.in = pattern(16384)

	require.NoError(t, conn.BeginDownload(piece.New(0, 0, 16384)))
	res, err := conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, InProgress, res)
	assert.Equal(t, uint32(3000), conn.Position(Down))
	assert.Len(t, f.socket.in, 16384-3000)
	assert.Equal(t, int64(0), peerDown.Quota())
	assert.Equal(t, int64(0), global.Quota())
	assert.Equal(t, int64(3000), peerDown.RateQuick().Total())
	assert.Equal(t, int64(3000), global.RateQuick().Total())

	// Parent refills 10000 and the child 800 on top of its remaining 5000.
	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, int64(10000), global.Quota())
	assert.Equal(t, int64(5800), peerDown.Quota())
}

func TestTransferStepBlocked(t *testing.T) {
	sto := newFakeStorage(1, 16384)
	f := newFixture(t, sto, 100)
	f.socket.in = pattern(16384)

	require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 16384)))
	res, err := f.conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, Blocked, res)
	assert.Equal(t, uint32(0), f.conn.Position(Down))
	assert.Equal(t, cursor.Piece, f.conn.State(Down))
	assert.Equal(t, 1, f.down.Waiting())
	f.poller.AssertCalled(t, "RemoveRead")
	f.poller.AssertNotCalled(t, "InsertRead")
	assert.Equal(t, int64(0), f.conn.DownRate().Total())
}

func TestThrottleActivatesBlockedDirection(t *testing.T) {
	sto := newFakeStorage(1, 16384)
	f := newFixture(t, sto, 1000)
	f.socket.in = pattern(16384)
	f.down.Used(900)

	require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 16384)))
	res, err := f.conn.TransferStep(Down)
	require.NoError(t, err)
	require.Equal(t, Blocked, res)

	f.down.Tick()
	f.poller.AssertNotCalled(t, "InsertRead")

	f.clock.Advance(time.Second)
	f.down.Tick()
	f.poller.AssertNumberOfCalls(t, "InsertRead", 1)
	assert.Equal(t, 0, f.down.Waiting())

	res, err = f.conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, InProgress, res)
	assert.Equal(t, uint32(1000), f.conn.Position(Down))
}

func TestTransferStepPartialRead(t *testing.T) {
	sto := newFakeStorage(1, 4096, 4096)
	f := newFixture(t, sto, 0)
	payload := pattern(8192)
	f.socket.in = payload[:3000]

	require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 8192)))
	var last uint32
	for i := 0; i < 3; i++ {
		res, err := f.conn.TransferStep(Down)
		require.NoError(t, err)
		assert.Equal(t, InProgress, res)
		assert.GreaterOrEqual(t, f.conn.Position(Down), last)
		last = f.conn.Position(Down)
	}
	assert.Equal(t, uint32(3000), last)

	f.socket.in = payload[3000:]
	f.socket.limit = 1000
	for res := InProgress; res != Completed; {
		var err error
		res, err = f.conn.TransferStep(Down)
		require.NoError(t, err)
		assert.LessOrEqual(t, f.conn.Position(Down), uint32(8192))
	}
	assert.Equal(t, payload, sto.data(0))
}

func TestTransferStepOffset(t *testing.T) {
	sto := newFakeStorage(1, 1000, 1000, 1000)
	f := newFixture(t, sto, 0)
	f.socket.in = pattern(1500)

	require.NoError(t, f.conn.BeginDownload(piece.New(0, 900, 1500)))
	res, err := f.conn.TransferStep(Down)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, pattern(1500), sto.data(0)[900:2400])
}

func TestUpload(t *testing.T) {
	sto := newFakeStorage(2, 5000, 3000)
	sto.bf.Set(1)
	payload := pattern(8000)
	copy(sto.regions[1][0], payload[:5000])
	copy(sto.regions[1][1], payload[5000:])
	f := newFixture(t, sto, 0)

	p := piece.New(1, 2000, 4000)
	assert.True(t, f.conn.PeerRequests(p))
	assert.False(t, f.conn.PeerRequests(p))
	f.poller.AssertNumberOfCalls(t, "InsertWrite", 1)

	f.socket.limit = 1000
	for i := 0; i < 2; i++ {
		require.NoError(t, f.conn.WriteReady())
		assert.Equal(t, cursor.Piece, f.conn.State(Up))
	}
	require.NoError(t, f.conn.WriteReady())
	assert.Equal(t, cursor.Idle, f.conn.State(Up))
	assert.Equal(t, payload[2000:6000], f.socket.out.Bytes())
	assert.Equal(t, []piece.Piece{p}, f.pieces)
	assert.Empty(t, f.conn.Sends())
	assert.Nil(t, f.conn.Chunk(Up))
	assert.Equal(t, sto.acquired, sto.released)
	assert.Equal(t, int64(4000), f.download.UpRate().Total())

	require.NoError(t, f.conn.WriteReady())
	f.poller.AssertCalled(t, "RemoveWrite")
}

func TestUploadMissingPiece(t *testing.T) {
	sto := newFakeStorage(2, 1000)
	f := newFixture(t, sto, 0)

	f.conn.PeerRequests(piece.New(1, 0, 1000))
	err := f.conn.WriteReady()
	assert.True(t, fault.IsProtocol(err))
	assert.Equal(t, cursor.Errored, f.conn.State(Up))
	assert.Equal(t, 0, sto.acquired)
}

func TestDownloadQueue(t *testing.T) {
	sto := newFakeStorage(2, 1000)
	f := newFixture(t, sto, 0)
	p0 := piece.New(0, 0, 1000)
	p1 := piece.New(1, 0, 500)

	assert.True(t, f.conn.Request(p0))
	assert.False(t, f.conn.Request(p0))
	assert.True(t, f.conn.Request(p1))
	assert.Equal(t, []piece.Piece{p0, p1}, f.conn.Requests())
	assert.False(t, f.conn.CancelRequest(piece.New(1, 500, 500)))

	f.socket.in = pattern(1500)
	require.NoError(t, f.conn.ReadReady())
	require.NoError(t, f.conn.ReadReady())
	assert.Equal(t, []piece.Piece{p0, p1}, f.pieces)
	assert.Empty(t, f.conn.Requests())
	assert.Equal(t, pattern(1500)[1000:], sto.data(1)[:500])

	require.NoError(t, f.conn.ReadReady())
	f.poller.AssertCalled(t, "RemoveRead")
	assert.Nil(t, f.conn.Chunk(Down))
	assert.Equal(t, sto.acquired, sto.released)
}

func TestCancelRequestInFlight(t *testing.T) {
	sto := newFakeStorage(1, 1000)
	f := newFixture(t, sto, 0)
	p := piece.New(0, 0, 1000)
	f.conn.Request(p)
	f.socket.in = pattern(10)

	require.NoError(t, f.conn.ReadReady())
	assert.False(t, f.conn.CancelRequest(p))
	assert.Equal(t, []piece.Piece{p}, f.conn.Requests())
}

func TestPeerCancels(t *testing.T) {
	sto := newFakeStorage(3, 1000)
	sto.bf.SetAll()
	f := newFixture(t, sto, 0)
	p0 := piece.New(0, 0, 1000)
	p1 := piece.New(1, 0, 1000)
	p2 := piece.New(2, 0, 1000)
	f.conn.PeerRequests(p0)
	f.conn.PeerRequests(p1)
	f.conn.PeerRequests(p2)

	assert.False(t, f.conn.PeerCancels(piece.New(2, 0, 10)))

	// Head can be cancelled while nothing is sent.
	assert.True(t, f.conn.PeerCancels(p0))
	assert.Equal(t, []piece.Piece{p1, p2}, f.conn.Sends())

	f.socket.limit = 100
	require.NoError(t, f.conn.WriteReady())
	require.Equal(t, uint32(100), f.conn.Position(Up))

	assert.False(t, f.conn.PeerCancels(p1))
	assert.Equal(t, []piece.Piece{p1, p2}, f.conn.Sends())
	assert.True(t, f.conn.PeerCancels(p2))
	assert.Equal(t, []piece.Piece{p1}, f.conn.Sends())
}

func TestCompleteSendMismatch(t *testing.T) {
	sto := newFakeStorage(2, 1000)
	f := newFixture(t, sto, 0)
	f.conn.PeerRequests(piece.New(0, 0, 1000))

	err := f.conn.CompleteSend(piece.New(1, 0, 1000))
	assert.True(t, fault.IsInvariant(err))
	assert.Equal(t, cursor.Errored, f.conn.State(Up))
	assert.Len(t, f.conn.Sends(), 1)
}

func TestTransferStepInvariants(t *testing.T) {
	t.Run("not in throttle", func(t *testing.T) {
		f := newFixture(t, newFakeStorage(1, 1000), 0)
		require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 1000)))
		f.down.Erase(&f.conn.down)
		_, err := f.conn.TransferStep(Down)
		assert.True(t, fault.IsInvariant(err))
		assert.Equal(t, cursor.Errored, f.conn.State(Down))
	})
	t.Run("not writable", func(t *testing.T) {
		sto := newFakeStorage(1, 1000)
		mode := chunk.Read
		sto.mode = &mode
		f := newFixture(t, sto, 0)
		require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 1000)))
		_, err := f.conn.TransferStep(Down)
		assert.True(t, fault.IsInvariant(err))
	})
	t.Run("idle", func(t *testing.T) {
		f := newFixture(t, newFakeStorage(1, 1000), 0)
		_, err := f.conn.TransferStep(Up)
		assert.True(t, fault.IsInvariant(err))
	})
	t.Run("bad download piece", func(t *testing.T) {
		f := newFixture(t, newFakeStorage(1, 1000), 0)
		err := f.conn.BeginDownload(piece.New(0, 500, 1000))
		assert.True(t, fault.IsInvariant(err))
	})
	t.Run("short part list", func(t *testing.T) {
		f := newFixture(t, newFakeStorage(1, 1000), 0)
		// Storage claims a longer piece than the parts it maps.
		f.storage.pieceLength = 2000
		f.socket.in = pattern(2000)
		require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 2000)))
		_, err := f.conn.TransferStep(Down)
		assert.True(t, fault.IsInvariant(err))
		assert.Equal(t, int64(1000), f.conn.DownRate().Total())
	})
}

func TestDebugPanicsOnInvariant(t *testing.T) {
	f := newFixture(t, newFakeStorage(1, 1000), 0)
	f.conn.debug = true
	assert.Panics(t, func() { _, _ = f.conn.TransferStep(Down) })
}

func TestStorageErrorAbortsPiece(t *testing.T) {
	sto := newFakeStorage(1, 1000)
	sto.acquireErr = errors.New("disk gone")
	f := newFixture(t, sto, 0)

	err := f.conn.BeginDownload(piece.New(0, 0, 1000))
	assert.True(t, fault.IsStorage(err))
	assert.Equal(t, cursor.Idle, f.conn.State(Down))

	sto.acquireErr = nil
	assert.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 1000)))
}

func TestSocketErrorAccountsMovedBytes(t *testing.T) {
	sto := newFakeStorage(1, 1000)
	f := newFixture(t, sto, 0)
	f.socket.in = pattern(300)
	f.socket.err = io.EOF

	require.NoError(t, f.conn.BeginDownload(piece.New(0, 0, 1000)))
	res, err := f.conn.TransferStep(Down)
	require.NoError(t, err)
	require.Equal(t, InProgress, res)
	_, err = f.conn.TransferStep(Down)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, cursor.Errored, f.conn.State(Down))
	assert.Equal(t, int64(300), f.conn.DownRate().Total())
}

func TestChunkReuse(t *testing.T) {
	sto := newFakeStorage(1, 2000)
	f := newFixture(t, sto, 0)
	f.conn.Request(piece.New(0, 0, 1000))
	f.conn.Request(piece.New(0, 1000, 1000))
	f.socket.in = pattern(2000)

	require.NoError(t, f.conn.ReadReady())
	require.NoError(t, f.conn.ReadReady())
	assert.Equal(t, 1, sto.acquired)
	assert.Equal(t, 0, sto.released)
}

func TestClose(t *testing.T) {
	sto := newFakeStorage(2, 1000)
	sto.bf.Set(1)
	f := newFixture(t, sto, 0)
	f.conn.Request(piece.New(0, 0, 1000))
	f.conn.Request(piece.New(0, 0, 500))
	f.conn.PeerRequests(piece.New(1, 0, 1000))
	f.socket.in = pattern(10)
	f.socket.limit = 10
	require.NoError(t, f.conn.ReadReady())
	require.NoError(t, f.conn.WriteReady())
	require.NotNil(t, f.conn.Chunk(Down))
	require.NotNil(t, f.conn.Chunk(Up))

	cancelled := f.conn.Close()
	assert.Len(t, cancelled, 2)
	assert.Equal(t, 2, sto.released)
	assert.Nil(t, f.conn.Chunk(Down))
	assert.Nil(t, f.conn.Chunk(Up))
	assert.False(t, f.down.Contains(&f.conn.down))
	assert.False(t, f.up.Contains(&f.conn.up))
	assert.Equal(t, cursor.Errored, f.conn.State(Down))
	assert.Equal(t, cursor.Errored, f.conn.State(Up))
	f.poller.AssertCalled(t, "RemoveRead")
	f.poller.AssertCalled(t, "RemoveWrite")
	assert.Nil(t, f.conn.Close())

	assert.NoError(t, f.conn.ReadReady())
	assert.Empty(t, f.conn.Requests())

	assert.False(t, f.conn.Request(piece.New(0, 0, 1000)))
	assert.False(t, f.conn.PeerRequests(piece.New(1, 0, 1000)))
	assert.Empty(t, f.conn.Requests())
	assert.Empty(t, f.conn.Sends())
}
