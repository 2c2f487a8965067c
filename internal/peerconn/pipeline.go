package peerconn

// Request pipeline tuning. Rates are in bytes per second.
const (
	// Below this receive rate the normal pipeline grows by one request per 2000 B/s.
	PipeSlowRate = 50000
	// Below this receive rate only one request is kept in flight during endgame.
	PipeEndgameSlowRate = 4000
	// Connections slower than this keep requesting during endgame even if stalled.
	EndgameRequestRate = 10 << 10
	// Connections stalled more than this many ticks stop requesting during endgame.
	StallLimit = 1

	PipeMin        = 2
	PipeMax        = 200
	PipeEndgameMax = 80
)

// PipeSize returns the number of requests to keep in flight for a connection receiving at rate.
func PipeSize(rate uint32, endgame bool) uint32 {
	s := uint64(rate)
	if !endgame {
		if rate < PipeSlowRate {
			return uint32(max(PipeMin, (s+2000)/2000))
		}
		return uint32(min(PipeMax, (s+160000)/4000))
	}
	if rate < PipeEndgameSlowRate {
		return 1
	}
	return uint32(min(PipeEndgameMax, (s+32000)/8000))
}

// PipeSize returns the number of requests to keep in flight on this connection.
func (c *Conn) PipeSize() uint32 {
	return PipeSize(c.down.rate.Rate(), c.download.Endgame())
}

// ShouldRequest reports whether new requests may be sent to the peer.
// In endgame a stalled connection stops requesting unless it is slow anyway.
func (c *Conn) ShouldRequest() bool {
	return !c.download.Endgame() || c.stalls <= StallLimit || c.download.DownRate().Rate() < EndgameRequestRate
}

// TickStall is called periodically. A tick without any received data while requests are
// outstanding counts as a stall.
func (c *Conn) TickStall() {
	if c.requests.Len() > 0 && !c.receivedData {
		c.stalls++
	}
	c.receivedData = false
}

// Stalls returns the number of consecutive stall ticks.
func (c *Conn) Stalls() uint32 { return c.stalls }
