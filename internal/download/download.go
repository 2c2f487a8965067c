// Package download holds the state shared by all connections of one download.
package download

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/piecepump/internal/ratetracker"
)

const rateSpan = 30 * time.Second

// Download is the parent of peer connections. Connections read the endgame flag from it
// and feed the aggregate rate trackers.
type Download struct {
	endgame  atomic.Bool
	downRate *ratetracker.Tracker
	upRate   *ratetracker.Tracker
}

// New returns a Download with rate trackers reading time from now. A nil now means wall clock.
func New(now func() time.Time) *Download {
	if now == nil {
		now = time.Now
	}
	return &Download{
		downRate: ratetracker.NewWithClock(rateSpan, now),
		upRate:   ratetracker.NewWithClock(rateSpan, now),
	}
}

// Endgame returns true when every missing piece has been requested from some peer.
func (d *Download) Endgame() bool { return d.endgame.Load() }

// SetEndgame changes the endgame flag.
func (d *Download) SetEndgame(v bool) { d.endgame.Store(v) }

// DownRate is the aggregate download rate.
func (d *Download) DownRate() *ratetracker.Tracker { return d.downRate }

// UpRate is the aggregate upload rate.
func (d *Download) UpRate() *ratetracker.Tracker { return d.upRate }
