// Package ratetracker estimates a transfer rate with an exponentially weighted moving average.
package ratetracker

import (
	"math"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// TickInterval is the period the underlying EWMA expects between ticks.
const TickInterval = 5 * time.Second

// Tracker feeds byte counts into a metrics.EWMA whose decay is derived from span.
// The EWMA is ticked once per elapsed TickInterval of the tracker's clock whenever
// the tracker is used, so no background goroutine is needed.
type Tracker struct {
	span  time.Duration
	alpha float64
	now   func() time.Time

	m     sync.Mutex
	ewma  metrics.EWMA
	total metrics.Counter
	last  time.Time
}

// New returns a Tracker averaging over span. Spans shorter than TickInterval are raised to it.
func New(span time.Duration) *Tracker {
	return NewWithClock(span, time.Now)
}

// NewWithClock is like New but reads time from now.
func NewWithClock(span time.Duration, now func() time.Time) *Tracker {
	if span < TickInterval {
		span = TickInterval
	}
	a := 1 - math.Exp(-TickInterval.Seconds()/span.Seconds())
	return &Tracker{
		span:  span,
		alpha: a,
		now:   now,
		ewma:  metrics.NewEWMA(a),
		total: metrics.NewCounter(),
		last:  now(),
	}
}

// Span returns the averaging window.
func (t *Tracker) Span() time.Duration {
	return t.span
}

// Insert records n bytes transferred now. Non-positive values are ignored.
func (t *Tracker) Insert(n int64) {
	if n <= 0 {
		return
	}
	t.m.Lock()
	defer t.m.Unlock()
	t.advance()
	t.ewma.Update(n)
	t.total.Inc(n)
}

// Rate returns the average in bytes per second as of the last completed tick.
func (t *Tracker) Rate() uint32 {
	t.m.Lock()
	defer t.m.Unlock()
	t.advance()
	r := math.Round(t.ewma.Rate())
	if r >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(r)
}

// Total returns the number of bytes inserted since creation.
func (t *Tracker) Total() int64 {
	return t.total.Count()
}

// Reset forgets the average but keeps the total.
func (t *Tracker) Reset() {
	t.m.Lock()
	t.ewma = metrics.NewEWMA(t.alpha)
	t.last = t.now()
	t.m.Unlock()
}

// advance ticks the EWMA for every TickInterval passed since the last tick.
// After a long idle period the average has decayed to nothing, so it starts over instead.
func (t *Tracker) advance() {
	now := t.now()
	ticks := int64(now.Sub(t.last) / TickInterval)
	if ticks <= 0 {
		return
	}
	t.last = t.last.Add(time.Duration(ticks) * TickInterval)
	if ticks > t.maxCatchUp() {
		t.ewma = metrics.NewEWMA(t.alpha)
		return
	}
	for i := int64(0); i < ticks; i++ {
		t.ewma.Tick()
	}
}

func (t *Tracker) maxCatchUp() int64 {
	return 10 * int64(t.span/TickInterval)
}
