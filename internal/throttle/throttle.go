// Package throttle provides the bandwidth quota that gates piece transfers.
//
// A Throttle is a token bucket refilled by wall-clock time. Throttles can be nested:
// a per-connection throttle with a parent draws from both its own bucket and the parent's,
// so the global limit holds no matter how many connections share it.
package throttle

import (
	"math"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"

	"github.com/cenkalti/piecepump/internal/ratetracker"
)

const (
	// MinChunk is the smallest quota worth starting a burst for.
	MinChunk = 512
	// Unlimited is the quota reported by a throttle without a limit.
	Unlimited = math.MaxInt32

	quickSpan = 5 * time.Second
	slowSpan  = 60 * time.Second
)

// Node is a transfer direction that draws quota from a Throttle.
type Node interface {
	// ActivateThrottle is called when quota is available again after the node was parked with Wait.
	ActivateThrottle()
}

// Options for a new Throttle.
type Options struct {
	// Bytes per second. Zero means no limit at this level.
	Rate int64
	// Bucket capacity. Defaults to Rate.
	Burst int64
	// Quota is also drawn from Parent if set.
	Parent *Throttle
	// Clock used by the bucket and rate trackers. Defaults to wall clock.
	Clock ratelimit.Clock
	// Registry to register the byte meter in. Nothing is registered if nil.
	Registry metrics.Registry
}

// Throttle is a quota source shared by one or more transfer directions.
type Throttle struct {
	name   string
	bucket *ratelimit.Bucket
	parent *Throttle
	quick  *ratetracker.Tracker
	slow   *ratetracker.Tracker
	meter  metrics.Meter

	m        sync.Mutex
	nodes    map[Node]struct{}
	waiting  []Node
	children map[*Throttle]struct{}
}

// New returns a new Throttle with the given name. The name is used as the metric prefix.
func New(name string, o Options) *Throttle {
	now := time.Now
	if o.Clock != nil {
		now = o.Clock.Now
	}
	t := &Throttle{
		name:     name,
		parent:   o.Parent,
		quick:    ratetracker.NewWithClock(quickSpan, now),
		slow:     ratetracker.NewWithClock(slowSpan, now),
		nodes:    make(map[Node]struct{}),
		children: make(map[*Throttle]struct{}),
	}
	if o.Rate > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = o.Rate
		}
		t.bucket = ratelimit.NewBucketWithRateAndClock(float64(o.Rate), burst, o.Clock)
	}
	if o.Registry != nil {
		t.meter = metrics.NewRegisteredMeter(name+".bytes", o.Registry)
	} else {
		t.meter = metrics.NewMeter()
	}
	if t.parent != nil {
		t.parent.m.Lock()
		t.parent.children[t] = struct{}{}
		t.parent.m.Unlock()
	}
	return t
}

// Name of the throttle.
func (t *Throttle) Name() string { return t.name }

// IsUnlimited returns true if neither this throttle nor any of its parents has a limit.
func (t *Throttle) IsUnlimited() bool {
	return t.bucket == nil && (t.parent == nil || t.parent.IsUnlimited())
}

// Quota returns the number of bytes that may be transferred now.
func (t *Throttle) Quota() int64 {
	q := int64(Unlimited)
	if t.bucket != nil {
		q = t.bucket.Available()
	}
	if t.parent != nil {
		if pq := t.parent.Quota(); pq < q {
			q = pq
		}
	}
	return q
}

// Used records that n bytes were transferred and removes them from the quota.
func (t *Throttle) Used(n int64) {
	if n <= 0 {
		return
	}
	if t.bucket != nil {
		t.bucket.TakeAvailable(n)
	}
	t.quick.Insert(n)
	t.slow.Insert(n)
	t.meter.Mark(n)
	if t.parent != nil {
		t.parent.Used(n)
	}
}

// RateQuick is the transfer rate over the last few seconds.
func (t *Throttle) RateQuick() *ratetracker.Tracker { return t.quick }

// RateSlow is the transfer rate over the last minute.
func (t *Throttle) RateSlow() *ratetracker.Tracker { return t.slow }

// Meter returns the byte meter of the throttle.
func (t *Throttle) Meter() metrics.Meter { return t.meter }

// Insert adds n to the set of nodes drawing quota from t.
func (t *Throttle) Insert(n Node) {
	t.m.Lock()
	t.nodes[n] = struct{}{}
	t.m.Unlock()
}

// Erase removes n from the throttle. A parked node is forgotten too.
func (t *Throttle) Erase(n Node) {
	t.m.Lock()
	defer t.m.Unlock()
	delete(t.nodes, n)
	for i, w := range t.waiting {
		if w == n {
			t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
			break
		}
	}
}

// Contains returns true if n is inserted.
func (t *Throttle) Contains(n Node) bool {
	t.m.Lock()
	_, ok := t.nodes[n]
	t.m.Unlock()
	return ok
}

// Len returns the number of inserted nodes.
func (t *Throttle) Len() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.nodes)
}

// Wait parks n until quota is available. n must be inserted.
func (t *Throttle) Wait(n Node) {
	t.m.Lock()
	defer t.m.Unlock()
	if _, ok := t.nodes[n]; !ok {
		return
	}
	for _, w := range t.waiting {
		if w == n {
			return
		}
	}
	t.waiting = append(t.waiting, n)
}

// Waiting returns the number of parked nodes.
func (t *Throttle) Waiting() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.waiting)
}

// Tick activates parked nodes if there is enough quota for them, then ticks child throttles.
// It is called periodically by the event loop.
func (t *Throttle) Tick() {
	var activate []Node
	if t.Quota() >= MinChunk {
		t.m.Lock()
		activate = t.waiting
		t.waiting = nil
		t.m.Unlock()
	}
	for _, n := range activate {
		n.ActivateThrottle()
	}
	t.m.Lock()
	children := make([]*Throttle, 0, len(t.children))
	for c := range t.children {
		children = append(children, c)
	}
	t.m.Unlock()
	for _, c := range children {
		c.Tick()
	}
}

// Close detaches t from its parent and stops its meter.
func (t *Throttle) Close() {
	if t.parent != nil {
		t.parent.m.Lock()
		delete(t.parent.children, t)
		t.parent.m.Unlock()
	}
	t.meter.Stop()
}
