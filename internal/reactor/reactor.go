//go:build unix

// Package reactor is a single goroutine event loop that calls handlers when their descriptors
// are ready and runs periodic tick functions.
package reactor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cenkalti/piecepump/internal/logger"
)

// Handler receives readiness events of a registered descriptor.
// All methods are called from the goroutine running Run.
type Handler interface {
	ReadReady() error
	WriteReady() error
	// Failed is called with the error returned from ReadReady or WriteReady, or with the
	// error condition reported for the descriptor. The handler is expected to unregister.
	Failed(err error)
}

// Reactor polls registered descriptors.
type Reactor struct {
	tick time.Duration
	log  logger.Logger

	m       sync.Mutex
	regs    map[int]*Registration
	onTick  []func()
	started bool
	closed  bool

	// wakeup pipe to interrupt poll on Close
	wakeR, wakeW int

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a Reactor that calls tick functions every tick.
func New(l logger.Logger, tick time.Duration) (*Reactor, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("cannot create wakeup pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &Reactor{
		tick:   tick,
		log:    l,
		regs:   make(map[int]*Registration),
		wakeR:  p[0],
		wakeW:  p[1],
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}, nil
}

// Registration of one descriptor. It implements the poller interface of peer connections.
type Registration struct {
	r      *Reactor
	fd     int
	h      Handler
	events int16
	active bool
}

// Register starts watching fd. No events are delivered until InsertRead or InsertWrite is called.
func (r *Reactor) Register(fd int, h Handler) *Registration {
	reg := &Registration{r: r, fd: fd, h: h, active: true}
	r.m.Lock()
	r.regs[fd] = reg
	r.m.Unlock()
	return reg
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.regs)
}

// OnTick adds a function to be called on every tick.
func (r *Reactor) OnTick(fn func()) {
	r.m.Lock()
	r.onTick = append(r.onTick, fn)
	r.m.Unlock()
}

func (g *Registration) set(ev int16, on bool) {
	g.r.m.Lock()
	if on {
		g.events |= ev
	} else {
		g.events &^= ev
	}
	g.r.m.Unlock()
}

func (g *Registration) InsertRead()  { g.set(unix.POLLIN, true) }
func (g *Registration) RemoveRead()  { g.set(unix.POLLIN, false) }
func (g *Registration) InsertWrite() { g.set(unix.POLLOUT, true) }
func (g *Registration) RemoveWrite() { g.set(unix.POLLOUT, false) }

// Events returns the events the registration is waiting for.
func (g *Registration) Events() int16 {
	g.r.m.Lock()
	defer g.r.m.Unlock()
	return g.events
}

// Unregister stops watching the descriptor. It does not close it.
func (g *Registration) Unregister() {
	g.r.m.Lock()
	defer g.r.m.Unlock()
	if !g.active {
		return
	}
	g.active = false
	g.events = 0
	if g.r.regs[g.fd] == g {
		delete(g.r.regs, g.fd)
	}
}

func (g *Registration) isActive() bool {
	g.r.m.Lock()
	defer g.r.m.Unlock()
	return g.active
}

// Run polls until Close is called. Handlers and tick functions are called from this goroutine only.
func (r *Reactor) Run() error {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return nil
	}
	r.started = true
	r.m.Unlock()
	defer close(r.doneC)

	fds := make([]unix.PollFd, 0, 8)
	regs := make([]*Registration, 0, 8)
	nextTick := time.Now().Add(r.tick)
	for {
		select {
		case <-r.closeC:
			return nil
		default:
		}
		fds, regs = r.pollFds(fds[:0], regs[:0])
		timeout := time.Until(nextTick)
		if timeout < 0 {
			timeout = 0
		}
		n, err := unix.Poll(fds, int((timeout+time.Millisecond-1)/time.Millisecond))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			r.log.Errorf("poll error: %s", err)
			return err
		}
		if n > 0 {
			r.dispatch(fds, regs)
		}
		if !time.Now().Before(nextTick) {
			r.runTick()
			nextTick = time.Now().Add(r.tick)
		}
	}
}

func (r *Reactor) pollFds(fds []unix.PollFd, regs []*Registration) ([]unix.PollFd, []*Registration) {
	fds = append(fds, unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	regs = append(regs, nil)
	r.m.Lock()
	defer r.m.Unlock()
	for fd, reg := range r.regs {
		if reg.events == 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: reg.events})
		regs = append(regs, reg)
	}
	return fds, regs
}

func (r *Reactor) dispatch(fds []unix.PollFd, regs []*Registration) {
	for i, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		reg := regs[i]
		if reg == nil {
			r.drainWakeup()
			continue
		}
		if pfd.Revents&unix.POLLNVAL != 0 {
			r.fail(reg, fmt.Errorf("invalid descriptor: %d", reg.fd))
			continue
		}
		const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR
		const writable = unix.POLLOUT | unix.POLLHUP | unix.POLLERR
		if pfd.Revents&readable != 0 && reg.Events()&unix.POLLIN != 0 {
			if err := reg.h.ReadReady(); err != nil {
				r.fail(reg, err)
				continue
			}
		}
		if !reg.isActive() {
			continue
		}
		if pfd.Revents&writable != 0 && reg.Events()&unix.POLLOUT != 0 {
			if err := reg.h.WriteReady(); err != nil {
				r.fail(reg, err)
				continue
			}
		}
	}
}

func (r *Reactor) fail(reg *Registration, err error) {
	if !reg.isActive() {
		return
	}
	reg.h.Failed(err)
}

func (r *Reactor) runTick() {
	r.m.Lock()
	fns := make([]func(), len(r.onTick))
	copy(fns, r.onTick)
	r.m.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *Reactor) drainWakeup() {
	var b [64]byte
	for {
		n, err := unix.Read(r.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) closePipe() {
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
}

// Close stops Run and waits for it to return.
func (r *Reactor) Close() {
	r.m.Lock()
	if r.closed {
		r.m.Unlock()
		return
	}
	r.closed = true
	started := r.started
	r.m.Unlock()
	close(r.closeC)
	if started {
		_, _ = unix.Write(r.wakeW, []byte{0})
		<-r.doneC
	}
	r.closePipe()
}
