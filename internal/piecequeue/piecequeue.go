// Package piecequeue keeps ordered lists of piece descriptors waiting for transfer.
package piecequeue

import (
	"container/list"

	"github.com/cenkalti/piecepump/internal/piece"
)

// queue is an insertion ordered set of pieces.
type queue struct {
	l *list.List
}

func newQueue() queue {
	return queue{l: list.New()}
}

func (q queue) find(p piece.Piece) *list.Element {
	for e := q.l.Front(); e != nil; e = e.Next() {
		if e.Value.(piece.Piece) == p {
			return e
		}
	}
	return nil
}

// Add appends p unless an equal piece is already queued. Returns true if p is added.
func (q queue) Add(p piece.Piece) bool {
	if q.find(p) != nil {
		return false
	}
	q.l.PushBack(p)
	return true
}

// Contains returns true if p is queued.
func (q queue) Contains(p piece.Piece) bool {
	return q.find(p) != nil
}

// Front returns the oldest piece.
func (q queue) Front() (piece.Piece, bool) {
	e := q.l.Front()
	if e == nil {
		return piece.Piece{}, false
	}
	return e.Value.(piece.Piece), true
}

// PopFront removes and returns the oldest piece.
func (q queue) PopFront() (piece.Piece, bool) {
	e := q.l.Front()
	if e == nil {
		return piece.Piece{}, false
	}
	return q.l.Remove(e).(piece.Piece), true
}

// Len returns the number of queued pieces.
func (q queue) Len() int { return q.l.Len() }

// Pieces returns a copy of queued pieces in order.
func (q queue) Pieces() []piece.Piece {
	ret := make([]piece.Piece, 0, q.l.Len())
	for e := q.l.Front(); e != nil; e = e.Next() {
		ret = append(ret, e.Value.(piece.Piece))
	}
	return ret
}

// Clear removes all pieces and returns them in order.
func (q queue) Clear() []piece.Piece {
	ret := q.Pieces()
	q.l.Init()
	return ret
}

// RequestQueue holds pieces requested from the peer but not received yet.
type RequestQueue struct {
	queue
}

// NewRequestQueue returns an empty RequestQueue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{queue: newQueue()}
}

// Remove deletes p. Removing a piece that is not queued does nothing and returns false.
func (q *RequestQueue) Remove(p piece.Piece) bool {
	e := q.find(p)
	if e == nil {
		return false
	}
	q.l.Remove(e)
	return true
}

// SendQueue holds pieces the peer asked for, in the order they must be uploaded.
// The front piece is the one being uploaded.
type SendQueue struct {
	queue
}

// NewSendQueue returns an empty SendQueue.
func NewSendQueue() *SendQueue {
	return &SendQueue{queue: newQueue()}
}

// Remove deletes p unless it is at the front and headBusy is true.
// Returns true if p is removed.
func (q *SendQueue) Remove(p piece.Piece, headBusy bool) bool {
	e := q.find(p)
	if e == nil {
		return false
	}
	if e == q.l.Front() && headBusy {
		return false
	}
	q.l.Remove(e)
	return true
}
