package piecequeue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cenkalti/piecepump/internal/piece"
)

func TestRequestQueue(t *testing.T) {
	q := NewRequestQueue()
	p1 := piece.New(1, 0, 16384)
	p2 := piece.New(1, 16384, 16384)

	assert.True(t, q.Add(p1))
	assert.False(t, q.Add(p1))
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Add(p2))
	assert.Equal(t, []piece.Piece{p1, p2}, q.Pieces())

	assert.False(t, q.Remove(piece.New(9, 0, 1)))
	assert.Equal(t, 2, q.Len())

	assert.True(t, q.Remove(p1))
	front, ok := q.Front()
	assert.True(t, ok)
	assert.Equal(t, p2, front)

	assert.Equal(t, []piece.Piece{p2}, q.Clear())
	_, ok = q.Front()
	assert.False(t, ok)
	_, ok = q.PopFront()
	assert.False(t, ok)
}

func TestSendQueueKeepsBusyHead(t *testing.T) {
	q := NewSendQueue()
	p1 := piece.New(0, 0, 100)
	p2 := piece.New(0, 100, 100)
	p3 := piece.New(0, 200, 100)
	q.Add(p1)
	q.Add(p2)
	q.Add(p3)
	q.Add(p2)
	assert.Equal(t, 3, q.Len())

	assert.False(t, q.Remove(p1, true))
	assert.Equal(t, 3, q.Len())

	assert.True(t, q.Remove(p2, true))
	assert.Equal(t, []piece.Piece{p1, p3}, q.Pieces())

	assert.True(t, q.Remove(p1, false))
	p, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, p3, p)
	assert.False(t, q.Contains(p3))
}
