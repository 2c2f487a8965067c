//go:build unix

package socket

import (
	"io"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWrite(t *testing.T) {
	defer leaktest.Check(t)()
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.Fd(), b.Fd())

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	n, err = b.Read(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteDoesNotBlock(t *testing.T) {
	defer leaktest.Check(t)()
	a, b, err := Pair()
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 64<<10)
	full := false
	for i := 0; i < 1024 && !full; i++ {
		n, err := a.Write(buf)
		require.NoError(t, err)
		full = n < len(buf)
	}
	assert.True(t, full)
}

func TestEOF(t *testing.T) {
	defer leaktest.Check(t)()
	a, b, err := Pair()
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Close())
	_, err = b.Read(make([]byte, 4))
	assert.Equal(t, io.EOF, err)
}
