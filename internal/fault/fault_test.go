package fault

import (
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	err := Invariant("quota is %d", -1)
	assert.True(t, IsInvariant(err))
	assert.False(t, IsStorage(err))
	assert.False(t, IsProtocol(err))
	assert.Equal(t, "internal error: quota is -1", err.Error())

	err = Storage(io.ErrUnexpectedEOF, "cannot map piece %d", 3)
	assert.True(t, IsStorage(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "storage error: cannot map piece 3: unexpected EOF", err.Error())

	err = Storage(nil, "no chunk")
	assert.True(t, IsStorage(err))

	err = fmt.Errorf("peer 1.2.3.4: %w", Protocol("bad bitfield length"))
	assert.True(t, IsProtocol(err))
	assert.False(t, IsInvariant(err))
}

func TestStackTrace(t *testing.T) {
	err := Invariant("boom")
	assert.Contains(t, fmt.Sprintf("%+v", errors.Unwrap(err)), "fault_test.go")
}
