package chunk

// Handle is the ownership of a Chunk. The holder must call Release exactly once when done;
// after that the chunk memory may be unmapped and must not be touched.
type Handle struct {
	index   uint32
	chunk   *Chunk
	release func()
}

// NewHandle wraps c. release is called once by Release.
func NewHandle(c *Chunk, release func()) *Handle {
	return &Handle{index: c.index, chunk: c, release: release}
}

// Index of the piece. Still valid after release.
func (h *Handle) Index() uint32 { return h.index }

// Chunk returns the mapped chunk, or nil after release.
func (h *Handle) Chunk() *Chunk { return h.chunk }

// Valid returns false after release.
func (h *Handle) Valid() bool { return h.chunk != nil }

// Release returns the mapping to its owner. Subsequent calls do nothing.
func (h *Handle) Release() {
	if h.chunk == nil {
		return
	}
	h.chunk = nil
	if h.release != nil {
		h.release()
	}
}
