// Package chunkstore maps pieces of torrent data files into memory.
//
// Files are concatenated in order and split into pieces of equal length (the last one may be shorter),
// so one piece can span several files. Each file that lives on the OS file system is memory mapped once;
// a chunk is a list of slices into those mappings. Files from other file systems are served from heap
// buffers that are written back when the last writable handle of the piece is released.
package chunkstore

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/btree"

	"github.com/cenkalti/piecepump/internal/bitfield"
	"github.com/cenkalti/piecepump/internal/chunk"
	"github.com/cenkalti/piecepump/internal/fault"
	"github.com/cenkalti/piecepump/internal/logger"
	"github.com/cenkalti/piecepump/internal/piece"
	"github.com/cenkalti/piecepump/internal/storage"
)

// FileInfo describes one data file in torrent order.
type FileInfo struct {
	Path   string
	Length int64
}

// Store implements storage.ChunkManager over a list of files.
type Store struct {
	pieceLength uint32
	totalLength int64
	numPieces   uint32
	files       []*file
	index       *btree.BTree
	log         logger.Logger

	m        sync.Mutex
	bitfield *bitfield.BitField
	chunks   map[uint32]*entry
}

var _ storage.ChunkManager = (*Store)(nil)

type file struct {
	path   string
	offset int64 // position of the first byte among all files
	length int64
	f      storage.File
	mapped mmap.MMap
}

var _ btree.Item = (*file)(nil)

func (f *file) Less(than btree.Item) bool {
	return f.offset < than.(*file).offset
}

type entry struct {
	refs     int
	writable bool
	heap     bool
	sections []section
}

// section is the part of a piece that lives in one file.
type section struct {
	file   *file
	offset int64 // in file
	data   []byte
}

// New opens files from sto and lays pieces of pieceLength over them.
func New(sto storage.Storage, files []FileInfo, pieceLength uint32, l logger.Logger) (*Store, error) {
	if pieceLength == 0 {
		return nil, fmt.Errorf("invalid piece length: %d", pieceLength)
	}
	s := &Store{
		pieceLength: pieceLength,
		index:       btree.New(2),
		log:         l,
		chunks:      make(map[uint32]*entry),
	}
	var err error
	defer func() {
		if err != nil {
			s.closeFiles()
		}
	}()
	for _, fi := range files {
		if fi.Length < 0 {
			err = fmt.Errorf("invalid file length for %q: %d", fi.Path, fi.Length)
			return nil, err
		}
		f := &file{path: fi.Path, offset: s.totalLength, length: fi.Length}
		f.f, _, err = sto.Open(fi.Path, fi.Length)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, f)
		s.totalLength += fi.Length
		if fi.Length == 0 {
			continue
		}
		if of, ok := f.f.(*os.File); ok {
			f.mapped, err = mmap.Map(of, mmap.RDWR, 0)
			if err != nil {
				err = fault.Storage(err, "cannot map %q", fi.Path)
				return nil, err
			}
		}
		s.index.ReplaceOrInsert(f)
	}
	s.numPieces = uint32((s.totalLength + int64(pieceLength) - 1) / int64(pieceLength))
	s.bitfield = bitfield.New(s.numPieces)
	return s, nil
}

// NumFiles returns the number of data files, including empty ones.
func (s *Store) NumFiles() int { return len(s.files) }

// NumPieces returns the number of pieces.
func (s *Store) NumPieces() uint32 { return s.numPieces }

// TotalLength returns the sum of file lengths.
func (s *Store) TotalLength() int64 { return s.totalLength }

// PieceLength returns the length of the piece at index.
func (s *Store) PieceLength(index uint32) uint32 {
	if index >= s.numPieces {
		return 0
	}
	if index == s.numPieces-1 {
		return uint32(s.totalLength - int64(index)*int64(s.pieceLength))
	}
	return s.pieceLength
}

// IsValidPiece implements storage.ChunkManager.
func (s *Store) IsValidPiece(p piece.Piece) bool {
	return p.Index < s.numPieces &&
		p.Length > 0 &&
		p.Length <= piece.MaxRequestLength &&
		uint64(p.Offset)+uint64(p.Length) <= uint64(s.PieceLength(p.Index))
}

// HasChunk implements storage.ChunkManager.
func (s *Store) HasChunk(index uint32) bool {
	s.m.Lock()
	defer s.m.Unlock()
	return index < s.numPieces && s.bitfield.Test(index)
}

// Bitfield implements storage.ChunkManager.
func (s *Store) Bitfield() *bitfield.BitField {
	return s.bitfield
}

// MarkComplete sets the bit of the piece at index.
func (s *Store) MarkComplete(index uint32) {
	s.m.Lock()
	s.bitfield.Set(index)
	s.m.Unlock()
}

// MarkAll sets all bits. Used when the files are known to be complete.
func (s *Store) MarkAll() {
	s.m.Lock()
	s.bitfield.SetAll()
	s.m.Unlock()
}

// Complete returns true if all pieces are marked.
func (s *Store) Complete() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.bitfield.All()
}

// Acquired returns the number of pieces with at least one outstanding handle.
func (s *Store) Acquired() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.chunks)
}

// AcquireChunk implements storage.ChunkManager.
// Handles of the same piece share memory; the piece stays mapped until all of them are released.
func (s *Store) AcquireChunk(index uint32, mode chunk.Mode) (*chunk.Handle, error) {
	if index >= s.numPieces {
		return nil, fault.Storage(nil, "invalid piece index: %d", index)
	}
	if mode&chunk.ReadWrite == 0 {
		return nil, fault.Storage(nil, "invalid mode for piece %d: %s", index, mode)
	}
	s.m.Lock()
	defer s.m.Unlock()
	e, ok := s.chunks[index]
	if !ok {
		var err error
		e, err = s.load(index)
		if err != nil {
			return nil, err
		}
		s.chunks[index] = e
		s.log.Debugf("mapped piece %d in %d sections", index, len(e.sections))
	}
	e.refs++
	if mode&chunk.Write != 0 {
		e.writable = true
	}
	regions := make([][]byte, len(e.sections))
	for i, sec := range e.sections {
		regions[i] = sec.data
	}
	c := chunk.New(index, mode, regions...)
	return chunk.NewHandle(c, func() { s.release(index) }), nil
}

// ReleaseChunk implements storage.ChunkManager.
func (s *Store) ReleaseChunk(h *chunk.Handle) {
	if h != nil {
		h.Release()
	}
}

func (s *Store) load(index uint32) (*entry, error) {
	begin := int64(index) * int64(s.pieceLength)
	left := int64(s.PieceLength(index))
	e := &entry{}
	err := s.walk(begin, left, func(f *file, off, n int64) error {
		sec := section{file: f, offset: off}
		if f.mapped != nil {
			sec.data = f.mapped[off : off+n]
		} else {
			e.heap = true
			sec.data = make([]byte, n)
			m, err := f.f.ReadAt(sec.data, off)
			if err == io.EOF && int64(m) == n {
				err = nil
			}
			if err != nil {
				return fault.Storage(err, "cannot read piece %d from %q", index, f.path)
			}
		}
		e.sections = append(e.sections, sec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// walk calls fn for each file region covering [begin, begin+length) among all files.
func (s *Store) walk(begin, length int64, fn func(f *file, off, n int64) error) error {
	var first *file
	s.index.DescendLessOrEqual(&file{offset: begin}, func(i btree.Item) bool {
		first = i.(*file)
		return false
	})
	if first == nil {
		return fault.Storage(nil, "no file at offset %d", begin)
	}
	var err error
	s.index.AscendGreaterOrEqual(first, func(i btree.Item) bool {
		f := i.(*file)
		off := begin - f.offset
		n := f.length - off
		if n > length {
			n = length
		}
		if err = fn(f, off, n); err != nil {
			return false
		}
		begin += n
		length -= n
		return length > 0
	})
	if err == nil && length > 0 {
		err = fault.Storage(nil, "files end before offset %d", begin+length)
	}
	return err
}

func (s *Store) release(index uint32) {
	s.m.Lock()
	defer s.m.Unlock()
	e, ok := s.chunks[index]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(s.chunks, index)
	if e.heap && e.writable {
		for _, sec := range e.sections {
			if sec.file.mapped != nil {
				continue
			}
			if _, err := sec.file.f.WriteAt(sec.data, sec.offset); err != nil {
				s.log.Errorf("cannot write piece %d to %q: %s", index, sec.file.path, err)
			}
		}
	}
	s.log.Debugf("released piece %d", index)
}

// Flush writes dirty mapped pages to disk.
func (s *Store) Flush() error {
	for _, f := range s.files {
		if f.mapped == nil {
			continue
		}
		if err := f.mapped.Flush(); err != nil {
			return fault.Storage(err, "cannot flush %q", f.path)
		}
	}
	return nil
}

// Close flushes, unmaps and closes all files. Outstanding handles must be released before.
func (s *Store) Close() error {
	err := s.Flush()
	if cerr := s.closeFiles(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) closeFiles() error {
	var err error
	for _, f := range s.files {
		if f.mapped != nil {
			if uerr := f.mapped.Unmap(); uerr != nil && err == nil {
				err = uerr
			}
			f.mapped = nil
		}
		if f.f != nil {
			if cerr := f.f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}
