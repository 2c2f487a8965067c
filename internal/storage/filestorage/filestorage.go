// Package filestorage implements Storage interface that uses files on disk as storage.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/cenkalti/piecepump/internal/storage"
)

// FileStorage opens data files under a destination directory.
type FileStorage struct {
	fs   afero.Fs
	dest string
}

var _ storage.Storage = (*FileStorage)(nil)

// New returns a FileStorage on the OS file system. Files opened from it can be memory mapped.
func New(dest string) (*FileStorage, error) {
	var err error
	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return NewWithFs(afero.NewOsFs(), dest), nil
}

// NewWithFs returns a FileStorage on fs.
func NewWithFs(fs afero.Fs, dest string) *FileStorage {
	return &FileStorage{fs: fs, dest: dest}
}

// Dest returns the directory files are saved under.
func (s *FileStorage) Dest() string {
	return s.dest
}

// Open opens or creates the file with given name and truncates it to size.
// exists is true if the file was already there.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	name = filepath.Clean(name)

	// All files are saved under dest.
	name = filepath.Join(s.dest, name)

	// Create containing dir if not exists.
	err = s.fs.MkdirAll(filepath.Dir(name), os.ModeDir|0750)
	if err != nil {
		return
	}

	// Make sure file is closed in case of any error.
	var af afero.File
	defer func() {
		if err != nil && af != nil {
			_ = af.Close()
		}
	}()

	const mode = 0640
	af, err = s.fs.OpenFile(name, os.O_RDWR, mode)
	if os.IsNotExist(err) {
		af, err = s.fs.OpenFile(name, os.O_RDWR|os.O_CREATE, mode)
		if err != nil {
			return
		}
		err = af.Truncate(size)
		f = af
		return
	}
	if err != nil {
		return
	}
	exists = true
	fi, err := af.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = af.Truncate(size)
		if err != nil {
			return
		}
	}
	if of, ok := af.(*os.File); ok {
		// Pieces are requested in random order.
		_ = disableReadAhead(of)
	}
	f = af
	return
}
