// Package mmap maps files read-only into memory.
package mmap

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File is an immutable view of a file's contents. The bytes returned by
// Bytes stay valid until Close is called.
type File struct {
	path string

	mu     sync.RWMutex
	data   []byte
	unmap  func([]byte) error
	closed bool
}

// Open maps the file at path. Empty files are represented by an empty,
// non-mapped buffer.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	if !fi.Mode().IsRegular() {
		return nil, errors.Wrapf(os.ErrInvalid, "%s is not a regular file", path)
	}
	size := fi.Size()
	if size == 0 {
		return &File{path: path, data: []byte{}}, nil
	}
	if int64(int(size)) != size {
		return nil, errors.Errorf("%s is too large to map: %d bytes", path, size)
	}
	data, unmap, err := mapFile(f, int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &File{path: path, data: data, unmap: unmap}, nil
}

// FromBytes wraps an in-memory buffer so it can be used wherever a mapped
// file is expected.
func FromBytes(path string, data []byte) *File {
	return &File{path: path, data: data}
}

func (f *File) Path() string { return f.path }

// Bytes returns the mapped contents, or nil once the file is closed.
func (f *File) Bytes() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil
	}
	return f.data
}

func (f *File) Len() int {
	return len(f.Bytes())
}

// Close releases the mapping. It is safe to call Close more than once.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	data := f.data
	f.data = nil
	if f.unmap != nil && len(data) > 0 {
		return f.unmap(data)
	}
	return nil
}
