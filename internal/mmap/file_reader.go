// Package mmap opens input files for decoding, memory mapping the large ones.
package mmap

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// MinMmapSize is the smallest file worth mapping.
const MinMmapSize = 1024 * 1024

var errUnsupported = errors.New("mmap: not supported on this platform")

// MmapReader reads a read-only memory mapping of a file.
type MmapReader struct {
	file   *os.File
	data   []byte
	offset int64
	size   int64
	unmap  func() error
}

func NewMmapReader(filename string) (*MmapReader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	size := stat.Size()
	if size == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("mmap: empty file")
	}

	data, unmap, err := mmapFile(file, size)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	return &MmapReader{file: file, data: data, size: size, unmap: unmap}, nil
}

func (mr *MmapReader) Read(p []byte) (n int, err error) {
	if mr.offset >= mr.size {
		return 0, io.EOF
	}
	n = copy(p, mr.data[mr.offset:])
	mr.offset += int64(n)
	return n, nil
}

func (mr *MmapReader) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("mmap: negative offset %d", off)
	}
	if off >= mr.size {
		return 0, io.EOF
	}
	n = copy(p, mr.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (mr *MmapReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = mr.offset + offset
	case io.SeekEnd:
		newOffset = mr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newOffset < 0 {
		return 0, fmt.Errorf("negative seek position: %d", newOffset)
	}
	mr.offset = newOffset
	return newOffset, nil
}

func (mr *MmapReader) Size() int64 { return mr.size }

func (mr *MmapReader) Close() error {
	var errs []error
	if mr.data != nil {
		if err := mr.unmap(); err != nil {
			errs = append(errs, fmt.Errorf("unmap file: %w", err))
		}
		mr.data = nil
	}
	if mr.file != nil {
		if err := mr.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close file: %w", err))
		}
		mr.file = nil
	}
	return errors.Join(errs...)
}

// ReadSeekCloser is what decoders read their input from.
type ReadSeekCloser interface {
	io.ReadSeeker
	io.ReaderAt
	io.Closer
}

// FileReader is an input file, mapped when large enough and supported,
// plain *os.File otherwise.
type FileReader struct {
	ReadSeekCloser
	size    int64
	mmapped bool
}

func Open(filename string) (*FileReader, error) {
	stat, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	size := stat.Size()

	if size >= MinMmapSize {
		if mr, err := NewMmapReader(filename); err == nil {
			return &FileReader{ReadSeekCloser: mr, size: size, mmapped: true}, nil
		}
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &FileReader{ReadSeekCloser: file, size: size}, nil
}

func (f *FileReader) Size() int64      { return f.size }
func (f *FileReader) IsUsingMmap() bool { return f.mmapped }
