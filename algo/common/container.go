package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ContainerReader reads container fields in order while tracking the cursor.
// Every read is bounds checked against the total size up front, so a lying
// length field fails with ErrTruncatedContainer before any bytes are consumed.
type ContainerReader struct {
	rd     io.ReadSeeker
	size   int64
	offset int64
}

func NewContainerReader(rd io.ReadSeeker) (*ContainerReader, error) {
	size, err := rd.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("container seek end: %w", err)
	}
	if _, err := rd.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("container seek start: %w", err)
	}
	return &ContainerReader{rd: rd, size: size}, nil
}

func (r *ContainerReader) Offset() int64    { return r.offset }
func (r *ContainerReader) Size() int64      { return r.size }
func (r *ContainerReader) Remaining() int64 { return r.size - r.offset }

func (r *ContainerReader) ensure(n int64) error {
	if n < 0 || r.offset+n > r.size {
		return fmt.Errorf("%w: need %d bytes at offset %d, container size %d",
			ErrTruncatedContainer, n, r.offset, r.size)
	}
	return nil
}

// ExpectMagic consumes len(magic) bytes and compares them with magic.
func (r *ContainerReader) ExpectMagic(magic []byte) error {
	if r.ensure(int64(len(magic))) != nil {
		return fmt.Errorf("%w: container shorter than magic", ErrInvalidMagic)
	}
	buf, err := r.ReadFull(len(magic))
	if err != nil {
		return err
	}
	if !bytes.Equal(buf, magic) {
		return fmt.Errorf("%w: got %x", ErrInvalidMagic, buf)
	}
	return nil
}

// ReadFull returns the next n bytes in a freshly allocated slice.
func (r *ContainerReader) ReadFull(n int) ([]byte, error) {
	if err := r.ensure(int64(n)); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.rd, buf); err != nil {
		return nil, fmt.Errorf("container read at %d: %w", r.offset, err)
	}
	r.offset += int64(n)
	return buf, nil
}

func (r *ContainerReader) Skip(n int64) error {
	if err := r.ensure(n); err != nil {
		return err
	}
	if _, err := r.rd.Seek(n, io.SeekCurrent); err != nil {
		return fmt.Errorf("container skip: %w", err)
	}
	r.offset += n
	return nil
}

func (r *ContainerReader) ReadUint32LE() (uint32, error) {
	buf, err := r.ReadFull(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// ReadBlock reads a block prefixed by its little-endian uint32 length.
// A zero length yields an empty, non-nil slice.
func (r *ContainerReader) ReadBlock() ([]byte, error) {
	n, err := r.ReadUint32LE()
	if err != nil {
		return nil, err
	}
	return r.ReadFull(int(n))
}

// ReadAt reads n bytes at an absolute offset without moving the cursor.
// It is used for trailers anchored at the end of the stream.
func (r *ContainerReader) ReadAt(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > r.size {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, container size %d",
			ErrTruncatedContainer, n, off, r.size)
	}
	if _, err := r.rd.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("container seek: %w", err)
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r.rd, buf)
	if _, seekErr := r.rd.Seek(r.offset, io.SeekStart); seekErr != nil && err == nil {
		err = seekErr
	}
	if err != nil {
		return nil, fmt.Errorf("container read at %d: %w", off, err)
	}
	return buf, nil
}

// ReadTail reads the last n bytes of the container.
func (r *ContainerReader) ReadTail(n int) ([]byte, error) {
	return r.ReadAt(r.size-int64(n), n)
}

// Payload positions the underlying reader at the cursor and returns a
// reader bounded to length bytes.
func (r *ContainerReader) Payload(length int64) (io.Reader, error) {
	if err := r.ensure(length); err != nil {
		return nil, err
	}
	if _, err := r.rd.Seek(r.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("container seek payload: %w", err)
	}
	return io.LimitReader(r.rd, length), nil
}
