package qmc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"unlock-music.dev/um/algo/common"
)

const (
	minTrailerSize = 100
	trailerKeyMask = 0x66
	maxRawKeyLen   = 0xFFFF
)

var errNoTrailerKey = errors.New("qmc: no key in trailer")

// readTrailerKey looks for the per-file key in the trailer located by the
// little-endian size in the last four bytes. It returns errNoTrailerKey when
// the file does not carry one.
func readTrailerKey(cr *common.ContainerReader) (key []byte, audioLen int64, err error) {
	size := cr.Size()
	if size < 4 {
		return nil, 0, errNoTrailerKey
	}
	tail, err := cr.ReadTail(4)
	if err != nil {
		return nil, 0, err
	}
	trailerSize := int64(binary.LittleEndian.Uint32(tail))
	if trailerSize < minTrailerSize || trailerSize > size {
		return nil, 0, errNoTrailerKey
	}

	trailer, err := cr.ReadAt(size-trailerSize, int(trailerSize-4))
	if err != nil {
		return nil, 0, err
	}
	idx := bytes.Index(trailer, []byte("QTag"))
	if idx < 0 {
		return nil, 0, errNoTrailerKey
	}

	body := trailer[idx+4:]
	if len(body) < 4 {
		return nil, 0, fmt.Errorf("%w: key length after QTag", common.ErrTruncatedContainer)
	}
	keyLen := int(binary.LittleEndian.Uint32(body))
	body = body[4:]
	if keyLen == 0 {
		return nil, 0, errNoTrailerKey
	}
	if keyLen > len(body) {
		return nil, 0, fmt.Errorf("%w: trailer key of %d bytes, %d available",
			common.ErrTruncatedContainer, keyLen, len(body))
	}

	key = make([]byte, keyLen)
	for i := range key {
		key[i] = body[i] ^ trailerKeyMask ^ byte(i)
	}
	return key, size - trailerSize, nil
}

// rawMetaQTag is the "ekey,songID,extra" record before a QTag suffix.
type rawMetaQTag struct {
	ekey   []byte
	songID int
	extra  int
}

func readRawMetaQTag(cr *common.ContainerReader) (*rawMetaQTag, int64, error) {
	size := cr.Size()
	buf, err := cr.ReadAt(size-8, 4)
	if err != nil {
		return nil, 0, err
	}
	rawMetaLen := int64(binary.BigEndian.Uint32(buf))

	audioLen := size - 8 - rawMetaLen
	rawMetaData, err := cr.ReadAt(audioLen, int(rawMetaLen))
	if err != nil {
		return nil, 0, err
	}

	items := strings.Split(string(rawMetaData), ",")
	if len(items) != 3 {
		return nil, 0, fmt.Errorf("%w: invalid raw meta data", common.ErrKeyUnwrap)
	}

	meta := &rawMetaQTag{ekey: []byte(items[0])}
	if meta.songID, err = strconv.Atoi(items[1]); err != nil {
		return nil, 0, fmt.Errorf("qmc song id: %w", err)
	}
	if meta.extra, err = strconv.Atoi(items[2]); err != nil {
		return nil, 0, fmt.Errorf("qmc raw meta extra: %w", err)
	}
	return meta, audioLen, nil
}

// readRawKey reads the ekey stored right before its little-endian length.
func readRawKey(cr *common.ContainerReader, rawKeyLen int64) ([]byte, int64, error) {
	audioLen := cr.Size() - 4 - rawKeyLen
	rawKeyData, err := cr.ReadAt(audioLen, int(rawKeyLen))
	if err != nil {
		return nil, 0, err
	}
	// clean suffix NULs
	return bytes.TrimRight(rawKeyData, "\x00"), audioLen, nil
}
