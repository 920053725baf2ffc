package ncm

import (
	"fmt"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/xorblock"
)

// KeyBox is the RC4-style permutation scheduled from the key material.
// It is read-only once built.
type KeyBox [256]byte

func NewKeyBox(key []byte) (*KeyBox, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key material", common.ErrKeyUnwrap)
	}

	box := new(KeyBox)
	for i := range box {
		box[i] = byte(i)
	}

	var j byte
	keyLen := len(key)
	for i := 0; i < 256; i++ {
		j = box[i] + j + key[i%keyLen]
		box[i], box[j] = box[j], box[i]
	}
	return box, nil
}

// StreamByte returns the keystream byte for payload offset n.
func (b *KeyBox) StreamByte(n int) byte {
	i := byte(n + 1)
	si := b[i]
	sj := b[i+si]
	return b[si+sj]
}

// Keystream returns the 256 keystream bytes; the stream repeats with that
// period since StreamByte only depends on n mod 256.
func (b *KeyBox) Keystream() []byte {
	ret := make([]byte, 256)
	for i := range ret {
		ret[i] = b.StreamByte(i)
	}
	return ret
}

type ncmCipher struct {
	stream []byte
}

func newNcmCipher(box *KeyBox) *ncmCipher {
	return &ncmCipher{stream: box.Keystream()}
}

func (c *ncmCipher) Decrypt(buf []byte, offset int) {
	xorblock.Repeat(buf, c.stream, offset)
}
