package qmc

import (
	"errors"

	"unlock-music.dev/um/internal/xorblock"
)

// dynamicCipher repeats the trailer key over the payload.
type dynamicCipher struct {
	key []byte
}

func newDynamicCipher(key []byte) (*dynamicCipher, error) {
	if len(key) == 0 {
		return nil, errors.New("qmc/cipher_dynamic: empty key")
	}
	return &dynamicCipher{key: key}, nil
}

func (c *dynamicCipher) Decrypt(buf []byte, offset int) {
	xorblock.Repeat(buf, c.key, offset)
}
