package common

import (
	"crypto/aes"
	"fmt"
)

// ECBDecrypter decrypts whole blocks independently with no IV. Padding is
// left to the caller.
type ECBDecrypter interface {
	DecryptECB(key, data []byte) ([]byte, error)
}

type aesECB struct{}

// AESECB is the AES-128 ECB provider used for the embedded container keys.
var AESECB ECBDecrypter = aesECB{}

func (aesECB) DecryptECB(key, data []byte) ([]byte, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes init: %w", err)
	}
	bs := blk.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("ecb: input length %d is not a multiple of block size %d", len(data), bs)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		blk.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

// TrimPKCS7 removes p trailing bytes, p being the value of the last byte.
// Only the range 1..blockSize is checked.
func TrimPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("pkcs7: empty input")
	}
	p := int(data[len(data)-1])
	if p == 0 || p > blockSize || p > len(data) {
		return nil, fmt.Errorf("pkcs7: invalid pad length %d", p)
	}
	return data[:len(data)-p], nil
}

// HasPKCS7 reports whether data ends in a well-formed pad: every one of the
// last p bytes equals p.
func HasPKCS7(data []byte, blockSize int) bool {
	if len(data) == 0 {
		return false
	}
	p := int(data[len(data)-1])
	if p == 0 || p > blockSize || p > len(data) {
		return false
	}
	for _, b := range data[len(data)-p:] {
		if int(b) != p {
			return false
		}
	}
	return true
}
