package ncm

import (
	"bytes"
	"fmt"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/xorblock"
)

const keyMask = 0x64

// coreKey wraps the per-file RC4 key.
var coreKey = []byte{
	0x68, 0x7A, 0x48, 0x52, 0x41, 0x6D, 0x73, 0x6F,
	0x35, 0x6B, 0x49, 0x6E, 0x62, 0x61, 0x78, 0x57,
}

var keyPrefix = []byte("neteasecloudmusic")

// unwrapKey recovers the key material from the obfuscated key block.
// The PKCS#7 pad is stripped only when well-formed, and the vendor prefix
// only when present.
func unwrapKey(ecb common.ECBDecrypter, raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%16 != 0 {
		return nil, fmt.Errorf("%w: key block length %d is not a multiple of 16", common.ErrKeyUnwrap, len(raw))
	}

	buf := bytes.Clone(raw)
	xorblock.Mask(buf, keyMask)

	key, err := ecb.DecryptECB(coreKey, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrKeyUnwrap, err)
	}
	if common.HasPKCS7(key, 16) {
		key, _ = common.TrimPKCS7(key, 16)
	}
	key = bytes.TrimPrefix(key, keyPrefix)

	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key material", common.ErrKeyUnwrap)
	}
	return key, nil
}
