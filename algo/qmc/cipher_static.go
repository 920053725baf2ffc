package qmc

var staticSeed = [16]byte{
	0x4a, 0xd6, 0xca, 0x90, 0x67, 0xf7, 0x52, 0xd8,
	0xa1, 0x66, 0x62, 0x9f, 0x5b, 0x09, 0x62, 0x55,
}

// staticCipher needs no key; the mask is a polynomial of the offset mixed
// with the seed table.
type staticCipher struct{}

func newStaticCipher() *staticCipher {
	return &staticCipher{}
}

func (c *staticCipher) Decrypt(buf []byte, offset int) {
	for i := 0; i < len(buf); i++ {
		buf[i] ^= c.getMask(offset + i)
	}
}

func (c *staticCipher) getMask(offset int) byte {
	if offset > 0x7FFF {
		offset %= 0x7FFF
	}
	v := offset*offset + 27
	idx := byte(v)
	// the high nibble comes from v, not idx
	return staticSeed[(v>>8)&0xf] ^ staticSeed[idx&0xf] ^ idx
}
