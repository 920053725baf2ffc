// Package xorblock holds the XOR primitives shared by the ciphers.
package xorblock

import (
	"runtime"
	"unsafe"
)

// Mask XORs every byte of data with mask.
func Mask(data []byte, mask byte) {
	if len(data) >= 8 && runtime.GOARCH == "amd64" {
		maskWords(data, mask)
		return
	}
	for i := range data {
		data[i] ^= mask
	}
}

// maskWords handles eight bytes per step; amd64 tolerates unaligned loads.
func maskWords(data []byte, mask byte) {
	mask64 := uint64(mask)
	mask64 |= mask64 << 8
	mask64 |= mask64 << 16
	mask64 |= mask64 << 32

	aligned := len(data) / 8 * 8
	for i := 0; i < aligned; i += 8 {
		ptr := (*uint64)(unsafe.Pointer(&data[i]))
		*ptr ^= mask64
	}
	for i := aligned; i < len(data); i++ {
		data[i] ^= mask
	}
}

// Repeat XORs data with key repeated from the absolute position offset,
// i.e. data[i] ^= key[(offset+i) % len(key)].
func Repeat(data []byte, key []byte, offset int) {
	n := len(key)
	if n == 0 || len(data) == 0 {
		return
	}
	k := offset % n
	for i := range data {
		data[i] ^= key[k]
		k++
		if k == n {
			k = 0
		}
	}
}
