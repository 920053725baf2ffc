package qmc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/tea"
)

func simpleMakeKey(salt byte, length int) []byte {
	keyBuf := make([]byte, length)
	for i := 0; i < length; i++ {
		tmp := math.Tan(float64(salt) + float64(i)*0.1)
		keyBuf[i] = byte(math.Abs(tmp) * 100.0)
	}
	return keyBuf
}

const rawKeyPrefixV2 = "QQMusic EncV2,Key:"

var (
	deriveV2Key1 = []byte("386ZJY!@#*$%^&)(")
	deriveV2Key2 = []byte("**#!(#$%&^a1cZ,T")
)

// deriveKey turns a base64 ekey into the cipher key.
func deriveKey(rawKey []byte) ([]byte, error) {
	rawKeyDec := make([]byte, base64.StdEncoding.DecodedLen(len(rawKey)))
	n, err := base64.StdEncoding.Decode(rawKeyDec, rawKey)
	if err != nil {
		return nil, fmt.Errorf("qmc ekey base64: %w", err)
	}
	rawKeyDec = rawKeyDec[:n]

	if bytes.HasPrefix(rawKeyDec, []byte(rawKeyPrefixV2)) {
		rawKeyDec, err = deriveKeyV2(bytes.TrimPrefix(rawKeyDec, []byte(rawKeyPrefixV2)))
		if err != nil {
			return nil, fmt.Errorf("qmc derive v2: %w", err)
		}
	}
	return deriveKeyV1(rawKeyDec)
}

func deriveKeyV1(rawKeyDec []byte) ([]byte, error) {
	if len(rawKeyDec) < 16 {
		return nil, errors.New("qmc: key length is too short")
	}

	simpleKey := simpleMakeKey(106, 8)
	teaKey := make([]byte, 16)
	for i := 0; i < 8; i++ {
		teaKey[i<<1] = simpleKey[i]
		teaKey[i<<1+1] = rawKeyDec[i]
	}

	rs, err := decryptTencentTea(rawKeyDec[8:], teaKey)
	if err != nil {
		return nil, fmt.Errorf("qmc derive v1: %w", err)
	}
	return append(bytes.Clone(rawKeyDec[:8]), rs...), nil
}

func deriveKeyV2(raw []byte) ([]byte, error) {
	buf, err := decryptTencentTea(raw, deriveV2Key1)
	if err != nil {
		return nil, err
	}
	buf, err = decryptTencentTea(buf, deriveV2Key2)
	if err != nil {
		return nil, err
	}

	n, err := base64.StdEncoding.Decode(buf, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

const (
	teaSaltLen = 2
	teaZeroLen = 7
)

// decryptTencentTea reverses the Tencent TEA-CBC construction: one pad
// length byte, random padding, salt, the plain text, then seven zeros.
func decryptTencentTea(inBuf []byte, key []byte) ([]byte, error) {
	if len(inBuf)%8 != 0 {
		return nil, errors.New("tea: input size not a multiple of the block size")
	}
	if len(inBuf) < 16 {
		return nil, errors.New("tea: input size too small")
	}

	blk, err := tea.NewCipherWithRounds(key, 32)
	if err != nil {
		return nil, err
	}

	destBuf := make([]byte, 8)
	blk.Decrypt(destBuf, inBuf)
	padLen := int(destBuf[0] & 0x7)
	outLen := len(inBuf) - 1 - padLen - teaSaltLen - teaZeroLen
	if outLen < 0 {
		return nil, errors.New("tea: invalid pad length")
	}
	out := make([]byte, outLen)

	ivPrev := make([]byte, 8)
	ivCur := inBuf[:8]
	inBufPos := 8
	destIdx := 1 + padLen

	// next moves to the following block once the current one is used up
	next := func() {
		if destIdx < 8 {
			return
		}
		ivPrev = ivCur
		ivCur = inBuf[inBufPos : inBufPos+8]
		for j := 0; j < 8; j++ {
			destBuf[j] ^= ivCur[j]
		}
		blk.Decrypt(destBuf, destBuf)
		inBufPos += 8
		destIdx = 0
	}

	for i := 0; i < teaSaltLen; i++ {
		next()
		destIdx++
	}
	for outPos := 0; outPos < outLen; outPos++ {
		next()
		out[outPos] = destBuf[destIdx] ^ ivPrev[destIdx]
		destIdx++
	}
	for i := 0; i < teaZeroLen; i++ {
		next()
		if destBuf[destIdx] != ivPrev[destIdx] {
			return nil, errors.New("tea: zero check failed")
		}
		destIdx++
	}
	return out, nil
}
