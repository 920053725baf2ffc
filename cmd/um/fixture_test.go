package main

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unlock-music.dev/um/algo/ncm"
	"unlock-music.dev/um/internal/cache"
	"unlock-music.dev/um/internal/metrics"
	"unlock-music.dev/um/internal/utils"
)

var (
	testCoreKey, _ = hex.DecodeString("687A4852416D736F356B496E62617857")
	testMetaKey, _ = hex.DecodeString("2331346C6A6B5F215C5D2630553C2728")
	testRC4Key     = []byte("1234567890123456789012345678901234567890abcdef")
)

const testMetaRecord = `music:{"musicId":12345,"musicName":"Song","artist":[["A",1],["B",2]],"album":"Album","format":"mp3"}`

func ecbEncrypt(t *testing.T, key, data []byte) []byte {
	t.Helper()
	blk, err := aes.NewCipher(key)
	require.NoError(t, err)

	p := 16 - len(data)%16
	data = append(bytes.Clone(data), bytes.Repeat([]byte{byte(p)}, p)...)
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += 16 {
		blk.Encrypt(out[i:i+16], data[i:i+16])
	}
	return out
}

func xorAll(data []byte, mask byte) []byte {
	for i := range data {
		data[i] ^= mask
	}
	return data
}

// samplePlain looks like an MP3 with an empty ID3v2 tag.
func samplePlain(n int) []byte {
	payload := make([]byte, n)
	copy(payload, "ID3\x03\x00\x00\x00\x00\x00\x00")
	for i := 10; i < n; i++ {
		payload[i] = byte(i * 31)
	}
	return payload
}

var pngCover = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

// buildNCM writes a complete container around plain. An empty record leaves
// the metadata block out.
func buildNCM(t *testing.T, plain []byte, record string, cover []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	u32 := func(v uint32) { _ = binary.Write(&buf, binary.LittleEndian, v) }

	keyBlock := xorAll(ecbEncrypt(t, testCoreKey, append([]byte("neteasecloudmusic"), testRC4Key...)), 0x64)
	var metaBlock []byte
	if record != "" {
		text := "163 key(Don't modify):" + base64.StdEncoding.EncodeToString(ecbEncrypt(t, testMetaKey, []byte(record)))
		metaBlock = xorAll([]byte(text), 0x63)
	}

	box, err := ncm.NewKeyBox(testRC4Key)
	require.NoError(t, err)
	stream := box.Keystream()
	payload := bytes.Clone(plain)
	for i := range payload {
		payload[i] ^= stream[i%len(stream)]
	}

	buf.WriteString("CTENFDAM")
	buf.Write([]byte{0x01, 0x70})
	u32(uint32(len(keyBlock)))
	buf.Write(keyBlock)
	u32(uint32(len(metaBlock)))
	buf.Write(metaBlock)
	u32(0)
	buf.WriteByte(0)
	u32(uint32(len(cover)))
	u32(uint32(len(cover)))
	buf.Write(cover)
	buf.Write(payload)
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestProcessor(inputDir, outputDir string) *processor {
	return &processor{
		logger:          zap.NewNop(),
		inputDir:        inputDir,
		outputDir:       outputDir,
		skipNoopDecoder: true,
		namingFormat:    utils.NamingOriginal,
		workers:         2,
		converted:       cache.NewMetadataCache(100, time.Hour),
		metrics:         &metrics.Metrics{},
	}
}
