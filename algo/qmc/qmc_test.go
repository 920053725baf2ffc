package qmc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
)

func newTestDecoder(data []byte, ext string) *Decoder {
	return NewDecoder(&common.DecoderParams{
		Reader:    bytes.NewReader(data),
		Extension: ext,
		FilePath:  "song" + ext,
		Logger:    zap.NewNop(),
	}).(*Decoder)
}

func sampleAudio(magic string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, magic)
	for i := len(magic); i < n; i++ {
		buf[i] = byte(i*7 + i>>8)
	}
	return buf
}

func encrypt(c common.StreamDecoder, plain []byte) []byte {
	out := bytes.Clone(plain)
	c.Decrypt(out, 0)
	return out
}

func readAll(t *testing.T, d *Decoder) []byte {
	t.Helper()
	got, err := io.ReadAll(d)
	require.NoError(t, err)
	return got
}

func dynamicTrailer(key []byte, padding int) []byte {
	var tr bytes.Buffer
	tr.Write(bytes.Repeat([]byte{0xEE}, padding))
	tr.WriteString("QTag")
	_ = binary.Write(&tr, binary.LittleEndian, uint32(len(key)))
	for i, b := range key {
		tr.WriteByte(b ^ trailerKeyMask ^ byte(i))
	}
	_ = binary.Write(&tr, binary.LittleEndian, uint32(tr.Len()+4))
	return tr.Bytes()
}

func TestDecoder_StaticSeed(t *testing.T) {
	plain := sampleAudio("ID3\x03", 20_000)
	d := newTestDecoder(encrypt(newStaticCipher(), plain), ".qmc0")

	require.NoError(t, d.Validate())
	assert.Equal(t, StaticSeed, d.Variant())
	assert.Equal(t, ".mp3", d.sniffed)
	assert.Equal(t, plain, readAll(t, d))
}

func TestDecoder_NotEncrypted(t *testing.T) {
	plain := sampleAudio("fLaC\x00\x00\x00\x22", 4096)
	d := newTestDecoder(plain, ".ogg")
	assert.ErrorIs(t, d.Validate(), common.ErrNotEncrypted)
}

func TestDecoder_UnknownPayloadIsNotFatal(t *testing.T) {
	plain := sampleAudio("\x01\x02\x03\x04\x05\x06\x07\x08", 1024)
	d := newTestDecoder(encrypt(newStaticCipher(), plain), ".mflac")

	require.NoError(t, d.Validate())
	assert.Empty(t, d.sniffed)
	assert.Equal(t, ".flac", d.DeclaredFormat())
	assert.Equal(t, plain, readAll(t, d))
}

func TestDecoder_DynamicKey(t *testing.T) {
	key := testKey(256)
	cipher, err := newDynamicCipher(key)
	require.NoError(t, err)

	plain := sampleAudio("OggS\x00\x02", 30_000)
	data := append(encrypt(cipher, plain), dynamicTrailer(key, 64)...)

	d := newTestDecoder(data, ".mgg")
	require.NoError(t, d.Validate())
	assert.Equal(t, DynamicKey, d.Variant())
	assert.Equal(t, key, d.decodedKey)
	assert.Equal(t, ".ogg", d.sniffed)
	assert.Equal(t, plain, readAll(t, d))
}

func TestDecoder_DynamicKeyTruncated(t *testing.T) {
	key := testKey(64)
	tr := dynamicTrailer(key, 64)
	// claim a longer key than the trailer holds
	binary.LittleEndian.PutUint32(tr[64+4:], 4096)

	data := append(sampleAudio("OggS", 1000), tr...)
	err := newTestDecoder(data, ".mgg").Validate()
	assert.ErrorIs(t, err, common.ErrTruncatedContainer)
}

func TestDecoder_SmallTrailerSizeIgnored(t *testing.T) {
	// a trailer size under 100 is not a dynamic key trailer
	plain := sampleAudio("ID3\x03", 1000)
	data := encrypt(newStaticCipher(), plain)
	binary.LittleEndian.PutUint32(data[len(data)-4:], 0) // no raw key either

	d := newTestDecoder(data, ".qmc3")
	require.NoError(t, d.Validate())
	assert.Equal(t, StaticSeed, d.Variant())
}

func TestDecoder_QTagSuffix(t *testing.T) {
	key := testKey(128)
	cipher, err := NewQmcCipherDecoder(key)
	require.NoError(t, err)

	plain := sampleAudio("fLaC\x00\x00\x00\x22", 50_000)
	meta := append(makeEKey(t, key), ",12345,2"...)

	var buf bytes.Buffer
	buf.Write(encrypt(cipher, plain))
	buf.Write(meta)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(meta)))
	buf.WriteString("QTag")

	d := newTestDecoder(buf.Bytes(), ".mflac")
	require.NoError(t, d.Validate())
	assert.Equal(t, DerivedKey, d.Variant())
	assert.Equal(t, ".flac", d.sniffed)
	assert.Equal(t, plain, readAll(t, d))

	m, err := d.GetAudioMeta(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "12345", m.(*common.TrackMeta).TrackID)
}

func TestDecoder_RawKeySuffixRC4(t *testing.T) {
	key := testKey(512)
	cipher, err := NewQmcCipherDecoder(key)
	require.NoError(t, err)

	plain := sampleAudio("ID3\x04", 70_000)
	ekey := makeEKeyV2(t, key)

	var buf bytes.Buffer
	buf.Write(encrypt(cipher, plain))
	buf.Write(ekey)
	buf.Write([]byte{0, 0}) // NUL padding is trimmed
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(ekey)+2))

	d := newTestDecoder(buf.Bytes(), ".mflac0")
	require.NoError(t, d.Validate())
	assert.Equal(t, DerivedKey, d.Variant())
	assert.IsType(t, &rc4Cipher{}, d.cipher)
	assert.Equal(t, plain, readAll(t, d))

	m, err := d.GetAudioMeta(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func TestDecoder_STag(t *testing.T) {
	data := append(sampleAudio("", 500), "STag"...)
	err := newTestDecoder(data, ".mflac").Validate()
	assert.ErrorIs(t, err, common.ErrKeyUnwrap)
}

func TestDecoder_MMKVNotOpened(t *testing.T) {
	CloseMMKV()
	_, err := readKeyFromMMKV("song.mflac", zap.NewNop())
	assert.ErrorIs(t, err, errNoVault)
}

func TestDecoder_Seek(t *testing.T) {
	plain := sampleAudio("ID3\x03", 10_000)
	d := newTestDecoder(encrypt(newStaticCipher(), plain), ".qmc0")
	require.NoError(t, d.Validate())

	pos, err := d.Seek(5000, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), pos)

	buf := make([]byte, 100)
	_, err = io.ReadFull(d, buf)
	require.NoError(t, err)
	assert.Equal(t, plain[5000:5100], buf)

	pos, err = d.Seek(-10, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(9990), pos)
	assert.Equal(t, plain[9990:], readAll(t, d))

	_, err = d.Seek(-1, io.SeekStart)
	assert.Error(t, err)
}

func TestDecoder_RawPayloadParallel(t *testing.T) {
	key := testKey(200)
	cipher, err := newDynamicCipher(key)
	require.NoError(t, err)

	plain := sampleAudio("OggS", 200_000)
	data := append(encrypt(cipher, plain), dynamicTrailer(key, 100)...)

	d := newTestDecoder(data, ".mgg")
	require.NoError(t, d.Validate())
	got, err := common.DecodeAll(context.Background(), d, 8192, 4)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestCipherVariant_String(t *testing.T) {
	assert.Equal(t, "static", StaticSeed.String())
	assert.Equal(t, "dynamic", DynamicKey.String())
	assert.Equal(t, "derived", DerivedKey.String())
	assert.Equal(t, "unknown(9)", CipherVariant(9).String())
}

func TestRegisteredExtensions(t *testing.T) {
	exts := common.SupportedExtensions()
	for _, ext := range []string{".qmc", ".qmc0", ".qmc3", ".qmcflac", ".qmcogg", ".mgg", ".mflac", ".mgge", ".ogg"} {
		assert.Contains(t, exts, ext)
	}
}
