package probe

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bogem/id3v2"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamInfo(sampleRate, channels, bitDepth int, samples int64) []byte {
	data := make([]byte, 34)
	binary.BigEndian.PutUint16(data[0:], 4096)
	binary.BigEndian.PutUint16(data[2:], 4096)
	packed := uint64(sampleRate)<<44 | uint64(channels-1)<<41 | uint64(bitDepth-1)<<36 | uint64(samples)
	binary.BigEndian.PutUint64(data[10:], packed)
	return data
}

func buildFlac(t *testing.T, withTags bool) []byte {
	t.Helper()
	blocks := []flac.MetaDataBlock{{Type: flac.StreamInfo, Data: streamInfo(44100, 2, 16, 441000)}}
	if withTags {
		cmts := flacvorbis.New()
		require.NoError(t, cmts.Add(flacvorbis.FIELD_TITLE, "Song"))
		require.NoError(t, cmts.Add(flacvorbis.FIELD_ARTIST, "A"))
		blocks = append(blocks, cmts.Marshal())

		pic := &flacpicture.MetadataBlockPicture{
			PictureType: flacpicture.PictureTypeFrontCover,
			MIME:        "image/png",
			ImageData:   []byte{0x89, 'P', 'N', 'G'},
		}
		blocks = append(blocks, pic.Marshal())
	}

	var buf bytes.Buffer
	buf.WriteString("fLaC")
	for i, block := range blocks {
		head := byte(block.Type)
		if i == len(blocks)-1 {
			head |= 0x80
		}
		n := len(block.Data)
		buf.Write([]byte{head, byte(n >> 16), byte(n >> 8), byte(n)})
		buf.Write(block.Data)
	}
	buf.Write([]byte{0xFF, 0xF8, 0x69, 0x08, 0x00, 0x00})
	return buf.Bytes()
}

func TestReader_Flac(t *testing.T) {
	rep, err := Reader(bytes.NewReader(buildFlac(t, true)), ".FLAC")
	require.NoError(t, err)
	assert.Equal(t, ".flac", rep.Format)
	assert.Equal(t, 44100, rep.SampleRate)
	assert.Equal(t, 2, rep.Channels)
	assert.Equal(t, 16, rep.BitDepth)
	assert.Equal(t, int64(441000), rep.Samples)
	assert.True(t, rep.Tagged)
	assert.Equal(t, "Song", rep.Title)
	assert.Equal(t, "A", rep.Artist)
	assert.Equal(t, "image/png", rep.PictureMIME)

	rep, err = Reader(bytes.NewReader(buildFlac(t, false)), ".flac")
	require.NoError(t, err)
	assert.False(t, rep.Tagged)
}

func TestReader_MP3(t *testing.T) {
	frame := []byte{0xFF, 0xFB, 0x90, 0x64, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	rep, err := Reader(bytes.NewReader(frame), ".mp3")
	require.NoError(t, err)
	assert.False(t, rep.Tagged)

	tag := id3v2.NewEmptyTag()
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle("Song")
	tag.SetArtist("A")
	tag.AddAttachedPicture(id3v2.PictureFrame{
		Encoding:    id3v2.EncodingUTF8,
		MimeType:    "image/jpeg",
		PictureType: id3v2.PTFrontCover,
		Picture:     []byte{0xFF, 0xD8, 0xFF},
	})
	var buf bytes.Buffer
	_, err = tag.WriteTo(&buf)
	require.NoError(t, err)
	buf.Write(frame)

	rep, err = Reader(&buf, ".mp3")
	require.NoError(t, err)
	assert.True(t, rep.Tagged)
	assert.Equal(t, "Song", rep.Title)
	assert.Equal(t, "A", rep.Artist)
	assert.Equal(t, "image/jpeg", rep.PictureMIME)
}

func TestFile_TaggedMP3(t *testing.T) {
	tag := id3v2.NewEmptyTag()
	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle("A title long enough to spill past the sniffed header")
	tag.SetAlbum("Album")
	var buf bytes.Buffer
	_, err := tag.WriteTo(&buf)
	require.NoError(t, err)
	tagLen := buf.Len()
	buf.Write([]byte{0xFF, 0xFB, 0x90, 0x64, 0, 0, 0, 0})

	assert.Equal(t, tagLen, id3TagLen(buf.Bytes()))
	assert.Zero(t, id3TagLen([]byte{0xFF, 0xFB, 0x90, 0x64, 0, 0, 0, 0, 0, 0}))

	name := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o644))
	rep, err := File(name, ".mp3")
	require.NoError(t, err)
	assert.True(t, rep.Tagged)
	assert.Equal(t, "A title long enough to spill past the sniffed header", rep.Title)
	assert.Equal(t, "Album", rep.Album)

	// a tag cut short is a failed verification
	_, err = Reader(bytes.NewReader(buf.Bytes()[:tagLen/2]), ".mp3")
	assert.Error(t, err)
}

func TestReader_Mismatch(t *testing.T) {
	_, err := Reader(bytes.NewReader([]byte("OggS\x00\x02")), ".flac")
	assert.ErrorIs(t, err, ErrFormatMismatch)

	rep, err := Reader(bytes.NewReader([]byte("OggS\x00\x02\x00\x00")), ".ogg")
	require.NoError(t, err)
	assert.Equal(t, ".ogg", rep.Format)

	_, err = Reader(bytes.NewReader(nil), ".mp3")
	assert.Error(t, err)
}

func TestFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "song.flac")
	require.NoError(t, os.WriteFile(name, buildFlac(t, false), 0o644))

	rep, err := File(name, ".flac")
	require.NoError(t, err)
	assert.Equal(t, 44100, rep.SampleRate)

	_, err = File(filepath.Join(t.TempDir(), "missing.flac"), ".flac")
	assert.Error(t, err)
}
