package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudioExtension(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   string
		ok     bool
	}{
		{"id3", []byte("ID3\x04\x00\x00\x00\x00"), ".mp3", true},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x64}, ".mp3", true},
		{"mp3 frame sync minimal", []byte{0xFF, 0xE0}, ".mp3", true},
		{"not a sync", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "", false},
		{"ogg", []byte("OggS\x00\x02"), ".ogg", true},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), ".flac", true},
		{"wav", []byte("RIFF\x24\x00\x00\x00WAVE"), ".wav", true},
		{"m4a", []byte("\x00\x00\x00\x20ftypM4A \x00\x00\x00\x00"), ".m4a", true},
		{"mp4 brand still m4a", []byte("\x00\x00\x00\x18ftypisom"), ".m4a", true},
		{"dff", []byte("FRM8\x00\x00"), ".dff", true},
		{"empty", nil, "", false},
		{"garbage", []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AudioExtension(tt.header)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestAudioExtensionWithDeclared(t *testing.T) {
	garbage := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	ext, ok := AudioExtensionWithDeclared(garbage, "flac")
	assert.Equal(t, ".flac", ext)
	assert.True(t, ok)

	ext, ok = AudioExtensionWithDeclared(garbage, "exe")
	assert.Equal(t, ".mp3", ext)
	assert.False(t, ok)

	ext, ok = AudioExtensionWithDeclared(garbage, "")
	assert.Equal(t, ".mp3", ext)
	assert.False(t, ok)

	// magic beats the declared format
	ext, ok = AudioExtensionWithDeclared([]byte("OggS"), "flac")
	assert.Equal(t, ".ogg", ext)
	assert.True(t, ok)
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, ".flac", NormalizeFormat("FLAC"))
	assert.Equal(t, ".mp3", NormalizeFormat(".mp3"))
	assert.Equal(t, "", NormalizeFormat("  "))
}

func TestFallbackForExtension(t *testing.T) {
	assert.Equal(t, ".flac", FallbackForExtension(".mflac"))
	assert.Equal(t, ".flac", FallbackForExtension(".QMCFLAC"))
	assert.Equal(t, ".ogg", FallbackForExtension(".mgg"))
	assert.Equal(t, ".mp3", FallbackForExtension(".qmc0"))
}

func TestImageExtension(t *testing.T) {
	tests := []struct {
		header []byte
		want   string
	}{
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, ".jpg"},
		{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, ".png"},
		{[]byte("GIF89a"), ".gif"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), ".webp"},
		{[]byte("BM\x00\x00"), ".bmp"},
	}
	for _, tt := range tests {
		got, ok := ImageExtension(tt.header)
		assert.True(t, ok, tt.want)
		assert.Equal(t, tt.want, got)
	}

	_, ok := ImageExtension([]byte("OggS"))
	assert.False(t, ok)
}
