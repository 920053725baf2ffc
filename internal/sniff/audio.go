package sniff

import (
	"bytes"
	"strings"

	"golang.org/x/exp/slices"
)

type Sniffer interface {
	Sniff(header []byte) bool
}

type audioSniffer struct {
	ext string
	Sniffer
}

// audioSniffers is checked in order; the first match wins.
var audioSniffers = []audioSniffer{
	{".mp3", mp3Sniffer{}},
	{".ogg", prefixSniffer("OggS")},
	{".flac", prefixSniffer("fLaC")},
	{".wav", prefixSniffer("RIFF")},
	{".m4a", ftypSniffer{}},

	// ref: https://www.loc.gov/preservation/digital/formats/fdd/fdd000027.shtml
	{".wma", prefixSniffer{
		0x30, 0x26, 0xb2, 0x75, 0x8e, 0x66, 0xcf, 0x11,
		0xa6, 0xd9, 0x00, 0xaa, 0x00, 0x62, 0xce, 0x6c,
	}},
	{".dff", prefixSniffer("FRM8")}, // DSDIFF
}

// PlausibleFormats are the declared formats a container may be trusted with.
var PlausibleFormats = []string{".mp3", ".flac", ".ogg", ".m4a", ".wav"}

// AudioExtension sniffs the known audio types, and returns the file extension.
// header is recommended to at least 16 bytes.
func AudioExtension(header []byte) (string, bool) {
	for _, s := range audioSniffers {
		if s.Sniff(header) {
			return s.ext, true
		}
	}
	return "", false
}

// AudioExtensionWithDeclared resolves the output extension from the header,
// then from the format declared by the container. ok is false when neither
// is usable and ".mp3" is returned as the last resort.
func AudioExtensionWithDeclared(header []byte, declared string) (ext string, ok bool) {
	if ext, ok := AudioExtension(header); ok {
		return ext, true
	}
	if ext := NormalizeFormat(declared); slices.Contains(PlausibleFormats, ext) {
		return ext, true
	}
	return ".mp3", false
}

// NormalizeFormat turns "FLAC", "flac" or ".flac" into ".flac".
func NormalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return ""
	}
	return "." + strings.TrimPrefix(format, ".")
}

// FallbackForExtension returns the payload format implied by an encrypted
// file extension.
func FallbackForExtension(inputExt string) string {
	switch strings.ToLower(inputExt) {
	case ".mgg", ".mgg0", ".mgg1", ".mgga", ".mggh", ".mggl", ".mggm", ".qmcogg", ".ogg":
		return ".ogg"
	case ".mflac", ".mflac0", ".mflac1", ".mflaca", ".mflach", ".mflacl", ".mflacm", ".qmcflac", ".mgge":
		return ".flac"
	default:
		return ".mp3"
	}
}

type prefixSniffer []byte

func (s prefixSniffer) Sniff(header []byte) bool {
	return bytes.HasPrefix(header, s)
}

// ftypSniffer matches an MPEG-4 container by the box type at bytes 4..8.
type ftypSniffer struct{}

func (ftypSniffer) Sniff(header []byte) bool {
	return len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp"))
}

// mp3Sniffer matches an ID3v2 tag or a frame sync at the first byte.
type mp3Sniffer struct{}

func (mp3Sniffer) Sniff(header []byte) bool {
	if bytes.HasPrefix(header, []byte("ID3")) {
		return true
	}
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0
}
