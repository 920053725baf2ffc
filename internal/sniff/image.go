package sniff

import "bytes"

type webpSniffer struct{}

func (webpSniffer) Sniff(header []byte) bool {
	return len(header) >= 12 &&
		bytes.HasPrefix(header, []byte("RIFF")) &&
		bytes.Equal(header[8:12], []byte("WEBP"))
}

var imageSniffers = []struct {
	ext string
	Sniffer
}{
	{".jpg", prefixSniffer{0xFF, 0xD8, 0xFF}},
	{".png", prefixSniffer{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{".gif", prefixSniffer("GIF8")},
	{".webp", webpSniffer{}},
	{".bmp", prefixSniffer("BM")},
}

// ImageExtension sniffs cover art formats.
func ImageExtension(header []byte) (string, bool) {
	for _, s := range imageSniffers {
		if s.Sniff(header) {
			return s.ext, true
		}
	}
	return "", false
}
