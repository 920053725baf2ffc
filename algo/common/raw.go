package common

import (
	"errors"
	"fmt"
	"io"

	"unlock-music.dev/um/internal/sniff"
)

// RawDecoder passes an already plain audio file through unchanged. It is a
// noop decoder: GetDecoder leaves it out when skipNoop is set.
type RawDecoder struct {
	rd       io.ReadSeeker
	audioExt string
}

func NewRawDecoder(p *DecoderParams) Decoder {
	return &RawDecoder{rd: p.Reader}
}

func (d *RawDecoder) Validate() error {
	header := make([]byte, 16)
	if _, err := io.ReadFull(d.rd, header); err != nil {
		return fmt.Errorf("raw read header: %w", err)
	}
	if _, err := d.rd.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("raw seek to start: %w", err)
	}

	var ok bool
	if d.audioExt, ok = sniff.AudioExtension(header); !ok {
		return errors.New("raw: sniff audio type failed")
	}
	return nil
}

func (d *RawDecoder) Read(p []byte) (n int, err error) {
	return d.rd.Read(p)
}

// DeclaredFormat is the sniffed format; it is only known after Validate.
func (d *RawDecoder) DeclaredFormat() string {
	return d.audioExt
}

func init() {
	for _, ext := range []string{"mp3", "flac", "ogg", "m4a", "wav", "wma", "aac"} {
		RegisterDecoder(ext, true, NewRawDecoder)
	}
}
