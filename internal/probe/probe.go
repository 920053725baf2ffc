// Package probe reads back a decoded file and checks that it parses as the
// audio format it was written as.
package probe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bogem/id3v2"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"

	"unlock-music.dev/um/internal/sniff"
)

var ErrFormatMismatch = errors.New("decoded data does not match output format")

// Report describes what was found in a decoded file. Fields the format does
// not carry are left zero.
type Report struct {
	Format string `json:"format"`

	SampleRate int   `json:"sample_rate,omitempty"`
	Channels   int   `json:"channels,omitempty"`
	BitDepth   int   `json:"bit_depth,omitempty"`
	Samples    int64 `json:"samples,omitempty"`

	Tagged      bool   `json:"tagged"`
	TagVersion  int    `json:"tag_version,omitempty"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	PictureMIME string `json:"picture_mime,omitempty"`
}

const headerLen = 16

// File verifies the decoded file at path, expected to be of format ext.
func File(path, ext string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("probe open: %w", err)
	}
	defer f.Close()
	return Reader(f, ext)
}

func Reader(r io.Reader, ext string) (*Report, error) {
	header := make([]byte, headerLen)
	n, err := io.ReadFull(r, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("probe read header: %w", err)
	}
	header = header[:n]

	ext = strings.ToLower(ext)
	if got, ok := sniff.AudioExtension(header); !ok || got != ext {
		return nil, fmt.Errorf("%w: want %s, sniffed %q", ErrFormatMismatch, ext, got)
	}

	switch ext {
	case ".flac":
		return probeFlac(io.MultiReader(bytes.NewReader(header), r))
	case ".mp3":
		return probeMP3(header, r)
	default:
		return &Report{Format: ext}, nil
	}
}

func probeFlac(r io.Reader) (*Report, error) {
	file, err := flac.ParseBytes(r)
	if err != nil {
		return nil, fmt.Errorf("probe flac: %w", err)
	}
	info, err := file.GetStreamInfo()
	if err != nil {
		return nil, fmt.Errorf("probe flac stream info: %w", err)
	}

	rep := &Report{
		Format:     ".flac",
		SampleRate: info.SampleRate,
		Channels:   info.ChannelCount,
		BitDepth:   info.BitDepth,
		Samples:    info.SampleCount,
	}

	for _, block := range file.Meta {
		switch block.Type {
		case flac.VorbisComment:
			cmts, err := flacvorbis.ParseFromMetaDataBlock(*block)
			if err != nil {
				return nil, fmt.Errorf("probe flac comments: %w", err)
			}
			rep.Tagged = true
			rep.Title = firstComment(cmts, flacvorbis.FIELD_TITLE)
			rep.Artist = firstComment(cmts, flacvorbis.FIELD_ARTIST)
			rep.Album = firstComment(cmts, flacvorbis.FIELD_ALBUM)
		case flac.Picture:
			pic, err := flacpicture.ParseFromMetaDataBlock(*block)
			if err != nil {
				return nil, fmt.Errorf("probe flac picture: %w", err)
			}
			if rep.PictureMIME == "" {
				rep.PictureMIME = pic.MIME
			}
		}
	}
	return rep, nil
}

func firstComment(cmts *flacvorbis.MetaDataBlockVorbisComment, field string) string {
	values, err := cmts.Get(field)
	if err != nil || len(values) == 0 {
		return ""
	}
	return values[0]
}

const (
	id3HeaderLen  = 10
	id3FooterFlag = 0x10
)

// id3TagLen is the full length of the ID3v2 tag starting header, footer
// included, or 0 when header does not start one.
func id3TagLen(header []byte) int {
	if len(header) < id3HeaderLen || !bytes.HasPrefix(header, []byte("ID3")) {
		return 0
	}
	size := 0
	for _, b := range header[6:10] {
		size = size<<7 | int(b&0x7f)
	}
	size += id3HeaderLen
	if header[5]&id3FooterFlag != 0 {
		size += id3HeaderLen
	}
	return size
}

// probeMP3 parses the ID3v2 tag from an in-memory copy: the parser only
// reads a tag correctly from a single contiguous reader.
func probeMP3(header []byte, r io.Reader) (*Report, error) {
	tagData := header
	if n := id3TagLen(header); n > len(header) {
		tagData = make([]byte, n)
		copy(tagData, header)
		if _, err := io.ReadFull(r, tagData[len(header):]); err != nil {
			return nil, fmt.Errorf("probe read id3v2 tag: %w", err)
		}
	}

	tag, err := id3v2.ParseReader(bytes.NewReader(tagData), id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("probe id3v2: %w", err)
	}
	defer tag.Close()

	rep := &Report{Format: ".mp3", Tagged: tag.HasFrames()}
	if !rep.Tagged {
		return rep, nil
	}
	rep.TagVersion = int(tag.Version())
	rep.Title = tag.Title()
	rep.Artist = tag.Artist()
	rep.Album = tag.Album()
	for _, frame := range tag.GetFrames(tag.CommonID("Attached picture")) {
		if pic, ok := frame.(id3v2.PictureFrame); ok {
			rep.PictureMIME = pic.MimeType
			break
		}
	}
	return rep, nil
}
