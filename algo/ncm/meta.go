package ncm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/xorblock"
)

const (
	metaMask = 0x63
	// len(`163 key(Don't modify):`)
	metaSkip = 22
)

var metaKey = []byte{
	0x23, 0x31, 0x34, 0x6C, 0x6A, 0x6B, 0x5F, 0x21,
	0x5C, 0x5D, 0x26, 0x30, 0x55, 0x3C, 0x27, 0x28,
}

// flexString accepts a JSON string or number, keeping numbers verbatim.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type ncmMusicMeta struct {
	MusicID   flexString          `json:"musicId"`
	MusicName string              `json:"musicName"`
	Artist    [][]json.RawMessage `json:"artist"`
	AlbumID   flexString          `json:"albumId"`
	Album     string              `json:"album"`
	AlbumPic  string              `json:"albumPic"`
	Bitrate   int                 `json:"bitrate"`
	Duration  int                 `json:"duration"`
	Alias     []string            `json:"alias"`
	Format    string              `json:"format"`
}

type ncmDjMeta struct {
	MainMusic ncmMusicMeta `json:"mainMusic"`
}

func (m *ncmMusicMeta) trackMeta() *common.TrackMeta {
	meta := &common.TrackMeta{
		TrackID:    string(m.MusicID),
		Name:       m.MusicName,
		Album:      m.Album,
		AlbumID:    string(m.AlbumID),
		Format:     m.Format,
		AlbumPic:   m.AlbumPic,
		Bitrate:    m.Bitrate,
		DurationMs: m.Duration,
		Alias:      m.Alias,
	}
	for _, pair := range m.Artist {
		var artist common.Artist
		if len(pair) > 0 {
			var name flexString
			if json.Unmarshal(pair[0], &name) == nil {
				artist.Name = string(name)
			}
		}
		if len(pair) > 1 {
			var id flexString
			if json.Unmarshal(pair[1], &id) == nil {
				artist.ID = string(id)
			}
		}
		meta.Artists = append(meta.Artists, artist)
	}
	return meta
}

func metaError(format string, a ...any) error {
	return fmt.Errorf("%w: %s", common.ErrMetadataDecode, fmt.Sprintf(format, a...))
}

// decodeMeta turns the obfuscated metadata block into a track record.
// A nil record with a nil error means the block is empty.
func decodeMeta(ecb common.ECBDecrypter, raw []byte) (*common.TrackMeta, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) <= metaSkip {
		return nil, metaError("block too short (%d bytes)", len(raw))
	}

	buf := bytes.Clone(raw)
	xorblock.Mask(buf, metaMask)

	cipherText, err := base64.StdEncoding.DecodeString(string(buf[metaSkip:]))
	if err != nil {
		return nil, metaError("base64: %v", err)
	}
	plain, err := ecb.DecryptECB(metaKey, cipherText)
	if err != nil {
		return nil, metaError("%v", err)
	}
	plain, err = common.TrimPKCS7(plain, 16)
	if err != nil {
		return nil, metaError("%v", err)
	}
	if !utf8.Valid(plain) {
		return nil, metaError("record is not valid utf-8")
	}

	text := string(plain)
	sep := strings.IndexByte(text, ':')
	if sep < 0 {
		return nil, metaError("missing record type prefix")
	}

	var music ncmMusicMeta
	switch recordType, body := text[:sep], []byte(text[sep+1:]); recordType {
	case "music":
		err = json.Unmarshal(body, &music)
	case "dj":
		var dj ncmDjMeta
		err = json.Unmarshal(body, &dj)
		music = dj.MainMusic
	default:
		return nil, metaError("unknown record type %s", strconv.Quote(recordType))
	}
	if err != nil {
		return nil, metaError("json: %v", err)
	}
	return music.trackMeta(), nil
}
