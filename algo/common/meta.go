package common

import (
	"path"
	"strings"

	"github.com/samber/lo"
)

type AudioMeta interface {
	GetArtists() []string
	GetTitle() string
	GetAlbum() string
}

// Artist is one (name, id) pair of a track's ordered artist list.
type Artist struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

// TrackMeta is the metadata record recovered from a container. It is built
// once by the decoder and read-only afterwards.
type TrackMeta struct {
	TrackID string   `json:"track_id"`
	Name    string   `json:"name"`
	Artists []Artist `json:"artists,omitempty"`
	Album   string   `json:"album,omitempty"`
	AlbumID string   `json:"album_id,omitempty"`
	// Format is the output format declared by the container, eg. "flac".
	Format     string   `json:"declared_format,omitempty"`
	AlbumPic   string   `json:"album_pic,omitempty"`
	Bitrate    int      `json:"bitrate,omitempty"`
	DurationMs int      `json:"duration_ms,omitempty"`
	Alias      []string `json:"alias,omitempty"`
}

func (m *TrackMeta) GetTitle() string { return m.Name }
func (m *TrackMeta) GetAlbum() string { return m.Album }

func (m *TrackMeta) GetArtists() []string {
	return lo.FilterMap(m.Artists, func(a Artist, _ int) (string, bool) {
		return a.Name, a.Name != ""
	})
}

// ArtistDisplay joins artist names the way players show them.
func (m *TrackMeta) ArtistDisplay() string {
	return strings.Join(m.GetArtists(), ", ")
}

type filenameMeta struct {
	artists []string
	title   string
	album   string
}

func (f *filenameMeta) GetArtists() []string {
	return f.artists
}

func (f *filenameMeta) GetTitle() string {
	return f.title
}

func (f *filenameMeta) GetAlbum() string {
	return f.album
}

// ParseFilenameMeta reads "title - artist1,artist2" style names.
func ParseFilenameMeta(filename string) (meta AudioMeta) {
	partName := strings.TrimSuffix(filename, path.Ext(filename))
	items := strings.Split(partName, " - ")
	ret := &filenameMeta{}

	switch len(items) {
	case 0:
		// no-op
	case 1:
		ret.title = strings.TrimSpace(items[0])
	default:
		ret.title = strings.TrimSpace(items[0])

		for _, v := range items[1:] {
			artists := strings.FieldsFunc(v, func(r rune) bool {
				return r == ',' || r == '_'
			})
			for _, artist := range artists {
				ret.artists = append(ret.artists, strings.TrimSpace(artist))
			}
		}
	}

	return ret
}

// metaWrapper prefers the container metadata and fills gaps from the file name.
type metaWrapper struct {
	original AudioMeta
	filename AudioMeta
}

func (m *metaWrapper) GetTitle() string {
	if title := m.original.GetTitle(); title != "" {
		return title
	}
	return m.filename.GetTitle()
}

func (m *metaWrapper) GetAlbum() string {
	if album := m.original.GetAlbum(); album != "" {
		return album
	}
	return m.filename.GetAlbum()
}

func (m *metaWrapper) GetArtists() []string {
	if artists := m.original.GetArtists(); len(artists) > 0 {
		return artists
	}
	return m.filename.GetArtists()
}

func WrapMetaWithFilename(original AudioMeta, filename string) AudioMeta {
	if original == nil {
		return ParseFilenameMeta(filename)
	}
	return &metaWrapper{
		original: original,
		filename: ParseFilenameMeta(filename),
	}
}
