package utils

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"

	"unlock-music.dev/um/algo/common"
)

type NamingFormat string

const (
	NamingAuto        NamingFormat = "auto"
	NamingOriginal    NamingFormat = "original"
	NamingArtistTitle NamingFormat = "artist-title"
	NamingTitleArtist NamingFormat = "title-artist"
)

var NamingFormats = []NamingFormat{NamingAuto, NamingOriginal, NamingArtistTitle, NamingTitleArtist}

func ParseNamingFormat(s string) (NamingFormat, bool) {
	f := NamingFormat(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return NamingAuto, true
	}
	return f, lo.Contains(NamingFormats, f)
}

// maxNameBytes leaves room for the extension under the usual 255 byte limit.
const maxNameBytes = 200

// SanitizeFilename makes name safe as a single path element on every
// platform: NFC normalised, reserved and control characters replaced,
// surrounding dots and spaces trimmed.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.Trim(name, " .")

	if len(name) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimRight(name[:cut], " .")
	}
	return name
}

// OutputFilename builds the output file name from the input base name (with
// the container suffix already stripped), the detected audio extension and
// the track metadata, which may be nil.
//
// auto keeps the input name unless it carries no information (empty or only
// digits, eg. a QMC track id), in which case it falls back to artist-title.
func OutputFilename(format NamingFormat, baseName, audioExt string, meta common.AudioMeta) string {
	var name string
	switch format {
	case NamingOriginal:
		name = baseName
	case NamingArtistTitle:
		name = metaName(meta, baseName+audioExt, baseName, false)
	case NamingTitleArtist:
		name = metaName(meta, baseName+audioExt, baseName, true)
	default:
		name = baseName
		if isOpaqueName(baseName) {
			name = metaName(meta, baseName+audioExt, baseName, false)
		}
	}

	if name = SanitizeFilename(name); name == "" {
		name = SanitizeFilename(baseName)
	}
	if name == "" {
		name = "untitled"
	}
	return name + audioExt
}

// fileName keeps an extension so that dots in baseName survive parsing.
func metaName(meta common.AudioMeta, fileName, baseName string, titleFirst bool) string {
	wrapped := common.WrapMetaWithFilename(meta, fileName)
	title := strings.TrimSpace(wrapped.GetTitle())
	if title == "" {
		return baseName
	}
	artists := strings.Join(lo.Compact(wrapped.GetArtists()), ", ")
	switch {
	case artists == "":
		return title
	case titleFirst:
		return title + " - " + artists
	default:
		return artists + " - " + title
	}
}

func isOpaqueName(name string) bool {
	name = strings.TrimSpace(name)
	return name == "" || strings.IndexFunc(name, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}

// TrimContainerSuffix strips suffix (eg. ".mflac0") from the base name of
// path, case insensitively.
func TrimContainerSuffix(path, suffix string) string {
	base := filepath.Base(path)
	if len(base) >= len(suffix) && strings.EqualFold(base[len(base)-len(suffix):], suffix) {
		return base[:len(base)-len(suffix)]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
