package common

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

type NewDecoderFunc func(p *DecoderParams) Decoder

type DecoderFactory struct {
	noop   bool
	Suffix string
	Create NewDecoderFunc
}

var DecoderRegistry []DecoderFactory

func RegisterDecoder(ext string, noop bool, dispatchFunc NewDecoderFunc) {
	DecoderRegistry = append(DecoderRegistry,
		DecoderFactory{noop: noop, Create: dispatchFunc, Suffix: "." + strings.TrimPrefix(ext, ".")})
}

// GetDecoder returns every registered factory whose suffix matches filename,
// longest suffix first so ".kgm.flac"-style names win over ".flac".
func GetDecoder(filename string, skipNoop bool) (rs []DecoderFactory) {
	name := strings.ToLower(filepath.Base(filename))
	for _, dec := range DecoderRegistry {
		if !strings.HasSuffix(name, dec.Suffix) {
			continue
		}
		if skipNoop && dec.noop {
			continue
		}
		rs = append(rs, dec)
	}
	sort.SliceStable(rs, func(i, j int) bool { return len(rs[i].Suffix) > len(rs[j].Suffix) })
	return
}

// SupportedExtensions lists the registered suffixes, without duplicates.
func SupportedExtensions() []string {
	return lo.Uniq(lo.Map(DecoderRegistry, func(dec DecoderFactory, _ int) string {
		return dec.Suffix
	}))
}
