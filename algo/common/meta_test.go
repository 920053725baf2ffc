package common

import (
	"reflect"
	"testing"
)

func TestParseFilenameMeta(t *testing.T) {
	tests := []struct {
		name     string
		wantMeta AudioMeta
	}{
		{
			name:     "test1",
			wantMeta: &filenameMeta{title: "test1"},
		},
		{
			name:     "周杰伦 - 晴天.flac",
			wantMeta: &filenameMeta{artists: []string{"晴天"}, title: "周杰伦"},
		},
		{
			name:     "Alpha - Beta,Gamma.ncm",
			wantMeta: &filenameMeta{artists: []string{"Beta", "Gamma"}, title: "Alpha"},
		},
		{
			name:     "Alpha - Beta_Gamma.qmcflac",
			wantMeta: &filenameMeta{artists: []string{"Beta", "Gamma"}, title: "Alpha"},
		},
		{
			name:     "Well-Known Title.mp3",
			wantMeta: &filenameMeta{title: "Well-Known Title"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if gotMeta := ParseFilenameMeta(tt.name); !reflect.DeepEqual(gotMeta, tt.wantMeta) {
				t.Errorf("ParseFilenameMeta() = %v, want %v", gotMeta, tt.wantMeta)
			}
		})
	}
}

func TestWrapMetaWithFilename(t *testing.T) {
	track := &TrackMeta{Name: "", Album: "Album", Artists: []Artist{{Name: "A", ID: "1"}, {Name: ""}}}
	meta := WrapMetaWithFilename(track, "Title - Someone.ncm")

	if got := meta.GetTitle(); got != "Title" {
		t.Errorf("GetTitle() = %q", got)
	}
	if got := meta.GetAlbum(); got != "Album" {
		t.Errorf("GetAlbum() = %q", got)
	}
	if got := meta.GetArtists(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("GetArtists() = %v", got)
	}

	if got := WrapMetaWithFilename(nil, "Only.ncm").GetTitle(); got != "Only" {
		t.Errorf("GetTitle() without container meta = %q", got)
	}
}

func TestTrackMeta_ArtistDisplay(t *testing.T) {
	m := &TrackMeta{Artists: []Artist{{Name: "A"}, {Name: "B"}, {Name: "C"}}}
	if got := m.ArtistDisplay(); got != "A, B, C" {
		t.Errorf("ArtistDisplay() = %q", got)
	}
}
