package ncm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlock-music.dev/um/algo/common"
)

func TestDecodeMeta_TrackID(t *testing.T) {
	tests := []struct {
		name   string
		record string
	}{
		{"numeric id", `music:{"musicId":12345,"musicName":"x","format":"mp3"}`},
		{"string id", `music:{"musicId":"12345","musicName":"x","format":"mp3"}`},
		{"dj program", `dj:{"programId":1,"mainMusic":{"musicId":12345,"musicName":"x","format":"mp3"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := decodeMeta(common.AESECB, buildMetaBlock(t, tt.record))
			require.NoError(t, err)
			require.NotNil(t, meta)
			assert.Equal(t, "12345", meta.TrackID)
			assert.Equal(t, "x", meta.GetTitle())
			assert.Equal(t, "mp3", meta.Format)
		})
	}
}

func TestDecodeMeta_LargeID(t *testing.T) {
	meta, err := decodeMeta(common.AESECB, buildMetaBlock(t, `music:{"musicId":1234567890123456789}`))
	require.NoError(t, err)
	assert.Equal(t, "1234567890123456789", meta.TrackID)
}

func TestDecodeMeta_Empty(t *testing.T) {
	meta, err := decodeMeta(common.AESECB, nil)
	assert.NoError(t, err)
	assert.Nil(t, meta)
}

func TestDecodeMeta_Failures(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"too short", xorAll([]byte("163 key"), metaMask)},
		{"bad base64", xorAll([]byte("163 key(Don't modify):***"), metaMask)},
		{"misaligned cipher text", xorAll([]byte("163 key(Don't modify):QUJD"), metaMask)},
		{"bad json", buildMetaBlock(t, `music:{"musicId":`)},
		{"unknown prefix", buildMetaBlock(t, `video:{}`)},
		{"no prefix", buildMetaBlock(t, `{"musicId":1}`)},
		{"bad utf8", buildMetaBlock(t, "music:{\"musicName\":\"\xff\xfe\"}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := decodeMeta(common.AESECB, tt.raw)
			assert.Nil(t, meta)
			assert.ErrorIs(t, err, common.ErrMetadataDecode)
		})
	}
}
