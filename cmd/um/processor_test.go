package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/algo/qmc"
	"unlock-music.dev/um/internal/cache"
	"unlock-music.dev/um/internal/utils"
)

func TestProcessFile_NCM(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	plain := samplePlain(5000)
	src := writeFile(t, filepath.Join(in, "sub", "track.ncm"), buildNCM(t, plain, testMetaRecord, nil))

	p := newTestProcessor(in, out)
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, ".mp3", res.Format)
	assert.Equal(t, filepath.Join(out, "sub", "track.mp3"), res.Output)

	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	tm, ok := res.Meta.(*common.TrackMeta)
	require.True(t, ok)
	assert.Equal(t, "12345", tm.TrackID)
	assert.Equal(t, "A, B", tm.ArtistDisplay())

	s := p.metrics.GetSnapshot()
	assert.Equal(t, int64(1), s.FilesSucceeded)
	assert.Equal(t, int64(len(plain)), s.TotalBytesDecrypted)
	assert.Zero(t, s.ParallelDecodes)
	assert.FileExists(t, src)
}

func TestProcessFile_NoMetadata(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "12345.ncm"), buildNCM(t, samplePlain(600), "", nil))

	p := newTestProcessor(in, in)
	p.namingFormat = utils.NamingAuto
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.Nil(t, res.Meta)
	assert.Equal(t, filepath.Join(in, "12345.mp3"), res.Output)
}

func TestProcessFile_NamingFromMeta(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "12345.ncm"), buildNCM(t, samplePlain(600), testMetaRecord, nil))

	p := newTestProcessor(in, in)
	p.namingFormat = utils.NamingAuto
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in, "A, B - Song.mp3"), res.Output)
}

func TestProcessFile_ParallelMatchesSequential(t *testing.T) {
	in := t.TempDir()
	plain := samplePlain(3<<20 + 17)
	src := writeFile(t, filepath.Join(in, "big.ncm"), buildNCM(t, plain, testMetaRecord, nil))

	seq := newTestProcessor(in, filepath.Join(in, "seq"))
	resSeq, err := seq.processFile(context.Background(), src, "")
	require.NoError(t, err)

	par := newTestProcessor(in, filepath.Join(in, "par"))
	par.parallelThreshold = 1
	par.workers = 4
	resPar, err := par.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), par.metrics.GetSnapshot().ParallelDecodes)

	a, err := os.ReadFile(resSeq.Output)
	require.NoError(t, err)
	b, err := os.ReadFile(resPar.Output)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, a))
	assert.True(t, bytes.Equal(a, b))
}

func TestProcessFile_Failures(t *testing.T) {
	in := t.TempDir()
	p := newTestProcessor(in, in)

	bad := writeFile(t, filepath.Join(in, "bad.ncm"), []byte("NOTANCMFILE-----------"))
	_, err := p.processFile(context.Background(), bad, "")
	assert.ErrorIs(t, err, common.ErrInvalidMagic)

	txt := writeFile(t, filepath.Join(in, "notes.txt"), []byte("hello"))
	_, err = p.processFile(context.Background(), txt, "")
	assert.ErrorIs(t, err, errNoDecoder)

	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no partial output is left behind")
	assert.Equal(t, int64(2), p.metrics.GetSnapshot().FilesFailed)
}

func TestProcessFile_NotEncrypted(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "plain.qmc0"), samplePlain(2000))

	p := newTestProcessor(in, in)
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "not encrypted", res.SkipReason)
	assert.Equal(t, int64(1), p.metrics.GetSnapshot().FilesSkipped)
}

func TestProcessFile_ExistingOutput(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "track.ncm"), buildNCM(t, samplePlain(600), "", nil))
	dest := writeFile(t, filepath.Join(in, "track.mp3"), []byte("keep me"))

	p := newTestProcessor(in, in)
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	got, _ := os.ReadFile(dest)
	assert.Equal(t, "keep me", string(got))

	p.overwriteOutput = true
	res, err = p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	got, _ = os.ReadFile(dest)
	assert.Equal(t, samplePlain(600), got)
}

func TestProcessFile_CoverVerifyRemove(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeFile(t, filepath.Join(in, "track.ncm"), buildNCM(t, samplePlain(800), testMetaRecord, pngCover))

	p := newTestProcessor(in, out)
	p.extractCover = true
	p.verify = true
	p.removeSource = true
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)

	require.NotNil(t, res.Verified)
	assert.Equal(t, ".mp3", res.Verified.Format)
	cover, err := os.ReadFile(filepath.Join(out, "track.png"))
	require.NoError(t, err)
	assert.Equal(t, pngCover, cover)
	assert.NoFileExists(t, src)
}

func TestProcessFile_History(t *testing.T) {
	ctx := context.Background()
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "track.ncm"), buildNCM(t, samplePlain(600), testMetaRecord, nil))

	h, err := cache.OpenHistory(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	p := newTestProcessor(in, in)
	p.history = h
	p.overwriteOutput = true

	res, err := p.processFile(ctx, src, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = p.processFile(ctx, src, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "already converted", res.SkipReason)
	assert.Equal(t, filepath.Join(in, "track.mp3"), res.Output)
}

func TestProcessFile_Cancelled(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "track.ncm"), buildNCM(t, samplePlain(600), "", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestProcessor(in, in).processFile(ctx, src, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(in, "track.mp3"))

	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file removed")
}

func TestPrintMeta(t *testing.T) {
	in := t.TempDir()
	writeFile(t, filepath.Join(in, "a.ncm"), buildNCM(t, samplePlain(600), testMetaRecord, nil))
	writeFile(t, filepath.Join(in, "b.ncm"), []byte("garbage-garbage-garbage"))

	var buf bytes.Buffer
	require.NoError(t, printMeta(context.Background(), newTestProcessor(in, in), in, true, true, &buf))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"track_id":"12345"`)
	assert.Contains(t, string(lines[0]), `"declared_format":"mp3"`)
	assert.Contains(t, string(lines[1]), `"error"`)
}

func TestProcessFile_PlainExtensionKeepsSource(t *testing.T) {
	in := t.TempDir()
	plain := append([]byte("OggS\x00\x02"), bytes.Repeat([]byte{0x5a}, 1500)...)
	enc := bytes.Clone(plain)
	cipher, err := qmc.NewQmcCipherDecoder(nil)
	require.NoError(t, err)
	cipher.Decrypt(enc, 0)
	// keep the tail from reading as a trailer or raw key length
	copy(enc[len(enc)-4:], []byte{0xff, 0xff, 0xff, 0x7f})
	src := writeFile(t, filepath.Join(in, "song.ogg"), enc)

	res, err := newTestProcessor(in, in).processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped, res.SkipReason)
	assert.Equal(t, ".ogg", res.Format)
	assert.Equal(t, filepath.Join(in, "song.decoded.ogg"), res.Output)

	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.Len(t, got, len(plain))
	assert.Equal(t, plain[:len(plain)-4], got[:len(got)-4])

	source, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, enc, source)
}

func TestProcessFile_NoopDecoder(t *testing.T) {
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "plain.mp3"), samplePlain(700))

	p := newTestProcessor(in, in)
	_, err := p.processFile(context.Background(), src, "")
	assert.ErrorIs(t, err, errNoDecoder)

	p.skipNoopDecoder = false
	res, err := p.processFile(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(in, "plain.decoded.mp3"), res.Output)
	got, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, samplePlain(700), got)
}

func TestProcessFile_ConvertedCacheFrontsHistory(t *testing.T) {
	ctx := context.Background()
	in := t.TempDir()
	src := writeFile(t, filepath.Join(in, "track.ncm"), buildNCM(t, samplePlain(600), testMetaRecord, nil))

	h, err := cache.OpenHistory(ctx, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)

	p := newTestProcessor(in, in)
	p.history = h
	p.overwriteOutput = true

	_, err = p.processFile(ctx, src, "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.converted.Len())

	// answered from memory, the database is not needed any more
	require.NoError(t, h.Close())
	res, err := p.processFile(ctx, src, "")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "already converted", res.SkipReason)
	assert.Equal(t, filepath.Join(in, "track.mp3"), res.Output)
	tm, ok := res.Meta.(*common.TrackMeta)
	require.True(t, ok)
	assert.Equal(t, "12345", tm.TrackID)

	// a new version of the input misses the cache and is converted again
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, later, later))
	res, err = p.processFile(ctx, src, "")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}
