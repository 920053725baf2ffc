package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/cache"
	"unlock-music.dev/um/internal/metrics"
	"unlock-music.dev/um/internal/mmap"
	"unlock-music.dev/um/internal/pool"
	"unlock-music.dev/um/internal/probe"
	"unlock-music.dev/um/internal/sniff"
	"unlock-music.dev/um/internal/utils"
)

var errNoDecoder = errors.New("no suitable decoder")

const sniffHeaderSize = 256

type processor struct {
	logger    *zap.Logger
	inputDir  string
	outputDir string

	skipNoopDecoder   bool
	removeSource      bool
	overwriteOutput   bool
	extractCover      bool
	verify            bool
	namingFormat      utils.NamingFormat
	workers           int
	parallelThreshold int64

	history *cache.History
	// converted fronts history for inputs this process already converted.
	converted *cache.MetadataCache
	metrics   *metrics.Metrics
}

// fileResult is what happened to one input. Skipped inputs carry a reason
// and no error.
type fileResult struct {
	Output     string
	Format     string
	Meta       common.AudioMeta
	Skipped    bool
	SkipReason string
	Verified   *probe.Report
}

// clone returns a copy with per-request options applied.
func (p *processor) clone(opts ProcessOptions) *processor {
	c := *p
	c.removeSource = opts.RemoveSource
	c.overwriteOutput = opts.OverwriteOutput
	c.skipNoopDecoder = opts.SkipNoop
	c.extractCover = c.extractCover || opts.ExtractCover
	c.verify = c.verify || opts.Verify
	if f, ok := utils.ParseNamingFormat(opts.NamingFormat); ok {
		c.namingFormat = f
	}
	return &c
}

func (p *processor) outputPathFor(inputFile, outputDir, baseName, ext string, meta common.AudioMeta) (string, error) {
	if outputDir != "" {
		return avoidSource(inputFile, filepath.Join(outputDir, utils.OutputFilename(p.namingFormat, baseName, ext, meta))), nil
	}

	relDir := "."
	if p.inputDir != "" {
		rel, err := filepath.Rel(p.inputDir, filepath.Dir(inputFile))
		if err != nil {
			return "", fmt.Errorf("get relative dir failed: %w", err)
		}
		if !strings.HasPrefix(rel, "..") {
			relDir = rel
		}
	}
	outDir := p.outputDir
	if outDir == "" {
		outDir = filepath.Dir(inputFile)
		relDir = "."
	}
	return avoidSource(inputFile, filepath.Join(outDir, relDir, utils.OutputFilename(p.namingFormat, baseName, ext, meta))), nil
}

// avoidSource renames outPath to "<name>.decoded<ext>" when it points at the
// input itself, which happens for containers that keep a plain audio
// extension such as ".ogg". os.SameFile also catches case-only differences
// on case-insensitive file systems.
func avoidSource(inputFile, outPath string) string {
	outStat, err := os.Stat(outPath)
	if err != nil {
		return outPath
	}
	inStat, err := os.Stat(inputFile)
	if err != nil || !os.SameFile(inStat, outStat) {
		return outPath
	}
	ext := filepath.Ext(outPath)
	return strings.TrimSuffix(outPath, ext) + ".decoded" + ext
}

// processFile converts inputFile. outputDir overrides the processor's output
// tree when not empty.
func (p *processor) processFile(ctx context.Context, inputFile, outputDir string) (*fileResult, error) {
	p.metrics.RecordFileProcessed()
	res, err := p.convert(ctx, inputFile, outputDir)
	switch {
	case err != nil:
		p.metrics.RecordFileFailed()
	case res.Skipped:
		p.metrics.RecordFileSkipped()
	default:
		p.metrics.RecordFileSucceeded()
	}
	return res, err
}

func (p *processor) convert(ctx context.Context, inputFile, outputDir string) (*fileResult, error) {
	logger := p.logger.With(zap.String("source", inputFile))
	logger.Debug("processFile", zap.String("inputDir", p.inputDir))

	allDec := common.GetDecoder(inputFile, p.skipNoopDecoder)
	if len(allDec) == 0 {
		return nil, errNoDecoder
	}

	stat, err := os.Stat(inputFile)
	if err != nil {
		return nil, err
	}
	if res := p.alreadyConverted(ctx, logger, inputFile, stat); res != nil {
		return res, nil
	}

	file, err := mmap.Open(inputFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if file.IsUsingMmap() {
		p.metrics.RecordMmapUsage(file.Size())
	} else if file.Size() >= mmap.MinMmapSize {
		p.metrics.RecordMmapFallback()
	}

	dec, factory, err := p.findDecoder(allDec, &common.DecoderParams{
		Reader:    file,
		Extension: filepath.Ext(inputFile),
		FilePath:  inputFile,
		Logger:    logger,
	})
	if errors.Is(err, common.ErrNotEncrypted) {
		logger.Info("input is not encrypted, skip")
		return &fileResult{Skipped: true, SkipReason: "not encrypted"}, nil
	} else if err != nil {
		return nil, err
	}

	start := time.Now()
	audio, header, length, parallel, release, err := p.openAudio(ctx, dec)
	if err != nil {
		return nil, err
	}
	defer release()

	var declared string
	if fd, ok := dec.(common.FormatDeclarer); ok {
		declared = fd.DeclaredFormat()
	}
	audioExt, ok := sniff.AudioExtensionWithDeclared(header, declared)
	if !ok {
		logger.Warn("output format not recognized",
			zap.Error(common.ErrUnrecognizedOutputFormat), zap.String("fallback", audioExt))
	}
	logger.Debug("format detection", zap.String("declared", declared), zap.String("detectedExt", audioExt))

	res := &fileResult{Format: audioExt}
	if getter, ok := dec.(common.AudioMetaGetter); ok {
		if res.Meta, err = getter.GetAudioMeta(ctx); err != nil {
			logger.Warn("get audio meta failed", zap.Error(err))
		}
	}

	var cover []byte
	if getter, ok := dec.(common.CoverImageGetter); ok {
		if cover, err = getter.GetCoverImage(ctx); err != nil {
			logger.Warn("get cover image failed", zap.Error(err))
		}
	}
	baseName := utils.TrimContainerSuffix(inputFile, factory.Suffix)
	outPath, err := p.outputPathFor(inputFile, outputDir, baseName, audioExt, res.Meta)
	if err != nil {
		return nil, err
	}
	res.Output = outPath

	out, err := utils.CreateAtomic(outPath, p.overwriteOutput)
	if errors.Is(err, utils.ErrOutputExists) {
		logger.Warn("output file already exist, skip", zap.String("destination", outPath))
		res.Skipped, res.SkipReason = true, "output exists"
		return res, nil
	} else if err != nil {
		return nil, err
	}
	buf := pool.GetOptimalBuffer(stat.Size(), factory.Suffix)
	written, err := utils.CopyContextBuffer(ctx, out, audio, buf)
	pool.PutBuffer(buf)
	if err != nil {
		_ = out.Abort()
		return nil, fmt.Errorf("write output: %w", err)
	}
	if err := out.Commit(); err != nil {
		if errors.Is(err, utils.ErrOutputExists) {
			res.Skipped, res.SkipReason = true, "output exists"
			return res, nil
		}
		return nil, err
	}
	p.metrics.RecordDecryption(time.Since(start), written, parallel)
	if written != length && length >= 0 {
		logger.Debug("payload length differs from written bytes", zap.Int64("payload", length), zap.Int64("written", written))
	}

	if p.verify && ok {
		if res.Verified, err = probe.File(outPath, audioExt); err != nil {
			_ = os.Remove(outPath)
			return nil, fmt.Errorf("verify output: %w", err)
		}
	}

	if p.extractCover && len(cover) > 0 {
		p.writeCover(logger, outPath, cover)
	}

	if p.history != nil {
		rec := cache.HistoryRecord{Source: inputFile, Output: outPath, Format: audioExt}
		if tm, ok := res.Meta.(*common.TrackMeta); ok {
			rec.TrackID = tm.TrackID
		}
		if err := p.history.Record(ctx, rec); err != nil {
			logger.Warn("history record failed", zap.Error(err))
		}
		if p.converted != nil {
			p.converted.Put(inputFile, stat.Size(), stat.ModTime(), cache.MetadataEntry{
				Meta: res.Meta, CoverData: cover, Output: outPath, Format: audioExt,
			})
		}
	}

	logger.Info("successfully converted", zap.String("destination", outPath))

	if p.removeSource {
		if err := os.RemoveAll(inputFile); err != nil {
			return res, err
		}
		logger.Info("source file removed after success conversion")
	}
	return res, nil
}

// alreadyConverted returns a skip result when history knows this version of
// inputFile. The in-memory cache is asked first so watch and service runs do
// not hit the database for files they converted themselves.
func (p *processor) alreadyConverted(ctx context.Context, logger *zap.Logger, inputFile string, stat os.FileInfo) *fileResult {
	if p.history == nil {
		return nil
	}
	if p.converted != nil {
		if entry, ok := p.converted.Get(inputFile, stat.Size(), stat.ModTime()); ok {
			logger.Info("already converted in this run, skip", zap.String("destination", entry.Output))
			return &fileResult{Output: entry.Output, Format: entry.Format, Meta: entry.Meta, Skipped: true, SkipReason: "already converted"}
		}
	}

	rec, seen, err := p.history.Seen(ctx, inputFile)
	if err != nil {
		logger.Warn("history lookup failed", zap.Error(err))
		return nil
	} else if !seen {
		return nil
	}
	logger.Info("already converted, skip", zap.String("destination", rec.Output))
	return &fileResult{Output: rec.Output, Format: rec.Format, Skipped: true, SkipReason: "already converted"}
}

func (p *processor) findDecoder(decoders []common.DecoderFactory, params *common.DecoderParams) (common.Decoder, *common.DecoderFactory, error) {
	var errs []error
	for i := range decoders {
		factory := &decoders[i]
		if _, err := params.Reader.Seek(0, io.SeekStart); err != nil {
			return nil, nil, fmt.Errorf("rewind input: %w", err)
		}
		dec := factory.Create(params)
		err := dec.Validate()
		if err == nil {
			return dec, factory, nil
		}
		if errors.Is(err, common.ErrNotEncrypted) {
			return nil, nil, err
		}
		params.Logger.Warn("try decode failed", zap.String("suffix", factory.Suffix), zap.Error(err))
		errs = append(errs, err)
	}
	return nil, nil, fmt.Errorf("no any decoder can resolve the file: %w", errors.Join(errs...))
}

// openAudio returns the decoded stream and its first bytes. Large payloads of
// offset addressable decoders are decoded in parallel ranges up front.
func (p *processor) openAudio(ctx context.Context, dec common.Decoder) (audio io.Reader, header []byte, length int64, parallel bool, release func(), err error) {
	if getter, ok := dec.(common.RawPayloadGetter); ok && p.parallelThreshold > 0 {
		if _, n, _ := getter.RawPayload(); n >= p.parallelThreshold {
			data, err := common.DecodeAll(ctx, getter, common.DefaultChunkSize, p.workers)
			if err != nil {
				return nil, nil, 0, false, nil, fmt.Errorf("parallel decode: %w", err)
			}
			header = data[:min(len(data), sniffHeaderSize)]
			return bytes.NewReader(data), header, n, true, func() {}, nil
		}
	}

	buf := pool.GetBuffer(sniffHeaderSize)
	n, err := io.ReadFull(dec, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		pool.PutBuffer(buf)
		return nil, nil, 0, false, nil, fmt.Errorf("read header failed: %w", err)
	}
	header = buf[:n]
	length = -1
	if getter, ok := dec.(common.RawPayloadGetter); ok {
		_, length, _ = getter.RawPayload()
	}
	return io.MultiReader(bytes.NewReader(header), dec), header, length, false, func() { pool.PutBuffer(buf) }, nil
}

func (p *processor) writeCover(logger *zap.Logger, outPath string, cover []byte) {
	ext, ok := sniff.ImageExtension(cover)
	if !ok {
		ext = ".jpg"
	}
	coverPath := strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ext
	if _, err := utils.WriteFileAtomic(coverPath, bytes.NewReader(cover), p.overwriteOutput); err != nil {
		logger.Warn("extract cover failed", zap.String("destination", coverPath), zap.Error(err))
		return
	}
	logger.Info("cover extracted", zap.String("destination", coverPath))
}
