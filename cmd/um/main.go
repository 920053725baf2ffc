package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"unlock-music.dev/um/algo/common"
	_ "unlock-music.dev/um/algo/ncm"
	"unlock-music.dev/um/algo/qmc"
	"unlock-music.dev/um/internal/cache"
	"unlock-music.dev/um/internal/config"
	"unlock-music.dev/um/internal/metrics"
	"unlock-music.dev/um/internal/mmap"
	"unlock-music.dev/um/internal/serialization"
	"unlock-music.dev/um/internal/utils"
)

var AppVersion = "custom"

func main() {
	module, ok := debug.ReadBuildInfo()
	if ok && module.Main.Version != "(devel)" {
		AppVersion = module.Main.Version
	}
	app := cli.App{
		Name:     "Unlock Music CLI",
		HelpName: "um",
		Usage:    "Unlock your encrypted music file",
		Version:  fmt.Sprintf("%s (%s,%s/%s)", AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "path to input file or dir"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "path to output dir"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a yaml config file"},
			&cli.BoolFlag{Name: "recursive", Aliases: []string{"r"}, Usage: "descend into sub directories", Value: true},
			&cli.StringFlag{Name: "qmc-mmkv", Aliases: []string{"db"}, Usage: "path to qmc mmkv (.crc file also required)"},
			&cli.StringFlag{Name: "qmc-mmkv-key", Aliases: []string{"key"}, Usage: "mmkv password (16 ascii chars)"},
			&cli.StringFlag{Name: "history-db", Usage: "sqlite file remembering converted inputs"},
			&cli.BoolFlag{Name: "remove-source", Aliases: []string{"rs"}, Usage: "remove source file"},
			&cli.BoolFlag{Name: "skip-noop", Aliases: []string{"n"}, Usage: "skip noop decoder", Value: true},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "verbose logging"},
			&cli.BoolFlag{Name: "overwrite", Usage: "overwrite output file without asking"},
			&cli.BoolFlag{Name: "extract-cover", Usage: "write the embedded cover next to the output"},
			&cli.BoolFlag{Name: "verify", Usage: "parse the output back and fail on a mismatch"},
			&cli.IntFlag{Name: "workers", Usage: "number of files converted concurrently"},
			&cli.BoolFlag{Name: "watch", Usage: "watch the input dir and process new files"},
			&cli.BoolFlag{Name: "batch", Usage: "batch processing mode (read JSON from stdin)"},
			&cli.BoolFlag{Name: "service", Usage: "run as service mode (IPC communication)"},
			&cli.StringFlag{Name: "service-pipe", Usage: "service pipe name (Windows) or socket path (Unix)"},
			&cli.StringFlag{Name: "naming-format", Usage: "output filename format: auto, original, artist-title, title-artist", Value: "auto"},
			&cli.BoolFlag{Name: "print-meta", Usage: "print the container metadata as JSON lines and exit"},

			&cli.BoolFlag{Name: "supported-ext", Usage: "show supported file extensions and exit"},
		},

		Action:          appMain,
		Copyright:       fmt.Sprintf("Copyright (c) 2020 - %d Unlock Music", time.Now().Year()),
		HideHelpCommand: true,
		UsageText:       "um [-o /path/to/output/dir] [--extra-flags] [-i] /path/to/input",
	}

	err := app.Run(os.Args)
	if err != nil {
		setupLogger(false).Fatal("run app failed", zap.Error(err))
	}
}

func printSupportedExtensions(w io.Writer) {
	extSet := make(map[string]int)
	for _, factory := range common.DecoderRegistry {
		extSet[strings.TrimPrefix(factory.Suffix, ".")]++
	}
	exts := make([]string, 0, len(extSet))
	for ext := range extSet {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		fmt.Fprintf(w, "%s: %d\n", ext, extSet[ext])
	}
}

func setupLogger(verbose bool) *zap.Logger {
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	enabler := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		if verbose {
			return true
		}
		return level >= zapcore.InfoLevel
	})

	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(logConfig),
		os.Stderr,
		enabler,
	))
}

// flagOverrides maps the flags the user set to config keys.
func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range map[string]string{
		"output":        "output",
		"qmc-mmkv":      "qmc_mmkv",
		"qmc-mmkv-key":  "qmc_mmkv_key",
		"history-db":    "history_db",
		"naming-format": "naming_format",
	} {
		if c.IsSet(flag) {
			overrides[key] = c.String(flag)
		}
	}
	for flag, key := range map[string]string{
		"recursive":     "recursive",
		"overwrite":     "overwrite",
		"remove-source": "remove_source",
		"skip-noop":     "skip_noop",
		"extract-cover": "extract_cover",
		"verify":        "verify",
	} {
		if c.IsSet(flag) {
			overrides[key] = c.Bool(flag)
		}
	}
	if c.IsSet("workers") {
		overrides["workers"] = c.Int("workers")
	}
	return overrides
}

func newProcessor(cfg *config.Config, logger *zap.Logger) *processor {
	naming, _ := utils.ParseNamingFormat(cfg.NamingFormat)
	return &processor{
		logger:            logger,
		outputDir:         cfg.Output,
		skipNoopDecoder:   cfg.SkipNoop,
		removeSource:      cfg.RemoveSource,
		overwriteOutput:   cfg.Overwrite,
		extractCover:      cfg.ExtractCover,
		verify:            cfg.Verify,
		namingFormat:      naming,
		workers:           cfg.Workers,
		parallelThreshold: cfg.ParallelThreshold,
		converted:         cache.GetGlobalMetadataCache(),
		metrics:           metrics.GlobalMetrics,
	}
}

func appMain(c *cli.Context) (err error) {
	logger := setupLogger(c.Bool("verbose"))
	defer func() { _ = logger.Sync() }()

	if c.Bool("supported-ext") {
		printSupportedExtensions(os.Stdout)
		return nil
	}

	cfg, err := config.Load(c.String("config"), flagOverrides(c))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	if cfg.QmcMMKV != "" {
		// If key is not set, the mmkv vault will be treated as unencrypted.
		if err := qmc.OpenMMKV(cfg.QmcMMKV, cfg.QmcMMKVKey, logger); err != nil {
			return err
		}
		defer qmc.CloseMMKV()
	}

	proc := newProcessor(cfg, logger)
	if cfg.HistoryDB != "" {
		if proc.history, err = cache.OpenHistory(ctx, cfg.HistoryDB); err != nil {
			return err
		}
		defer proc.history.Close()
	}

	if c.Bool("service") {
		return runServiceMode(ctx, proc, c.String("service-pipe"))
	}
	if c.Bool("batch") {
		return runBatchMode(ctx, proc, os.Stdin, os.Stdout)
	}

	input := c.String("input")
	if input == "" {
		switch c.Args().Len() {
		case 0:
			if input, err = os.Getwd(); err != nil {
				return err
			}
		case 1:
			input = c.Args().Get(0)
		default:
			return errors.New("please specify input file (or directory)")
		}
	}

	input, absErr := filepath.Abs(input)
	if absErr != nil {
		return fmt.Errorf("get abs path failed: %w", absErr)
	}
	inputStat, err := os.Stat(input)
	if err != nil {
		return err
	}

	if c.Bool("print-meta") {
		return printMeta(ctx, proc, input, inputStat.IsDir(), cfg.Recursive, os.Stdout)
	}

	inputDir := input
	if !inputStat.IsDir() {
		inputDir = filepath.Dir(input)
	}
	proc.inputDir = inputDir
	if proc.outputDir == "" {
		// Default to where the input dir is
		proc.outputDir = inputDir
	}
	if proc.outputDir, err = filepath.Abs(proc.outputDir); err != nil {
		return fmt.Errorf("get abs path (output) failed: %w", err)
	}
	logger.Debug("resolve input/output path", zap.String("inputDir", inputDir), zap.String("input", input), zap.String("output", proc.outputDir))

	outputStat, err := os.Stat(proc.outputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = os.MkdirAll(proc.outputDir, 0755)
		}
		if err != nil {
			return err
		}
	} else if !outputStat.IsDir() {
		return errors.New("output should be a writable directory")
	}

	defer func() {
		logger.Info(proc.metrics.GetSnapshot().Summary())
	}()

	switch {
	case inputStat.IsDir() && c.Bool("watch"):
		return proc.watchDir(ctx, input, cfg.Recursive)
	case inputStat.IsDir():
		_, err := proc.processDir(ctx, input, cfg.Recursive)
		return err
	default:
		_, err := proc.processFile(ctx, input, "")
		return err
	}
}

// metaLine is one line of --print-meta output.
type metaLine struct {
	Source   string            `json:"source"`
	Decoder  string            `json:"decoder,omitempty"`
	Declared string            `json:"declared_format,omitempty"`
	Meta     *common.TrackMeta `json:"meta,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func printMeta(ctx context.Context, proc *processor, input string, isDir, recursive bool, w io.Writer) error {
	files := []FileTask{{InputPath: input}}
	if isDir {
		var err error
		if files, err = collectFiles(input, recursive, proc.skipNoopDecoder); err != nil {
			return err
		}
	}

	enc := serialization.NewLineEncoder(w)
	for _, task := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := readMeta(ctx, proc, task.InputPath)
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func readMeta(ctx context.Context, proc *processor, path string) metaLine {
	line := metaLine{Source: path}
	logger := proc.logger.With(zap.String("source", path))

	allDec := common.GetDecoder(path, proc.skipNoopDecoder)
	if len(allDec) == 0 {
		line.Error = errNoDecoder.Error()
		return line
	}

	file, err := mmap.Open(path)
	if err != nil {
		line.Error = err.Error()
		return line
	}
	defer file.Close()

	dec, factory, err := proc.findDecoder(allDec, &common.DecoderParams{
		Reader:    file,
		Extension: filepath.Ext(path),
		FilePath:  path,
		Logger:    logger,
	})
	if err != nil {
		line.Error = err.Error()
		return line
	}
	line.Decoder = factory.Suffix
	if fd, ok := dec.(common.FormatDeclarer); ok {
		line.Declared = fd.DeclaredFormat()
	}
	if getter, ok := dec.(common.AudioMetaGetter); ok {
		meta, err := getter.GetAudioMeta(ctx)
		if err != nil {
			line.Error = err.Error()
		}
		if tm, ok := meta.(*common.TrackMeta); ok {
			line.Meta = tm
		}
	}
	return line
}
