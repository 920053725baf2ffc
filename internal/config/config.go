// Package config layers the run options: built-in defaults, then an optional
// YAML file, then command line flags the user explicitly set.
package config

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"unlock-music.dev/um/algo/common"
	"unlock-music.dev/um/internal/utils"
)

type Config struct {
	Output       string `koanf:"output"`
	Recursive    bool   `koanf:"recursive"`
	Overwrite    bool   `koanf:"overwrite"`
	RemoveSource bool   `koanf:"remove_source"`
	SkipNoop     bool   `koanf:"skip_noop"`

	Workers int `koanf:"workers"`
	// ParallelThreshold is the payload size from which a single file is
	// decoded in parallel ranges. 0 disables parallel decoding.
	ParallelThreshold int64 `koanf:"parallel_threshold"`

	HistoryDB  string `koanf:"history_db"`
	QmcMMKV    string `koanf:"qmc_mmkv"`
	QmcMMKVKey string `koanf:"qmc_mmkv_key"`

	ExtractCover bool   `koanf:"extract_cover"`
	Verify       bool   `koanf:"verify"`
	NamingFormat string `koanf:"naming_format"`
}

const defaultParallelThreshold = 8 * common.DefaultChunkSize

func defaults() map[string]any {
	return map[string]any{
		"recursive":          true,
		"skip_noop":          true,
		"workers":            min(runtime.NumCPU(), 8),
		"parallel_threshold": defaultParallelThreshold,
		"naming_format":      string(utils.NamingAuto),
	}
}

type Loader struct {
	k *koanf.Koanf
}

func NewLoader() (*Loader, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}
	return &Loader{k: k}, nil
}

// LoadFile merges a YAML file over the current values.
func (l *Loader) LoadFile(path string) error {
	if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	return nil
}

// Override merges explicit values, keyed like the YAML file, over the
// current values.
func (l *Loader) Override(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	if err := l.k.Load(confmap.Provider(values, "."), nil); err != nil {
		return fmt.Errorf("load config overrides: %w", err)
	}
	return nil
}

func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.ParallelThreshold < 0 {
		errs = append(errs, fmt.Errorf("parallel_threshold must not be negative, got %d", c.ParallelThreshold))
	}
	if f, ok := utils.ParseNamingFormat(c.NamingFormat); !ok {
		errs = append(errs, fmt.Errorf("unknown naming_format %q", c.NamingFormat))
	} else {
		c.NamingFormat = string(f)
	}
	if c.QmcMMKVKey != "" && c.QmcMMKV == "" {
		errs = append(errs, errors.New("qmc_mmkv_key requires qmc_mmkv"))
	}
	return errors.Join(errs...)
}

// Load is the usual sequence: defaults, the file at path if not empty, then
// overrides.
func Load(path string, overrides map[string]any) (*Config, error) {
	l, err := NewLoader()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := l.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := l.Override(overrides); err != nil {
		return nil, err
	}
	return l.Config()
}
