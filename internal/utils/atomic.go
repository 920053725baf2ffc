package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrOutputExists = errors.New("output file already exists")

// AtomicFile collects output in a temp file next to the destination and
// renames it into place on Commit. Until then the destination is untouched;
// Abort (or a failed Commit) removes the temp file.
type AtomicFile struct {
	tmp       *os.File
	dest      string
	overwrite bool
	done      bool
}

func CreateAtomic(dest string, overwrite bool) (*AtomicFile, error) {
	if !overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat output file: %w", err)
		}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".um-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &AtomicFile{tmp: tmp, dest: dest, overwrite: overwrite}, nil
}

func (f *AtomicFile) Write(p []byte) (int, error) { return f.tmp.Write(p) }

func (f *AtomicFile) TempName() string { return f.tmp.Name() }

func (f *AtomicFile) Commit() (err error) {
	if f.done {
		return errors.New("atomic file already closed")
	}
	f.done = true
	defer func() {
		if err != nil {
			_ = os.Remove(f.tmp.Name())
		}
	}()

	if err := f.tmp.Sync(); err != nil {
		_ = f.tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(f.tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if !f.overwrite {
		// the destination may have appeared while decoding
		if _, err := os.Stat(f.dest); err == nil {
			return fmt.Errorf("%w: %s", ErrOutputExists, f.dest)
		}
	}
	if err := os.Rename(f.tmp.Name(), f.dest); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Abort discards the output. Calling it after Commit is a no-op.
func (f *AtomicFile) Abort() error {
	if f.done {
		return nil
	}
	f.done = true
	return errors.Join(f.tmp.Close(), os.Remove(f.tmp.Name()))
}

// WriteFileAtomic writes everything from r to dest through an AtomicFile.
func WriteFileAtomic(dest string, r io.Reader, overwrite bool) (int64, error) {
	f, err := CreateAtomic(dest, overwrite)
	if err != nil {
		return 0, err
	}
	n, err := OptimizedCopy(f, r)
	if err != nil {
		_ = f.Abort()
		return n, err
	}
	return n, f.Commit()
}
