package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"unlock-music.dev/um/algo/common"
)

const (
	readyPollInterval = 500 * time.Millisecond
	readyMaxRetries   = 60
)

var errStillWriting = errors.New("file is still being written")

// waitReady blocks until path can be opened and its size holds still for one
// poll interval, which is how a finished download looks from outside.
func waitReady(ctx context.Context, path string, interval time.Duration, retries uint64) error {
	lastSize := int64(-1)
	op := func() error {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		stat, err := f.Stat()
		_ = f.Close()
		if err != nil {
			return err
		}
		size := stat.Size()
		if size == 0 || size != lastSize {
			lastSize = size
			return errStillWriting
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), ctx)
	return backoff.Retry(op, b)
}

type dirWatcher struct {
	proc      *processor
	logger    *zap.Logger
	recursive bool
	interval  time.Duration
	retries   uint64

	// pending holds the files being waited on, so that a burst of write
	// events converts a file once.
	pending sync.Map
	wg      sync.WaitGroup

	// ready, when set, is closed once the tree is being watched.
	ready chan struct{}
}

func (w *dirWatcher) addTree(watcher *fsnotify.Watcher, root string) error {
	if !w.recursive {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch dir %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *dirWatcher) handle(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) && w.recursive {
		if stat, err := os.Stat(event.Name); err == nil && stat.IsDir() {
			if err := w.addTree(watcher, event.Name); err != nil {
				w.logger.Warn("watch new dir failed", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}

	// noop decoders are never used here: their outputs land in the watched
	// tree and would be picked up again.
	if len(common.GetDecoder(event.Name, true)) == 0 {
		return
	}
	if _, busy := w.pending.LoadOrStore(event.Name, struct{}{}); busy {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.pending.Delete(event.Name)

		if err := waitReady(ctx, event.Name, w.interval, w.retries); err != nil {
			w.logger.Debug("file not ready, ignored", zap.String("path", event.Name), zap.Error(err))
			return
		}
		if _, err := w.proc.processFile(ctx, event.Name, ""); err != nil {
			w.logger.Warn("failed to process file", zap.String("path", event.Name), zap.Error(err))
		}
	}()
}

// run converts what is already in inputDir, then every new file until ctx
// is done.
func (w *dirWatcher) run(ctx context.Context, inputDir string) error {
	if _, err := w.proc.processDir(ctx, inputDir, w.recursive); err != nil {
		w.logger.Warn("initial conversion incomplete", zap.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, inputDir); err != nil {
		return fmt.Errorf("failed to watch dir %s: %w", inputDir, err)
	}
	w.logger.Info("watching for new files", zap.String("dir", inputDir))
	if w.ready != nil {
		close(w.ready)
	}

	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher got error", zap.Error(err))
		}
	}
}

func (p *processor) watchDir(ctx context.Context, inputDir string, recursive bool) error {
	w := &dirWatcher{
		proc:      p,
		logger:    p.logger,
		recursive: recursive,
		interval:  readyPollInterval,
		retries:   readyMaxRetries,
	}
	return w.run(ctx, inputDir)
}
