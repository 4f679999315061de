// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settleDelay is how long a file must stay quiet before it is processed.
// Captures are usually still being written when the first event arrives.
const settleDelay = time.Second

// Watcher processes capture files dropped into an inbox directory.
type Watcher struct {
	proc   *Processor
	dir    string
	outDir string
	logger *zap.Logger

	pattern string
	settle  time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	done    map[string]bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// NewWatcher creates an inbox watcher using the watch section of the
// processor's configuration.
func NewWatcher(proc *Processor, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wc := proc.Config().Watch
	if wc.Dir == "" || wc.OutDir == "" {
		return nil, fmt.Errorf("watch mode needs watch.dir and watch.out_dir")
	}
	pattern := wc.Pattern
	if pattern == "" {
		pattern = "*"
	}
	return &Watcher{
		proc:    proc,
		dir:     wc.Dir,
		outDir:  wc.OutDir,
		logger:  logger,
		pattern: pattern,
		settle:  settleDelay,
		pending: make(map[string]*time.Timer),
		done:    make(map[string]bool),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching and queues captures already in the inbox.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return err
	}
	w.watcher = fsw

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fsw.Close()
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	go w.loop(ctx)
	w.logger.Info("inbox watcher started",
		zap.String("dir", w.dir),
		zap.String("out_dir", w.outDir),
		zap.String("pattern", w.pattern),
	)
	return nil
}

// Stop shuts down the watcher and waits for files in progress.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.mu.Lock()
		for name, t := range w.pending {
			if t.Stop() {
				w.wg.Done()
			}
			delete(w.pending, name)
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

// matches skips dot files, which is where capture.WriteFile and most
// copy tools stage partial writes.
func (w *Watcher) matches(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	ok, _ := filepath.Match(w.pattern, name)
	return ok
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))

		case <-ctx.Done():
			w.Stop()
			return

		case <-w.stopCh:
			return
		}
	}
}

// schedule (re)arms the settle timer of path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if !w.matches(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	if w.done[path] {
		return
	}
	if t, ok := w.pending[path]; ok {
		// A timer that already fired is processing the file.
		if t.Stop() {
			t.Reset(w.settle)
		}
		return
	}
	w.wg.Add(1)
	w.pending[path] = time.AfterFunc(w.settle, func() {
		defer w.wg.Done()
		w.mu.Lock()
		_, still := w.pending[path]
		delete(w.pending, path)
		if still {
			w.done[path] = true
		}
		w.mu.Unlock()
		if still {
			w.process(ctx, path)
		}
	})
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	out := filepath.Join(w.outDir, filepath.Base(path))
	w.logger.Debug("processing inbox file", zap.String("file", path))
	if _, err := w.proc.Process(ctx, Job{Input: path, Output: out}); err != nil {
		w.logger.Warn("inbox file not masked", zap.String("file", path), zap.Error(err))
	}
}
