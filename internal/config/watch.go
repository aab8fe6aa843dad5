package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDelay = 250 * time.Millisecond

// Watch reloads the configuration file at path whenever it changes and
// passes each successfully parsed Config to onChange. Bursts of writes are
// coalesced into one reload after delay. A file that fails to parse is
// logged and skipped; the previous configuration stays in effect.
//
// Watch blocks until ctx is done. The parent directory is watched rather
// than the file so editors that replace the file on save are handled.
func Watch(ctx context.Context, path string, delay time.Duration, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = defaultReloadDelay
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("abs config path: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		cfg, err := LoadFrom(absPath)
		if err != nil {
			logger.Warn("config reload failed", "path", absPath, "error", err)
			return
		}
		logger.Info("config reloaded", "path", absPath)
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != absPath {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, reload)
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Debug("config watcher error", "error", err)
		}
	}
}
