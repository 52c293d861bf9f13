package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads config.json whenever it is written and hands the parsed file to
// onChange. Only values present in the file are set; the rest stay zero. Watching
// stops when ctx is done.
func Watch(ctx context.Context, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory rather than the file.
	if err := watcher.Add(baseDir()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", baseDir(), err)
	}

	go watchLoop(ctx, watcher, logger, onChange)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, logger *slog.Logger, onChange func(*Config)) {
	defer watcher.Close()

	target := filepath.Base(getConfigFilePath())
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload = time.After(reloadDebounce)
		case <-reload:
			reload = nil
			cfg, err := LoadConfigFromJSON()
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			logger.Info("config.json changed, applying")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
