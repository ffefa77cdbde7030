package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"freva/internal/logging"
)

// Watch follows the config file and flips the log level when its debug
// flag changes. It blocks until the context is cancelled. Editors often
// replace files instead of writing in place, so the parent directory is
// watched and events filtered by name.
func Watch(ctx context.Context, path string, level *slog.LevelVar, logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "config")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Debug("watching config file", "path", abs)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs ||
				!event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadServer(abs)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			want := slog.LevelInfo
			if cfg.Debug {
				want = slog.LevelDebug
			}
			if level.Level() != want {
				level.Set(want)
				logger.Info("log level changed", "level", want.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)
		}
	}
}
