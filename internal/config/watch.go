package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	glog "geofenced/internal/log"
)

const watchDebounce = 500 * time.Millisecond

// Watch reloads path after every write and hands valid configurations to
// apply. Invalid files are logged and skipped. It blocks until ctx is done.
func Watch(ctx context.Context, path string, apply func(Config)) error {
	logger := glog.WithComponent("config")
	if path == "" {
		logger.Info().Msg("config file watcher disabled (environment-only configuration)")
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	// Watch the directory so editors that replace the file by rename are seen.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	logger.Info().Str("path", path).Msg("watching config file for changes")

	target := filepath.Clean(path)
	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Msg("config reload failed; keeping current settings")
				continue
			}
			logger.Info().Str("log_level", cfg.LogLevel).Msg("configuration reloaded")
			apply(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("config watcher error")
		}
	}
}
