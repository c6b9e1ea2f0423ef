package settings

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadFunc reads the settings section from the file at path.
type LoadFunc func(path string) (Values, error)

// Watch reloads s from path whenever the file is written or replaced, until
// ctx ends. The parent directory is watched so that editors which save by
// rename are picked up. Reload failures keep the previous values.
func Watch(ctx context.Context, path string, load LoadFunc, s *Store, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(path)

	// Editors often emit several events per save.
	const settle = 100 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			v, err := load(path)
			if err != nil {
				logger.Warn("settings reload failed", "path", path, "error", err)
				continue
			}
			if err := s.Set(v); err != nil {
				logger.Warn("settings reload rejected", "path", path, "error", err)
				continue
			}
			logger.Info("settings reloaded", "path", path)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", "error", err)
		}
	}
}
