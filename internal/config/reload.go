package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/snapvault/companion/internal/log"
)

// WatchEnvFile watches the directory containing the given .env file and calls
// onChange whenever the file is written, created or removed. It blocks until
// ctx is cancelled. Watching the parent directory instead of the file itself
// survives editors that replace the file atomically.
func WatchEnvFile(ctx context.Context, path string, onChange func()) error {
	if path == "" {
		<-ctx.Done()
		return nil
	}

	logger := log.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Info().
				Str(log.FieldEnvFile, path).
				Str("op", ev.Op.String()).
				Msg("secrets file changed")
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("env file watcher error")
		}
	}
}
